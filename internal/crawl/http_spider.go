package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSpider dispatches an Item to an external fetch service over HTTP
// rather than parsing HTML in-process; the fetch service owns the
// directory-specific scraping logic. It satisfies Spider.
type HTTPSpider struct {
	client   *http.Client
	endpoint string
}

func NewHTTPSpider(endpoint string, timeout time.Duration) *HTTPSpider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSpider{client: &http.Client{Timeout: timeout}, endpoint: endpoint}
}

type spiderRequest struct {
	CBID       int64  `json:"cb_id"`
	PLZ        string `json:"plz"`
	BranchSlug string `json:"branch_slug"`
	TaskID     int64  `json:"task_id"`
}

func (s *HTTPSpider) Crawl(ctx context.Context, item Item) error {
	payload, err := json.Marshal(spiderRequest{
		CBID:       item.CBID,
		PLZ:        item.PLZ,
		BranchSlug: item.BranchSlug,
		TaskID:     item.TaskID,
	})
	if err != nil {
		return fmt.Errorf("crawl: marshal spider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("crawl: build spider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("crawl: dispatch cb_id=%d: %w", item.CBID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("crawl: fetch service cb_id=%d returned status %d", item.CBID, resp.StatusCode)
	}
	return nil
}
