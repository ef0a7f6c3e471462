package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/leadgen-engine/internal/domain"
	"github.com/ignite/leadgen-engine/internal/sender"
	"github.com/ignite/leadgen-engine/internal/sendone"
)

// MailRepo implements sender.Repository and sendone.Repository against
// mailboxes, campaigns, list_contacts, contacts, and mailbox_sent.
type MailRepo struct {
	db *sql.DB
}

func NewMailRepo(db *sql.DB) *MailRepo { return &MailRepo{db: db} }

// DesiredSenders computes {mailbox -> active campaigns}: every mailbox with
// at least one campaign currently active and inside its start/end bounds.
func (r *MailRepo) DesiredSenders(ctx context.Context) ([]sender.Desired, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.workspace_id, m.smtp_host, m.smtp_user, m.smtp_password, m.limit_hour_sent,
		       c.id
		FROM mailboxes m
		JOIN campaigns c ON c.mailbox_id = m.id
		WHERE c.active = true
		  AND c.start_at <= now()
		  AND (c.end_at IS NULL OR c.end_at >= now())
		ORDER BY m.id
	`)
	if err != nil {
		return nil, fmt.Errorf("desired senders: %w", err)
	}
	defer rows.Close()

	byMailbox := make(map[uuid.UUID]*sender.Desired)
	var order []uuid.UUID
	for rows.Next() {
		var mb domain.Mailbox
		var campaignID uuid.UUID
		if err := rows.Scan(&mb.ID, &mb.WorkspaceID, &mb.SMTPHost, &mb.SMTPUser, &mb.SMTPPassword, &mb.LimitHourSent, &campaignID); err != nil {
			return nil, fmt.Errorf("scan desired sender: %w", err)
		}
		d, ok := byMailbox[mb.ID]
		if !ok {
			d = &sender.Desired{Mailbox: mb}
			byMailbox[mb.ID] = d
			order = append(order, mb.ID)
		}
		d.CampaignIDs = append(d.CampaignIDs, campaignID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]sender.Desired, 0, len(order))
	for _, id := range order {
		out = append(out, *byMailbox[id])
	}
	return out, nil
}

func (r *MailRepo) ActiveCampaigns(ctx context.Context, mailboxID uuid.UUID) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, mailbox_id, list_id, window, active
		FROM campaigns
		WHERE mailbox_id = $1
		  AND active = true
		  AND start_at <= now()
		  AND (end_at IS NULL OR end_at >= now())
	`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("active campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		var raw []byte
		if err := rows.Scan(&c.ID, &c.MailboxID, &c.ListID, &raw, &c.Active); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &c.Window); err != nil {
				return nil, fmt.Errorf("unmarshal window: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *MailRepo) GlobalWindow(ctx context.Context, workspaceID string) (map[string][]domain.TimeSlot, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT window FROM workspace_send_windows WHERE workspace_id = $1
	`, workspaceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("global window: %w", err)
	}
	var window map[string][]domain.TimeSlot
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &window); err != nil {
			return nil, fmt.Errorf("unmarshal global window: %w", err)
		}
	}
	return window, nil
}

func (r *MailRepo) UnsentActiveCount(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM list_contacts lc
		JOIN campaigns c ON c.list_id = lc.list_id
		LEFT JOIN mailbox_sent ms ON ms.campaign_id = c.id AND ms.list_contact_id = lc.id
		WHERE c.id = $1 AND lc.active = true AND ms.id IS NULL
	`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unsent active count: %w", err)
	}
	return n, nil
}

// NextContact picks the next undelivered contact for campaignID, ordered
// rate_cl asc, rate_cb asc (NULLs last), list_contact_id asc.
func (r *MailRepo) NextContact(ctx context.Context, campaignID uuid.UUID) (domain.ListContact, bool, error) {
	var lc domain.ListContact
	var rateCL, rateCB sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT lc.id, lc.contact_id, lc.rate_cl, lc.rate_cb
		FROM campaigns c
		JOIN list_contacts lc ON lc.list_id = c.list_id AND lc.active = true
		LEFT JOIN mailbox_sent ms ON ms.campaign_id = c.id AND ms.list_contact_id = lc.id
		WHERE c.id = $1 AND ms.id IS NULL
		ORDER BY lc.rate_cl ASC NULLS LAST, lc.rate_cb ASC NULLS LAST, lc.id ASC
		LIMIT 1
	`, campaignID).Scan(&lc.ID, &lc.ContactID, &rateCL, &rateCB)
	if err == sql.ErrNoRows {
		return domain.ListContact{}, false, nil
	}
	if err != nil {
		return domain.ListContact{}, false, fmt.Errorf("next contact: %w", err)
	}
	if rateCL.Valid {
		v := int(rateCL.Int64)
		lc.RateCL = &v
	}
	if rateCB.Valid {
		v := int(rateCB.Int64)
		lc.RateCB = &v
	}
	return lc, true, nil
}

// LoadCampaignMessage loads the pre-rendered message a campaign sends.
// Rendering/templating itself is out of scope; the columns here already
// hold final content.
func (r *MailRepo) LoadCampaignMessage(ctx context.Context, campaignID uuid.UUID) (sendone.Message, error) {
	var msg sendone.Message
	err := r.db.QueryRowContext(ctx, `
		SELECT from_name, from_email, COALESCE(reply_to,''), subject,
		       COALESCE(html_content,''), COALESCE(plain_content,'')
		FROM campaigns
		WHERE id = $1
	`, campaignID).Scan(&msg.FromName, &msg.FromEmail, &msg.ReplyTo, &msg.Subject, &msg.HTML, &msg.Text)
	if err != nil {
		return sendone.Message{}, fmt.Errorf("load campaign message: %w", err)
	}
	return msg, nil
}

func (r *MailRepo) LoadContactEmail(ctx context.Context, listContactID int64) (string, error) {
	var email string
	err := r.db.QueryRowContext(ctx, `
		SELECT co.email
		FROM list_contacts lc
		JOIN contacts co ON co.id = lc.contact_id
		WHERE lc.id = $1
	`, listContactID).Scan(&email)
	if err != nil {
		return "", fmt.Errorf("load contact email: %w", err)
	}
	return email, nil
}

// RecordSent inserts the (campaign_id, list_contact_id) pair, surfacing
// ErrAlreadySent when mailbox_sent's unique constraint rejects a duplicate.
func (r *MailRepo) RecordSent(ctx context.Context, campaignID uuid.UUID, listContactID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mailbox_sent (campaign_id, list_contact_id, sent_at)
		VALUES ($1, $2, NOW())
	`, campaignID, listContactID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sendone.ErrAlreadySent
		}
		return fmt.Errorf("record sent: %w", err)
	}
	return nil
}
