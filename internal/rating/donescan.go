package rating

import (
	"context"
	"fmt"

	"github.com/ignite/leadgen-engine/internal/domain"
	"github.com/ignite/leadgen-engine/internal/pkg/logger"
)

// DoneScanConfig carries the done-scan sweep's batch size.
type DoneScanConfig struct {
	Limit int // jobs checked per sweep; 0 -> 200
}

func (c DoneScanConfig) withDefaults() DoneScanConfig {
	if c.Limit <= 0 {
		c.Limit = 200
	}
	return c
}

// DoneScanStats summarizes one DoneScan call.
type DoneScanStats struct {
	Checked int
	Closed  int
}

// DoneScan is the auxiliary periodic sweep that closes rating jobs
// proactively (spec.md "An auxiliary periodic task (done_scan) closes
// rating jobs"), independently of any worker happening to pop that
// rating_id's queue head. It reuses the same per-kind completion and
// bad-hash rules Tick's need_fill path applies to a single popped job,
// just run across every currently active job.
func (p *Pipeline) DoneScan(ctx context.Context, cfg DoneScanConfig) (DoneScanStats, error) {
	cfg = cfg.withDefaults()

	jobs, err := p.repo.ActiveRatingJobs(ctx, cfg.Limit)
	if err != nil {
		return DoneScanStats{}, fmt.Errorf("rating: active rating jobs: %w", err)
	}

	stats := DoneScanStats{Checked: len(jobs)}
	for _, job := range jobs {
		closed, err := p.doneScanOne(ctx, job)
		if err != nil {
			return stats, err
		}
		if closed {
			stats.Closed++
		}
	}
	return stats, nil
}

func (p *Pipeline) doneScanOne(ctx context.Context, job JobRow) (bool, error) {
	if domain.InvalidFingerprints[job.TargetHash] {
		if err := p.repo.CloseRatingJob(ctx, job.RatingID); err != nil {
			return false, fmt.Errorf("rating: done scan close bad hash: %w", err)
		}
		logger.Warn("rating job closed by done scan", "kind", job.Kind, "rating_id", job.RatingID, "reason", "bad_target_hash")
		return true, nil
	}

	done, err := p.isDone(ctx, job.Kind, job.TaskID, job.TargetHash)
	if err != nil {
		return false, fmt.Errorf("rating: done scan check: %w", err)
	}
	if !done {
		return false, nil
	}

	if err := p.repo.CloseRatingJob(ctx, job.RatingID); err != nil {
		return false, fmt.Errorf("rating: done scan close: %w", err)
	}
	logger.Info("rating job closed by done scan", "kind", job.Kind, "rating_id", job.RatingID, "reason", "enough")
	return true, nil
}
