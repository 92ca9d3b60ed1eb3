package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/campaign-notifier/internal/domain"
)

// StartRun implements scheduler.Store.
func (s *Store) StartRun(ctx context.Context, run *domain.SchedulerRun) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduler_runs (id, campaign_id, trigger, started_at, summary, sealed)
		VALUES ($1, $2, $3, $4, $5, false)
	`, run.ID, run.CampaignID, run.Trigger, run.StartedAt, summary)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// SealRun implements scheduler.Store.
func (s *Store) SealRun(ctx context.Context, run *domain.SchedulerRun) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_runs
		SET ended_at = $2, summary = $3, outcome = $4, sealed = $5, error = $6
		WHERE id = $1
	`, run.ID, run.EndedAt, summary, run.Outcome, run.Sealed, run.Error)
	if err != nil {
		return fmt.Errorf("seal run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("seal run %s: %w", run.ID, domain.ErrNotFound)
	}
	return nil
}

// AbandonStaleRuns implements scheduler.Store.
func (s *Store) AbandonStaleRuns(ctx context.Context, campaignID string, olderThan, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_runs
		SET ended_at = $3, outcome = 'abandoned', sealed = true
		WHERE NOT sealed AND started_at < $2 AND ($1 = '' OR campaign_id = $1)
	`, campaignID, olderThan, at)
	if err != nil {
		return 0, fmt.Errorf("abandon stale runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListRuns implements campaign.Repository.
func (s *Store) ListRuns(ctx context.Context, campaignID string, limit int) ([]domain.SchedulerRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, trigger, started_at, ended_at, summary,
		       COALESCE(outcome, ''), sealed, COALESCE(error, '')
		FROM scheduler_runs
		WHERE campaign_id = $1
		ORDER BY started_at DESC, id
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.SchedulerRun
	for rows.Next() {
		var (
			r       domain.SchedulerRun
			summary []byte
		)
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Trigger, &r.StartedAt, &r.EndedAt,
			&summary, &r.Outcome, &r.Sealed, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if len(summary) > 0 {
			if err := json.Unmarshal(summary, &r.Summary); err != nil {
				return nil, fmt.Errorf("decode summary of run %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
