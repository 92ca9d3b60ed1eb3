package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/reconciler"
	"github.com/ignite/campaign-notifier/internal/scheduler"
)

const messageColumns = `id, campaign_id, recipient_id, window_key, phone, rendered_content,
	COALESCE(provider_message_id, ''), status, attempts, next_attempt_at,
	last_error_code, last_error, queued_at, sent_at, delivered_at, read_at,
	failed_at, updated_at`

func scanMessage(row rowScanner) (*domain.Message, error) {
	var m domain.Message
	err := row.Scan(
		&m.ID, &m.CampaignID, &m.RecipientID, &m.WindowKey, &m.Phone, &m.RenderedContent,
		&m.ProviderMessageID, &m.Status, &m.Attempts, &m.NextAttemptAt,
		&m.LastErrorCode, &m.LastError, &m.QueuedAt, &m.SentAt, &m.DeliveredAt, &m.ReadAt,
		&m.FailedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AdmitMessage implements scheduler.Store. The unique index on
// (campaign_id, recipient_id, window_key) makes the insert the dedup
// decision; a conflicting row is claimed for retry only while it is queued,
// under the ceiling and past its lease.
func (s *Store) AdmitMessage(ctx context.Context, req scheduler.AdmitRequest) (*scheduler.Admission, error) {
	lease := req.Now.Add(req.Lease)

	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, campaign_id, recipient_id, window_key, phone, rendered_content,
		                      status, attempts, next_attempt_at, last_error_code, last_error,
		                      queued_at, updated_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, 'queued', 0, $6, '', '', $7, $7)
		ON CONFLICT (campaign_id, recipient_id, window_key) DO NOTHING
		RETURNING `+messageColumns,
		req.CampaignID, req.RecipientID, req.WindowKey, req.Phone, req.RenderedContent, lease, req.Now))
	if err == nil {
		return &scheduler.Admission{Message: m, Outcome: scheduler.AdmitCreated}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("admit message: %w", err)
	}

	m, err = scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET next_attempt_at = $4, rendered_content = $5, updated_at = $6
		WHERE campaign_id = $1 AND recipient_id = $2 AND window_key = $3
		  AND status = 'queued' AND attempts < $7
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $6)
		RETURNING `+messageColumns,
		req.CampaignID, req.RecipientID, req.WindowKey, lease, req.RenderedContent, req.Now, req.Ceiling))
	if err == nil {
		return &scheduler.Admission{Message: m, Outcome: scheduler.AdmitRetry}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim message: %w", err)
	}

	m, err = scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE campaign_id = $1 AND recipient_id = $2 AND window_key = $3
	`, req.CampaignID, req.RecipientID, req.WindowKey))
	if err != nil {
		return nil, fmt.Errorf("load duplicate message: %w", err)
	}
	return &scheduler.Admission{Message: m, Outcome: scheduler.AdmitDuplicate}, nil
}

// MarkSent implements scheduler.Store.
func (s *Store) MarkSent(ctx context.Context, messageID, providerMessageID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'sent', attempts = attempts + 1, provider_message_id = NULLIF($2, ''),
		    next_attempt_at = NULL, sent_at = COALESCE(sent_at, $3), updated_at = $3
		WHERE id = $1 AND status = 'queued'
	`, messageID, providerMessageID, at)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.messageExists(ctx, messageID, "mark sent")
}

// RecordFailure implements scheduler.Store.
func (s *Store) RecordFailure(ctx context.Context, f scheduler.Failure) error {
	countAttempt := 0
	if f.CountAttempt {
		countAttempt = 1
	}
	var next *time.Time
	if !f.Terminal {
		next = &f.NextAttemptAt
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			attempts = attempts + $2::int,
			last_error_code = CASE WHEN $3::text <> '' OR $2::int = 1 THEN $3::text ELSE last_error_code END,
			last_error = $4,
			updated_at = $5,
			status = CASE WHEN $6::boolean THEN 'failed' ELSE status END,
			failed_at = CASE WHEN $6::boolean THEN COALESCE(failed_at, $5) ELSE failed_at END,
			next_attempt_at = $7::timestamptz
		WHERE id = $1 AND status = 'queued'
	`, f.MessageID, countAttempt, f.Code, f.Reason, f.At, f.Terminal, next)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.messageExists(ctx, f.MessageID, "record failure")
}

func (s *Store) messageExists(ctx context.Context, id, op string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrNotFound)
	}
	return nil
}

// ExpireQueued implements scheduler.Store.
func (s *Store) ExpireQueued(ctx context.Context, olderThan, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'failed', last_error_code = 'expired', last_error = 'queued message expired',
		    next_attempt_at = NULL, failed_at = COALESCE(failed_at, $2), updated_at = $2
		WHERE status = 'queued' AND queued_at < $1
	`, olderThan, at)
	if err != nil {
		return 0, fmt.Errorf("expire queued: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueuedDepth implements scheduler.Store.
func (s *Store) QueuedDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE status = 'queued'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queued depth: %w", err)
	}
	return n, nil
}

// GetMessageByProviderID implements reconciler.Store.
func (s *Store) GetMessageByProviderID(ctx context.Context, providerMessageID string) (*domain.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1`, providerMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reconciler.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message by provider id: %w", err)
	}
	return m, nil
}

// CompareAndSetStatus implements reconciler.Store.
func (s *Store) CompareAndSetStatus(ctx context.Context, msg *domain.Message, from domain.MessageStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			status = $3, sent_at = $4, delivered_at = $5, read_at = $6, failed_at = $7,
			next_attempt_at = $8, last_error_code = $9, last_error = $10, updated_at = $11
		WHERE id = $1 AND status = $2
	`, msg.ID, from, msg.Status, msg.SentAt, msg.DeliveredAt, msg.ReadAt, msg.FailedAt,
		msg.NextAttemptAt, msg.LastErrorCode, msg.LastError, msg.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("compare and set status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// =============================================================================
// EXCLUSIONS
// =============================================================================

// ListExclusions implements scheduler.Store.
func (s *Store) ListExclusions(ctx context.Context, campaignID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id FROM campaign_exclusions WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list exclusions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan exclusion: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// AddExclusion implements scheduler.Store.
func (s *Store) AddExclusion(ctx context.Context, campaignID, recipientID, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_exclusions (campaign_id, recipient_id, reason, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (campaign_id, recipient_id) DO NOTHING
	`, campaignID, recipientID, reason, at)
	if err != nil {
		return fmt.Errorf("add exclusion: %w", err)
	}
	return nil
}
