package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/service/campaign"
)

const campaignColumns = `id, name, segment, rule, template, schedule,
	cooldown_seconds, cooldown_epoch, cooldown_anchor, status, halt_reason,
	next_fire_at, last_fired_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	var (
		c                  domain.Campaign
		template, schedule []byte
	)
	if err := row.Scan(
		&c.ID, &c.Name, &c.Segment, &c.Rule, &template, &schedule,
		&c.CooldownSeconds, &c.CooldownEpoch, &c.CooldownAnchor, &c.Status, &c.HaltReason,
		&c.NextFireAt, &c.LastFiredAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(template, &c.Template); err != nil {
		return nil, fmt.Errorf("decode template of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(schedule, &c.Schedule); err != nil {
		return nil, fmt.Errorf("decode schedule of %s: %w", c.ID, err)
	}
	return &c, nil
}

func encodeCampaign(c *domain.Campaign) (template, schedule []byte, err error) {
	if template, err = json.Marshal(c.Template); err != nil {
		return nil, nil, fmt.Errorf("encode template: %w", err)
	}
	if schedule, err = json.Marshal(c.Schedule); err != nil {
		return nil, nil, fmt.Errorf("encode schedule: %w", err)
	}
	return template, schedule, nil
}

// GetCampaign implements campaign.Repository and scheduler.Store.
func (s *Store) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns implements campaign.Repository.
func (s *Store) ListCampaigns(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	w := &where{}
	if statuses := f.Statuses(); len(statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(statuses))
	}
	if f.Segment != "" {
		w.add("segment = $%d", f.Segment)
	}
	if f.Search != "" {
		w.add("name ILIKE '%%' || $%d || '%%'", f.Search)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns` + w.String()
	q += ` ORDER BY created_at DESC, id LIMIT ` + w.next(limit) + ` OFFSET ` + w.next(f.Offset)

	rows, err := s.db.QueryContext(ctx, q, w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

// CreateCampaign implements campaign.Repository.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	template, schedule, err := encodeCampaign(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, c.ID, c.Name, c.Segment, c.Rule, template, schedule,
		c.CooldownSeconds, c.CooldownEpoch, c.CooldownAnchor, c.Status, c.HaltReason,
		c.NextFireAt, c.LastFiredAt, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create campaign %s: %w", c.ID, campaign.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// UpdateCampaign implements campaign.Repository.
func (s *Store) UpdateCampaign(ctx context.Context, c *domain.Campaign, expect campaign.Expect) (bool, error) {
	template, schedule, err := encodeCampaign(c)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET
			name = $3, segment = $4, rule = $5, template = $6, schedule = $7,
			cooldown_seconds = $8, cooldown_epoch = $9, cooldown_anchor = $10,
			status = $11, halt_reason = $12, next_fire_at = $13, last_fired_at = $14,
			updated_at = $15
		WHERE id = $1 AND status = $2
			AND next_fire_at IS NOT DISTINCT FROM $16
			AND last_fired_at IS NOT DISTINCT FROM $17
	`, c.ID, expect.Status, c.Name, c.Segment, c.Rule, template, schedule,
		c.CooldownSeconds, c.CooldownEpoch, c.CooldownAnchor,
		c.Status, c.HaltReason, c.NextFireAt, c.LastFiredAt, c.UpdatedAt,
		expect.NextFireAt, expect.LastFiredAt)
	if err != nil {
		return false, fmt.Errorf("update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	return false, s.campaignExists(ctx, c.ID)
}

func (s *Store) campaignExists(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check campaign: %w", err)
	}
	if !exists {
		return campaign.ErrNotFound
	}
	return nil
}

// DueCampaigns implements scheduler.Store.
func (s *Store) DueCampaigns(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'active' AND next_fire_at <= $1
		ORDER BY next_fire_at, id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due campaigns: %w", err)
	}
	defer rows.Close()

	var out []*domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AdvanceSchedule implements scheduler.Store.
func (s *Store) AdvanceSchedule(ctx context.Context, id string, prev time.Time, next *time.Time, complete bool, firedAt time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if complete {
		res, err = s.db.ExecContext(ctx, `
			UPDATE campaigns
			SET status = 'completed', next_fire_at = NULL, last_fired_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'active' AND next_fire_at = $2
		`, id, prev, firedAt)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE campaigns
			SET next_fire_at = $3, last_fired_at = $4, updated_at = $4
			WHERE id = $1 AND status = 'active' AND next_fire_at = $2
		`, id, prev, next, firedAt)
	}
	if err != nil {
		return false, fmt.Errorf("advance schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HaltCampaign implements scheduler.Store.
func (s *Store) HaltCampaign(ctx context.Context, id, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'paused', halt_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'active'
	`, id, reason, at)
	if err != nil {
		return fmt.Errorf("halt campaign: %w", err)
	}
	return nil
}
