// Package attributes provides recipient attribute snapshots from the
// subscription and usage collaborators.
package attributes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/campaign-notifier/internal/domain"
)

// PostgresSource reads the recipients table that the subscription service
// keeps in sync. Attributes are stored as jsonb.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a source over db.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Snapshot implements segmentation.AttributeSource.
func (s *PostgresSource) Snapshot(ctx context.Context) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(phone, ''), COALESCE(attributes, '{}'::jsonb)
		FROM recipients
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var (
			r   domain.Recipient
			raw []byte
		)
		if err := rows.Scan(&r.ID, &r.Phone, &raw); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if err := json.Unmarshal(raw, &r.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes for %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
