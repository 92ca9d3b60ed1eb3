package postgres

import (
	"context"
	"fmt"

	"github.com/ignite/campaign-notifier/internal/metrics"
)

// StatusBuckets implements metrics.Store with a single grouped scan.
func (s *Store) StatusBuckets(ctx context.Context, f metrics.Filter) ([]metrics.Bucket, error) {
	w := &where{}
	if f.CampaignID != "" {
		w.add("m.campaign_id = $%d", f.CampaignID)
	}
	if f.Segment != "" {
		w.add("c.segment = $%d", f.Segment)
	}
	if !f.From.IsZero() {
		w.add("m.queued_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		w.add("m.queued_at < $%d", f.To)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.campaign_id, m.status, COUNT(*),
		       COUNT(m.sent_at), COUNT(m.delivered_at), COUNT(m.read_at)
		FROM messages m
		LEFT JOIN campaigns c ON c.id = m.campaign_id`+w.String()+`
		GROUP BY m.campaign_id, m.status
		ORDER BY m.campaign_id, m.status
	`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("status buckets: %w", err)
	}
	defer rows.Close()

	var out []metrics.Bucket
	for rows.Next() {
		var b metrics.Bucket
		if err := rows.Scan(&b.CampaignID, &b.Status, &b.Count, &b.Sent, &b.Delivered, &b.Read); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
