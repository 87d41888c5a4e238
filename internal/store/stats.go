package store

import (
	"context"
	"fmt"
)

// Stats summarizes persisted call activity for the operator dashboard.
type Stats struct {
	TotalCalls       int            `json:"total_calls"`
	TotalChunks      int            `json:"total_chunks"`
	ByState          map[string]int `json:"by_state"`
	ByReason         map[string]int `json:"by_reason"`
	ByChunkStatus    map[string]int `json:"by_chunk_status"`
	RiskDistribution map[string]int `json:"risk_distribution"`
}

// QueryStats aggregates call and chunk counts.
func (s *Store) QueryStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByState:          make(map[string]int),
		ByReason:         make(map[string]int),
		ByChunkStatus:    make(map[string]int),
		RiskDistribution: make(map[string]int),
	}

	if err := s.countBy(ctx, `SELECT state, COUNT(*) FROM calls GROUP BY state`, stats.ByState, &stats.TotalCalls); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, `SELECT reason, COUNT(*) FROM calls WHERE reason <> '' GROUP BY reason`, stats.ByReason, nil); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM recording_chunks GROUP BY status`, stats.ByChunkStatus, &stats.TotalChunks); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, `
		SELECT CASE
			WHEN last_risk >= 0.8 THEN 'critical'
			WHEN last_risk >= 0.5 THEN 'high'
			WHEN last_risk >= 0.25 THEN 'moderate'
			ELSE 'low'
		END, COUNT(*) FROM calls GROUP BY 1`, stats.RiskDistribution, nil); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) countBy(ctx context.Context, query string, dest map[string]int, total *int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("stats scan: %w", err)
		}
		dest[key] = n
		if total != nil {
			*total += n
		}
	}
	return rows.Err()
}
