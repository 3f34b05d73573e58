package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/internal/store"
	"github.com/monstermq/core/pkg/er"
)

var metricsMigrations = []Migration{
	{Version: 1, SQL: `
		CREATE TABLE IF NOT EXISTS metrics (
			timestamp   INTEGER NOT NULL,
			metric_type INTEGER NOT NULL,
			identifier  TEXT NOT NULL,
			metrics     TEXT NOT NULL,
			PRIMARY KEY (timestamp, metric_type, identifier)
		);
		CREATE INDEX IF NOT EXISTS idx_metrics_lookup ON metrics (metric_type, identifier, timestamp);
	`},
}

// MetricsStore implements store.MetricsStore against sqlite (spec §4.I):
// one logical table with the composite index the spec calls for.
type MetricsStore struct {
	conn *Conn
}

func NewMetricsStore(ctx context.Context, conn *Conn) (*MetricsStore, error) {
	if err := conn.Migrate(ctx, "metrics", metricsMigrations); err != nil {
		return nil, err
	}
	return &MetricsStore{conn: conn}, nil
}

func (s *MetricsStore) Upsert(ctx context.Context, sample model.MetricsSample) error {
	payload, err := json.Marshal(sample.Payload)
	if err != nil {
		return er.New("MetricsStore.Upsert", er.KindInvalidInput, err)
	}
	_, err = s.conn.Exec(ctx, `
		INSERT INTO metrics (timestamp, metric_type, identifier, metrics) VALUES (?, ?, ?, ?)
		ON CONFLICT(timestamp, metric_type, identifier) DO UPDATE SET metrics = excluded.metrics`,
		sample.Timestamp.UnixMilli(), int(sample.Kind), sample.Identifier, string(payload))
	if err != nil {
		return er.New("MetricsStore.Upsert", er.KindStoragePermanent, err)
	}
	return nil
}

// window resolves a MetricsRange into [from, to] millis per spec §4.I:
// last_minutes takes precedence; otherwise from is required.
func window(r store.MetricsRange) (from, to int64, err error) {
	now := time.Now()
	if r.LastMinutes > 0 {
		return now.Add(-time.Duration(r.LastMinutes) * time.Minute).UnixMilli(), now.UnixMilli(), nil
	}
	if r.From != nil {
		to := now
		if r.To != nil {
			to = *r.To
		}
		return r.From.UnixMilli(), to.UnixMilli(), nil
	}
	return 0, 0, er.New("MetricsStore.window", er.KindInvalidInput, er.ErrAmbiguousTimeRange)
}

func (s *MetricsStore) Latest(ctx context.Context, kind model.MetricKind, identifier string, r store.MetricsRange) (*model.MetricsSample, error) {
	from, to, err := window(r)
	if err != nil {
		return nil, err
	}
	row := s.conn.QueryRow(ctx, `
		SELECT timestamp, metrics FROM metrics
		WHERE metric_type = ? AND identifier = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp DESC LIMIT 1`, int(kind), identifier, from, to)

	var ts int64
	var payloadJSON string
	if err := row.Scan(&ts, &payloadJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, er.New("MetricsStore.Latest", er.KindStoragePermanent, err)
	}
	var payload map[string]any
	_ = json.Unmarshal([]byte(payloadJSON), &payload)
	return &model.MetricsSample{Timestamp: time.UnixMilli(ts), Kind: kind, Identifier: identifier, Payload: payload}, nil
}

func (s *MetricsStore) History(ctx context.Context, kind model.MetricKind, identifier string, r store.MetricsRange, limit int) ([]model.MetricsSample, error) {
	from, to, err := window(r)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.Query(ctx, `
		SELECT timestamp, metrics FROM metrics
		WHERE metric_type = ? AND identifier = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp DESC LIMIT ?`, int(kind), identifier, from, to, limit)
	if err != nil {
		return nil, er.New("MetricsStore.History", er.KindStoragePermanent, err)
	}
	defer rows.Close()

	var out []model.MetricsSample
	for rows.Next() {
		var ts int64
		var payloadJSON string
		if err := rows.Scan(&ts, &payloadJSON); err != nil {
			continue
		}
		var payload map[string]any
		_ = json.Unmarshal([]byte(payloadJSON), &payload)
		out = append(out, model.MetricsSample{Timestamp: time.UnixMilli(ts), Kind: kind, Identifier: identifier, Payload: payload})
	}
	return out, rows.Err()
}

func (s *MetricsStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.Exec(ctx, `DELETE FROM metrics WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, er.New("MetricsStore.PurgeOlderThan", er.KindStoragePermanent, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
