package store

import (
	"context"
	"time"

	"github.com/monstermq/core/internal/model"
)

// MetricsRange selects the time window for a metrics history query (spec
// §4.I): exactly one of LastMinutes or From must be set.
type MetricsRange struct {
	LastMinutes int
	From        *time.Time
	To          *time.Time
}

// MetricsStore upserts and queries time-series broker/session/client
// counters (spec §4.I).
type MetricsStore interface {
	// Upsert writes sample, overwriting any existing row with the same
	// (Timestamp, Kind, Identifier) primary key.
	Upsert(ctx context.Context, sample model.MetricsSample) error

	// Latest returns the most recent sample for (kind, identifier) within
	// the given window, or nil if none.
	Latest(ctx context.Context, kind model.MetricKind, identifier string, r MetricsRange) (*model.MetricsSample, error)

	// History returns samples for (kind, identifier) within the window,
	// newest first, capped at limit.
	History(ctx context.Context, kind model.MetricKind, identifier string, r MetricsRange, limit int) ([]model.MetricsSample, error)

	PurgeOlderThan(ctx context.Context, cutoff time.Time) (deleted int64, err error)
}
