package store

import (
	"context"
	"time"

	"github.com/monstermq/core/internal/model"
)

// AggFunc is one of the supported aggregation functions for
// GetAggregatedHistory (spec §4.D).
type AggFunc string

const (
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggAvg   AggFunc = "avg"
	AggSum   AggFunc = "sum"
	AggCount AggFunc = "count"
	AggFirst AggFunc = "first"
	AggLast  AggFunc = "last"
)

// HistoryQuery bounds a get_history call.
type HistoryQuery struct {
	TopicOrFilter string
	Start         *time.Time
	End           *time.Time
	Limit         int
}

// AggregatedQuery bounds a get_aggregated_history call.
type AggregatedQuery struct {
	Topics          []string
	Start           time.Time
	End             time.Time
	IntervalMinutes int
	Funcs           []AggFunc
	JSONFields      []string
}

// AggregatedResult is the bucketed response: one column per
// (topic, field, func) combination, rows ascending by bucket start.
type AggregatedResult struct {
	Columns []string
	Rows    [][]any
}

// MessageArchive is the append-only, time-indexed log of published
// messages for one archive group (spec §4.D).
type MessageArchive interface {
	// AddHistory appends messages; idempotent on (topic, time).
	AddHistory(ctx context.Context, messages []model.BrokerMessage) error

	// GetHistory returns messages time-descending. A '#' suffix on
	// TopicOrFilter is translated to a textual prefix match when
	// possible and falls back to an exact filter check otherwise.
	GetHistory(ctx context.Context, q HistoryQuery) ([]model.BrokerMessage, error)

	// GetAggregatedHistory buckets samples by time and aggregates per
	// (topic, field, func). Numeric coercion tries payload_json[field]
	// first, then the payload bytes parsed as a UTF-8 number.
	GetAggregatedHistory(ctx context.Context, q AggregatedQuery) (AggregatedResult, error)

	// PurgeOldMessages deletes rows with time < cutoff.
	PurgeOldMessages(ctx context.Context, cutoff time.Time) (deleted int64, elapsed time.Duration, err error)

	// DropStorage removes the archive's backing table/namespace entirely.
	DropStorage(ctx context.Context) error

	// TableExists reports whether the backing table has been created.
	TableExists(ctx context.Context) (bool, error)

	// CreateTable idempotently creates the backing table/index.
	CreateTable(ctx context.Context) error
}
