package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/internal/store"
	"github.com/monstermq/core/pkg/er"
)

const metricsKeyPrefix = "metrics/"

// metricsKey orders lexicographically by (kind, identifier, timestamp) so a
// prefix scan over "metrics/<kind>/<identifier>/" already yields one
// series in time order, the badger analogue of sqlstore's composite index.
func metricsKey(kind model.MetricKind, identifier string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%d/%s/%020d", metricsKeyPrefix, int(kind), identifier, ts.UnixMilli()))
}

func metricsSeriesPrefix(kind model.MetricKind, identifier string) []byte {
	return []byte(fmt.Sprintf("%s%d/%s/", metricsKeyPrefix, int(kind), identifier))
}

type metricsDoc struct {
	TimeMillis int64          `json:"time"`
	Payload    map[string]any `json:"payload"`
}

// MetricsStore implements store.MetricsStore against badger (spec §4.I).
type MetricsStore struct {
	conn *Conn
}

func NewMetricsStore(conn *Conn) *MetricsStore {
	return &MetricsStore{conn: conn}
}

func (s *MetricsStore) Upsert(ctx context.Context, sample model.MetricsSample) error {
	doc := metricsDoc{TimeMillis: sample.Timestamp.UnixMilli(), Payload: sample.Payload}
	raw, err := json.Marshal(doc)
	if err != nil {
		return er.New("docstore.MetricsStore.Upsert", er.KindInvalidInput, err)
	}
	key := metricsKey(sample.Kind, sample.Identifier, sample.Timestamp)
	err = s.conn.DB().Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	})
	if err != nil {
		return er.New("docstore.MetricsStore.Upsert", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *MetricsStore) Latest(ctx context.Context, kind model.MetricKind, identifier string, r store.MetricsRange) (*model.MetricsSample, error) {
	from, to, err := windowMillis(r)
	if err != nil {
		return nil, err
	}
	var latest *metricsDoc
	err = s.conn.DB().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = metricsSeriesPrefix(kind, identifier)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration over a Prefix requires seeking to the
		// prefix's upper bound; badger handles this when Seek is given
		// the prefix with 0xff appended.
		seekKey := append(append([]byte{}, opts.Prefix...), 0xff)
		for it.Seek(seekKey); it.ValidForPrefix(opts.Prefix); it.Next() {
			var doc metricsDoc
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &doc) }); err != nil {
				continue
			}
			if doc.TimeMillis < from || doc.TimeMillis > to {
				continue
			}
			latest = &doc
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, er.New("docstore.MetricsStore.Latest", er.KindStoragePermanent, err)
	}
	if latest == nil {
		return nil, nil
	}
	return &model.MetricsSample{Timestamp: time.UnixMilli(latest.TimeMillis), Kind: kind, Identifier: identifier, Payload: latest.Payload}, nil
}

func (s *MetricsStore) History(ctx context.Context, kind model.MetricKind, identifier string, r store.MetricsRange, limit int) ([]model.MetricsSample, error) {
	from, to, err := windowMillis(r)
	if err != nil {
		return nil, err
	}
	var out []model.MetricsSample
	err = s.conn.DB().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = metricsSeriesPrefix(kind, identifier)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		seekKey := append(append([]byte{}, opts.Prefix...), 0xff)
		for it.Seek(seekKey); it.ValidForPrefix(opts.Prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var doc metricsDoc
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &doc) }); err != nil {
				continue
			}
			if doc.TimeMillis < from || doc.TimeMillis > to {
				continue
			}
			out = append(out, model.MetricsSample{Timestamp: time.UnixMilli(doc.TimeMillis), Kind: kind, Identifier: identifier, Payload: doc.Payload})
		}
		return nil
	})
	if err != nil {
		return nil, er.New("docstore.MetricsStore.History", er.KindStoragePermanent, err)
	}
	return out, nil
}

func (s *MetricsStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.conn.DB().Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metricsKeyPrefix)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var doc metricsDoc
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &doc) }); err != nil {
				continue
			}
			if doc.TimeMillis < cutoff.UnixMilli() {
				keys = append(keys, append([]byte(nil), it.Item().Key()...))
			}
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, er.New("docstore.MetricsStore.PurgeOlderThan", er.KindStoragePermanent, err)
	}
	return deleted, nil
}

// windowMillis mirrors sqlstore's window() resolution rule (spec §4.I):
// LastMinutes takes precedence, otherwise From is required.
func windowMillis(r store.MetricsRange) (from, to int64, err error) {
	now := time.Now()
	if r.LastMinutes > 0 {
		return now.Add(-time.Duration(r.LastMinutes) * time.Minute).UnixMilli(), now.UnixMilli(), nil
	}
	if r.From != nil {
		toT := now
		if r.To != nil {
			toT = *r.To
		}
		return r.From.UnixMilli(), toT.UnixMilli(), nil
	}
	return 0, 0, er.New("docstore.MetricsStore.window", er.KindInvalidInput, er.ErrAmbiguousTimeRange)
}
