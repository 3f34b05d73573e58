package docstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/pkg/er"
)

const archiveGroupKeyPrefix = "archivegroup/"

func archiveGroupKey(name string) []byte {
	return []byte(archiveGroupKeyPrefix + name)
}

// archiveGroupDoc mirrors model.ArchiveGroup field-for-field; durations
// are stored as milliseconds, nil meaning "not set" (spec §3 "ArchiveGroup").
type archiveGroupDoc struct {
	Name             string   `json:"name"`
	Enabled          bool     `json:"enabled"`
	TopicFilters     []string `json:"topic_filters"`
	RetainedOnly     bool     `json:"retained_only"`
	LastValType      int      `json:"last_val_type"`
	ArchiveType      int      `json:"archive_type"`
	PayloadFormat    int      `json:"payload_format"`
	LastValRetention *int64   `json:"last_val_retention,omitempty"`
	ArchiveRetention *int64   `json:"archive_retention,omitempty"`
	PurgeInterval    *int64   `json:"purge_interval,omitempty"`
	CreatedAtMillis  int64    `json:"created_at"`
	UpdatedAtMillis  int64    `json:"updated_at"`
}

// ArchiveGroupStore implements store.ArchiveGroupStore against badger,
// the document-backend alternative to sqlstore.ArchiveGroupStore (spec
// §4.H, §6.2). Mutations take the conn's single writer transaction per
// call; EnsureDefault seeds the mandatory "Default"/"#" row.
type ArchiveGroupStore struct {
	conn *Conn
}

func NewArchiveGroupStore(conn *Conn) *ArchiveGroupStore {
	return &ArchiveGroupStore{conn: conn}
}

func toDoc(g model.ArchiveGroup) archiveGroupDoc {
	d := archiveGroupDoc{
		Name:            g.Name,
		Enabled:         g.Enabled,
		TopicFilters:    g.TopicFilters,
		RetainedOnly:    g.RetainedOnly,
		LastValType:     int(g.LastValType),
		ArchiveType:     int(g.ArchiveType),
		PayloadFormat:   int(g.PayloadFormat),
		CreatedAtMillis: g.CreatedAt.UnixMilli(),
		UpdatedAtMillis: g.UpdatedAt.UnixMilli(),
	}
	if g.LastValRetention != nil {
		ms := g.LastValRetention.Milliseconds()
		d.LastValRetention = &ms
	}
	if g.ArchiveRetention != nil {
		ms := g.ArchiveRetention.Milliseconds()
		d.ArchiveRetention = &ms
	}
	if g.PurgeInterval != nil {
		ms := g.PurgeInterval.Milliseconds()
		d.PurgeInterval = &ms
	}
	return d
}

func fromDoc(d archiveGroupDoc) model.ArchiveGroup {
	g := model.ArchiveGroup{
		Name:          d.Name,
		Enabled:       d.Enabled,
		TopicFilters:  d.TopicFilters,
		RetainedOnly:  d.RetainedOnly,
		LastValType:   model.BackendType(d.LastValType),
		ArchiveType:   model.BackendType(d.ArchiveType),
		PayloadFormat: model.PayloadFormat(d.PayloadFormat),
		CreatedAt:     time.UnixMilli(d.CreatedAtMillis),
		UpdatedAt:     time.UnixMilli(d.UpdatedAtMillis),
	}
	if d.LastValRetention != nil {
		dur := time.Duration(*d.LastValRetention) * time.Millisecond
		g.LastValRetention = &dur
	}
	if d.ArchiveRetention != nil {
		dur := time.Duration(*d.ArchiveRetention) * time.Millisecond
		g.ArchiveRetention = &dur
	}
	if d.PurgeInterval != nil {
		dur := time.Duration(*d.PurgeInterval) * time.Millisecond
		g.PurgeInterval = &dur
	}
	return g
}

func (s *ArchiveGroupStore) Create(ctx context.Context, g model.ArchiveGroup) error {
	raw, err := json.Marshal(toDoc(g))
	if err != nil {
		return er.New("docstore.ArchiveGroupStore.Create", er.KindInvalidInput, err)
	}
	err = s.conn.DB().Update(func(txn *badger.Txn) error {
		if _, getErr := txn.Get(archiveGroupKey(g.Name)); getErr == nil {
			return er.ErrAlreadyExists
		}
		return txn.Set(archiveGroupKey(g.Name), raw)
	})
	if err != nil {
		return er.New("docstore.ArchiveGroupStore.Create", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *ArchiveGroupStore) Update(ctx context.Context, g model.ArchiveGroup) error {
	raw, err := json.Marshal(toDoc(g))
	if err != nil {
		return er.New("docstore.ArchiveGroupStore.Update", er.KindInvalidInput, err)
	}
	err = s.conn.DB().Update(func(txn *badger.Txn) error {
		return txn.Set(archiveGroupKey(g.Name), raw)
	})
	if err != nil {
		return er.New("docstore.ArchiveGroupStore.Update", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *ArchiveGroupStore) Delete(ctx context.Context, name string) error {
	err := s.conn.DB().Update(func(txn *badger.Txn) error {
		return txn.Delete(archiveGroupKey(name))
	})
	if err != nil {
		return er.New("docstore.ArchiveGroupStore.Delete", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *ArchiveGroupStore) Get(ctx context.Context, name string) (*model.ArchiveGroup, error) {
	var doc archiveGroupDoc
	found := false
	err := s.conn.DB().View(func(txn *badger.Txn) error {
		item, err := txn.Get(archiveGroupKey(name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &doc) })
	})
	if err != nil {
		return nil, er.New("docstore.ArchiveGroupStore.Get", er.KindStoragePermanent, err)
	}
	if !found {
		return nil, nil
	}
	g := fromDoc(doc)
	return &g, nil
}

func (s *ArchiveGroupStore) List(ctx context.Context) ([]model.ArchiveGroup, error) {
	var out []model.ArchiveGroup
	err := s.conn.DB().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(archiveGroupKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var doc archiveGroupDoc
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &doc) }); err != nil {
				continue // invariant violation: skip the offending row (spec §7)
			}
			out = append(out, fromDoc(doc))
		}
		return nil
	})
	if err != nil {
		return nil, er.New("docstore.ArchiveGroupStore.List", er.KindStoragePermanent, err)
	}
	return out, nil
}

func (s *ArchiveGroupStore) EnsureDefault(ctx context.Context) error {
	existing, err := s.Get(ctx, model.DefaultArchiveGroupName)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return s.Create(ctx, model.NewDefaultArchiveGroup())
}
