package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/internal/store"
	"github.com/monstermq/core/internal/topic"
	"github.com/monstermq/core/pkg/er"
)

const retainedKeyPrefix = "retained/"

func retainedKey(t string) []byte {
	return []byte(retainedKeyPrefix + t)
}

// retainedDoc is the document persisted per retained entry, the badger
// analogue of sqlstore's decomposed-level-column row (spec §4.C). Keys
// are "retained/<topic>"; a wildcard lookup scans every key under
// retainedKeyPrefix and applies topic.Matches to each, with no narrowing
// comparable to sqlstore's level columns.
type retainedDoc struct {
	Topic       string `json:"topic"`
	Payload     []byte `json:"payload"`
	QoS         int    `json:"qos"`
	ClientID    string `json:"client_id"`
	MessageUUID string `json:"message_uuid"`
	TimeMillis  int64  `json:"time"`
}

// RetainedStore implements store.RetainedStore against badger, the
// document-backend alternative ArchiveGroup.LastValType == BackendDocument
// selects (spec §4.C, §6.2).
type RetainedStore struct {
	conn *Conn
}

func NewRetainedStore(conn *Conn) *RetainedStore {
	return &RetainedStore{conn: conn}
}

func (s *RetainedStore) Get(ctx context.Context, t string) (*model.BrokerMessage, error) {
	var doc retainedDoc
	found := false
	err := s.conn.DB().View(func(txn *badger.Txn) error {
		item, err := txn.Get(retainedKey(t))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if err != nil {
		return nil, er.New("docstore.RetainedStore.Get", er.KindStoragePermanent, err)
	}
	if !found {
		return nil, nil
	}
	return docToMessage(doc), nil
}

func (s *RetainedStore) PutAll(ctx context.Context, messages []model.BrokerMessage) error {
	return s.conn.DB().Update(func(txn *badger.Txn) error {
		for _, m := range messages {
			if m.Empty() {
				if err := txn.Delete(retainedKey(m.Topic)); err != nil && err != badger.ErrKeyNotFound {
					return err
				}
				continue
			}
			doc := retainedDoc{
				Topic: m.Topic, Payload: m.Payload, QoS: int(m.QoS),
				ClientID: m.ClientID, MessageUUID: m.MessageUUID, TimeMillis: m.Time.UnixMilli(),
			}
			raw, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			if err := txn.Set(retainedKey(m.Topic), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *RetainedStore) DelAll(ctx context.Context, topics []string) error {
	return s.conn.DB().Update(func(txn *badger.Txn) error {
		for _, t := range topics {
			if err := txn.Delete(retainedKey(t)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

func (s *RetainedStore) FindMatchingMessages(ctx context.Context, filter string, visitor store.MessageVisitor) error {
	return s.conn.DB().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainedKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var doc retainedDoc
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &doc) }); err != nil {
				continue // invariant violation: skip the offending row (spec §7)
			}
			if !topic.Matches(filter, doc.Topic) {
				continue
			}
			if !visitor(*docToMessage(doc)) {
				return nil
			}
		}
		return nil
	})
}

func (s *RetainedStore) FindMatchingTopics(ctx context.Context, pattern string, visitor store.TopicVisitor) error {
	return s.FindMatchingMessages(ctx, pattern, func(m model.BrokerMessage) bool {
		return visitor(m.Topic)
	})
}

func (s *RetainedStore) FindTopicsByName(ctx context.Context, glob string, ignoreCase bool, namespace string) ([]string, error) {
	var out []string
	err := s.conn.DB().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainedKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			t := strings.TrimPrefix(string(it.Item().Key()), retainedKeyPrefix)
			if namespace != "" && !strings.HasPrefix(t, namespace) {
				continue
			}
			if globMatch(glob, t, ignoreCase) {
				out = append(out, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, er.New("docstore.RetainedStore.FindTopicsByName", er.KindStoragePermanent, err)
	}
	return out, nil
}

// FindTopicsByConfig is FindTopicsByName's sibling of the admin search
// pair (spec §4.C). Badger's document IS the retained row, so the
// "optional payload as document" view sqlstore provisions through a
// payload_json column is instead read by decoding doc.Payload straight
// off the row; a payload that doesn't parse as a JSON object never
// matches.
func (s *RetainedStore) FindTopicsByConfig(ctx context.Context, field, value, namespace string) ([]string, error) {
	var out []string
	err := s.conn.DB().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainedKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var doc retainedDoc
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &doc) }); err != nil {
				continue
			}
			if namespace != "" && !strings.HasPrefix(doc.Topic, namespace) {
				continue
			}
			var fields map[string]any
			if err := json.Unmarshal(doc.Payload, &fields); err != nil {
				continue
			}
			v, ok := fields[field]
			if !ok || fmt.Sprint(v) != value {
				continue
			}
			out = append(out, doc.Topic)
		}
		return nil
	})
	if err != nil {
		return nil, er.New("docstore.RetainedStore.FindTopicsByConfig", er.KindStoragePermanent, err)
	}
	return out, nil
}

func (s *RetainedStore) PurgeOldMessages(ctx context.Context, cutoff time.Time) (int64, time.Duration, error) {
	start := time.Now()
	var deleted int64
	err := s.conn.DB().Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(retainedKeyPrefix)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var doc retainedDoc
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
		return 0, 0, er.New("docstore.RetainedStore.PurgeOldMessages", er.KindStoragePermanent, err)
	}
	return deleted, time.Since(start), nil
}

func docToMessage(doc retainedDoc) *model.BrokerMessage {
	return &model.BrokerMessage{
		MessageUUID: doc.MessageUUID,
		Topic:       doc.Topic,
		Payload:     doc.Payload,
		QoS:         model.QoS(doc.QoS),
		Retain:      true,
		ClientID:    doc.ClientID,
		Time:        time.UnixMilli(doc.TimeMillis),
	}
}

// globMatch implements the simple '*'/'?' admin glob used for topic-name
// search, case-insensitively when requested.
func globMatch(pattern, s string, ignoreCase bool) bool {
	if ignoreCase {
		pattern = strings.ToLower(pattern)
		s = strings.ToLower(s)
	}
	return matchGlob(pattern, s)
}

func matchGlob(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if matchGlob(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return matchGlob(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return matchGlob(pattern[1:], s[1:])
	}
}
