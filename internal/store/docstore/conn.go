// Package docstore is the document-backend counterpart to sqlstore: the
// same §4 store contracts implemented against github.com/dgraph-io/badger/v4,
// an embedded key-value store, for archive groups configured with
// BackendDocument (spec §3 "ArchiveGroup", §6.2 "relational or document
// backends"). Each concern has its own key prefix ("retained/",
// "metrics/", "archivegroup/"); wildcard retained lookups scan the whole
// retained prefix rather than using an index as sqlstore does.
package docstore

import (
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/monstermq/core/internal/logger"
	"github.com/monstermq/core/pkg/er"
)

// DefaultReconnectBackoff matches spec §5's "fixed retry backoff (default
// 3 s)" for a failed store handle, mirroring sqlstore.Conn.
const DefaultReconnectBackoff = 3 * time.Second

// Conn owns one badger.DB, acquired at startup and released at Close
// (spec §9 "Global connection handles ... re-model as an owned resource").
type Conn struct {
	dir string
	log *logger.Logger
	db  *badger.DB
}

// Open acquires a badger database rooted at dir (e.g. "./store/docstore").
func Open(dir string) (*Conn, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, er.New("docstore.Open", er.KindStorageTransient, err)
	}
	return &Conn{dir: dir, db: db, log: logger.NewComponentLogger("docstore")}, nil
}

func (c *Conn) Close() error {
	return c.db.Close()
}

// DB exposes the underlying handle to this package's store files. Badger
// transactions are safe for concurrent use directly (no external mutex
// needed, unlike the sqlite3 cgo driver sqlstore.Conn serializes).
func (c *Conn) DB() *badger.DB {
	return c.db
}

// reconnect rebuilds the handle after a detected failure; Healthy calls
// it when its check transaction fails.
func (c *Conn) reconnect() error {
	c.db.Close()
	time.Sleep(DefaultReconnectBackoff)
	opts := badger.DefaultOptions(c.dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return err
	}
	c.db = db
	return nil
}

// Healthy runs a trivial read-only transaction to confirm the handle is
// alive, reconnecting once on failure.
func (c *Conn) Healthy() error {
	err := c.db.View(func(txn *badger.Txn) error { return nil })
	if err != nil {
		if rerr := c.reconnect(); rerr != nil {
			return rerr
		}
	}
	return nil
}
