package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/pkg/er"
)

var archiveGroupMigrations = []Migration{
	{Version: 1, SQL: `
		CREATE TABLE IF NOT EXISTS archive_groups (
			name               TEXT PRIMARY KEY,
			enabled            INTEGER NOT NULL,
			topic_filters      TEXT NOT NULL,
			retained_only      INTEGER NOT NULL,
			last_val_type      INTEGER NOT NULL,
			archive_type       INTEGER NOT NULL,
			payload_format     INTEGER NOT NULL,
			last_val_retention INTEGER,
			archive_retention  INTEGER,
			purge_interval     INTEGER,
			created_at         INTEGER NOT NULL,
			updated_at         INTEGER NOT NULL
		);
	`},
}

// ArchiveGroupStore implements store.ArchiveGroupStore against sqlite
// (spec §4.H). Mutations are serialized by Conn's single-writer design;
// EnsureDefault seeds the mandatory "Default"/"#" row.
type ArchiveGroupStore struct {
	conn *Conn
}

func NewArchiveGroupStore(ctx context.Context, conn *Conn) (*ArchiveGroupStore, error) {
	if err := conn.Migrate(ctx, "archive_groups", archiveGroupMigrations); err != nil {
		return nil, err
	}
	s := &ArchiveGroupStore{conn: conn}
	if err := s.EnsureDefault(ctx); err != nil {
		return nil, err
	}
	return s, nil
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

func (s *ArchiveGroupStore) Create(ctx context.Context, g model.ArchiveGroup) error {
	filtersJSON, err := json.Marshal(g.TopicFilters)
	if err != nil {
		return er.New("ArchiveGroupStore.Create", er.KindInvalidInput, err)
	}
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	_, err = s.conn.Exec(ctx, `
		INSERT INTO archive_groups
			(name, enabled, topic_filters, retained_only, last_val_type, archive_type, payload_format,
			 last_val_retention, archive_retention, purge_interval, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.Name, boolInt(g.Enabled), string(filtersJSON), boolInt(g.RetainedOnly),
		int(g.LastValType), int(g.ArchiveType), int(g.PayloadFormat),
		durationPtrMillis(g.LastValRetention), durationPtrMillis(g.ArchiveRetention), durationPtrMillis(g.PurgeInterval),
		g.CreatedAt.UnixMilli(), g.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return er.New("ArchiveGroupStore.Create", er.KindInvalidInput, er.ErrAlreadyExists)
		}
		return er.New("ArchiveGroupStore.Create", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *ArchiveGroupStore) Update(ctx context.Context, g model.ArchiveGroup) error {
	filtersJSON, err := json.Marshal(g.TopicFilters)
	if err != nil {
		return er.New("ArchiveGroupStore.Update", er.KindInvalidInput, err)
	}
	res, err := s.conn.Exec(ctx, `
		UPDATE archive_groups SET
			enabled = ?, topic_filters = ?, retained_only = ?, last_val_type = ?, archive_type = ?, payload_format = ?,
			last_val_retention = ?, archive_retention = ?, purge_interval = ?, updated_at = ?
		WHERE name = ?`,
		boolInt(g.Enabled), string(filtersJSON), boolInt(g.RetainedOnly), int(g.LastValType), int(g.ArchiveType), int(g.PayloadFormat),
		durationPtrMillis(g.LastValRetention), durationPtrMillis(g.ArchiveRetention), durationPtrMillis(g.PurgeInterval),
		time.Now().UnixMilli(), g.Name)
	if err != nil {
		return er.New("ArchiveGroupStore.Update", er.KindStoragePermanent, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return er.New("ArchiveGroupStore.Update", er.KindInvalidInput, er.ErrNotFound)
	}
	return nil
}

func (s *ArchiveGroupStore) Delete(ctx context.Context, name string) error {
	if name == model.DefaultArchiveGroupName {
		return er.New("ArchiveGroupStore.Delete", er.KindInvalidInput, er.ErrInvalidName)
	}
	_, err := s.conn.Exec(ctx, `DELETE FROM archive_groups WHERE name = ?`, name)
	if err != nil {
		return er.New("ArchiveGroupStore.Delete", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *ArchiveGroupStore) Get(ctx context.Context, name string) (*model.ArchiveGroup, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT name, enabled, topic_filters, retained_only, last_val_type, archive_type, payload_format,
		       last_val_retention, archive_retention, purge_interval, created_at, updated_at
		FROM archive_groups WHERE name = ?`, name)
	g, err := scanArchiveGroup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, er.New("ArchiveGroupStore.Get", er.KindStoragePermanent, err)
	}
	return g, nil
}

func (s *ArchiveGroupStore) List(ctx context.Context) ([]model.ArchiveGroup, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT name, enabled, topic_filters, retained_only, last_val_type, archive_type, payload_format,
		       last_val_retention, archive_retention, purge_interval, created_at, updated_at
		FROM archive_groups`)
	if err != nil {
		return nil, er.New("ArchiveGroupStore.List", er.KindStoragePermanent, err)
	}
	defer rows.Close()

	var out []model.ArchiveGroup
	for rows.Next() {
		g, err := scanArchiveGroup(rows)
		if err != nil {
			continue
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanArchiveGroup(row scanner) (*model.ArchiveGroup, error) {
	var g model.ArchiveGroup
	var enabled, retainedOnly, lastValType, archiveType, payloadFormat int
	var filtersJSON string
	var lastValRet, archiveRet, purgeInt sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(&g.Name, &enabled, &filtersJSON, &retainedOnly, &lastValType, &archiveType, &payloadFormat,
		&lastValRet, &archiveRet, &purgeInt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	g.Enabled = enabled != 0
	g.RetainedOnly = retainedOnly != 0
	g.LastValType = model.BackendType(lastValType)
	g.ArchiveType = model.BackendType(archiveType)
	g.PayloadFormat = model.PayloadFormat(payloadFormat)
	_ = json.Unmarshal([]byte(filtersJSON), &g.TopicFilters)
	g.LastValRetention = millisPtrDuration(lastValRet)
	g.ArchiveRetention = millisPtrDuration(archiveRet)
	g.PurgeInterval = millisPtrDuration(purgeInt)
	g.CreatedAt = time.UnixMilli(createdAt)
	g.UpdatedAt = time.UnixMilli(updatedAt)
	return &g, nil
}

func durationPtrMillis(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
}

func millisPtrDuration(n sql.NullInt64) *time.Duration {
	if !n.Valid {
		return nil
	}
	d := time.Duration(n.Int64) * time.Millisecond
	return &d
}
