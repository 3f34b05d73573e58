package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/pkg/er"
	"github.com/monstermq/core/pkg/hash"
)

var userACLMigrations = []Migration{
	{Version: 1, SQL: `
		CREATE TABLE IF NOT EXISTS users (
			username      TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			enabled       INTEGER NOT NULL,
			can_subscribe INTEGER NOT NULL,
			can_publish   INTEGER NOT NULL,
			is_admin      INTEGER NOT NULL,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS acl_rules (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			username      TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
			topic_pattern TEXT NOT NULL,
			can_subscribe INTEGER NOT NULL,
			can_publish   INTEGER NOT NULL,
			priority      INTEGER NOT NULL,
			created_at    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_acl_rules_user ON acl_rules (username, priority DESC);
	`},
}

// UserACLStore implements store.UserACLStore against sqlite (spec §4.F).
// Deleting a user transitively deletes its rules via ON DELETE CASCADE
// (sqlite requires the foreign_keys pragma, which NewUserACLStore sets).
type UserACLStore struct {
	conn *Conn
}

func NewUserACLStore(ctx context.Context, conn *Conn) (*UserACLStore, error) {
	if _, err := conn.Exec(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return nil, er.New("UserACLStore.New", er.KindStorageTransient, err)
	}
	if err := conn.Migrate(ctx, "users_acl", userACLMigrations); err != nil {
		return nil, err
	}
	s := &UserACLStore{conn: conn}
	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// bootstrap seeds the reserved Anonymous and Admin accounts if absent
// (spec §4.K "anonymous/admin bootstrap on ACL store first-use").
func (s *UserACLStore) bootstrap(ctx context.Context) error {
	anon, err := s.GetUser(ctx, model.AnonymousUser)
	if err != nil {
		return err
	}
	if anon == nil {
		now := time.Now()
		if err := s.CreateUser(ctx, model.User{
			Username: model.AnonymousUser, Enabled: true,
			CanSubscribe: true, CanPublish: true,
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
	}
	admin, err := s.GetUser(ctx, model.AdminUser)
	if err != nil {
		return err
	}
	if admin == nil {
		now := time.Now()
		h, herr := hash.HashPasswd(model.AdminUser, hash.DefaultCost)
		if herr != nil {
			return herr
		}
		if err := s.CreateUser(ctx, model.User{
			Username: model.AdminUser, PasswordHash: h, Enabled: true,
			CanSubscribe: true, CanPublish: true, IsAdmin: true,
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *UserACLStore) CreateUser(ctx context.Context, u model.User) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO users (username, password_hash, enabled, can_subscribe, can_publish, is_admin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Username, u.PasswordHash, boolInt(u.Enabled), boolInt(u.CanSubscribe), boolInt(u.CanPublish), boolInt(u.IsAdmin),
		u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return er.New("UserACLStore.CreateUser", er.KindInvalidInput, er.ErrAlreadyExists)
		}
		return er.New("UserACLStore.CreateUser", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *UserACLStore) UpdateUser(ctx context.Context, u model.User) error {
	res, err := s.conn.Exec(ctx, `
		UPDATE users SET password_hash = ?, enabled = ?, can_subscribe = ?, can_publish = ?, is_admin = ?, updated_at = ?
		WHERE username = ?`,
		u.PasswordHash, boolInt(u.Enabled), boolInt(u.CanSubscribe), boolInt(u.CanPublish), boolInt(u.IsAdmin),
		time.Now().UnixMilli(), u.Username)
	if err != nil {
		return er.New("UserACLStore.UpdateUser", er.KindStoragePermanent, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return er.New("UserACLStore.UpdateUser", er.KindInvalidInput, er.ErrUserNotFound)
	}
	return nil
}

func (s *UserACLStore) DeleteUser(ctx context.Context, username string) error {
	_, err := s.conn.Exec(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return er.New("UserACLStore.DeleteUser", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *UserACLStore) GetUser(ctx context.Context, username string) (*model.User, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT username, password_hash, enabled, can_subscribe, can_publish, is_admin, created_at, updated_at
		FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, er.New("UserACLStore.GetUser", er.KindStoragePermanent, err)
	}
	return u, nil
}

func (s *UserACLStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT username, password_hash, enabled, can_subscribe, can_publish, is_admin, created_at, updated_at FROM users`)
	if err != nil {
		return nil, er.New("UserACLStore.ListUsers", er.KindStoragePermanent, err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		u, err := scanUserRows(rows)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ValidateCredentials checks the enabled flag AND the bcrypt hash (spec §4.F).
func (s *UserACLStore) ValidateCredentials(ctx context.Context, username, password string) (*model.User, error) {
	u, err := s.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, er.New("UserACLStore.ValidateCredentials", er.KindAuthFailed, er.ErrUserNotFound)
	}
	if !u.Enabled {
		return nil, er.New("UserACLStore.ValidateCredentials", er.KindAuthFailed, er.ErrUserDisabled)
	}
	if !hash.VerifyPasswd(u.PasswordHash, password) {
		return nil, er.New("UserACLStore.ValidateCredentials", er.KindAuthFailed, er.ErrInvalidPassword)
	}
	return u, nil
}

func (s *UserACLStore) CreateRule(ctx context.Context, r model.AclRule) (model.AclRule, error) {
	res, err := s.conn.Exec(ctx, `
		INSERT INTO acl_rules (username, topic_pattern, can_subscribe, can_publish, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Username, r.TopicPattern, boolInt(r.CanSubscribe), boolInt(r.CanPublish), r.Priority, time.Now().UnixMilli())
	if err != nil {
		return model.AclRule{}, er.New("UserACLStore.CreateRule", er.KindStoragePermanent, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.AclRule{}, er.New("UserACLStore.CreateRule", er.KindStoragePermanent, err)
	}
	r.ID = id
	return r, nil
}

func (s *UserACLStore) UpdateRule(ctx context.Context, r model.AclRule) error {
	res, err := s.conn.Exec(ctx, `
		UPDATE acl_rules SET topic_pattern = ?, can_subscribe = ?, can_publish = ?, priority = ? WHERE id = ?`,
		r.TopicPattern, boolInt(r.CanSubscribe), boolInt(r.CanPublish), r.Priority, r.ID)
	if err != nil {
		return er.New("UserACLStore.UpdateRule", er.KindStoragePermanent, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return er.New("UserACLStore.UpdateRule", er.KindInvalidInput, er.ErrNotFound)
	}
	return nil
}

func (s *UserACLStore) DeleteRule(ctx context.Context, id int64) error {
	_, err := s.conn.Exec(ctx, `DELETE FROM acl_rules WHERE id = ?`, id)
	if err != nil {
		return er.New("UserACLStore.DeleteRule", er.KindStoragePermanent, err)
	}
	return nil
}

func (s *UserACLStore) ListRulesForUser(ctx context.Context, username string) ([]model.AclRule, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, username, topic_pattern, can_subscribe, can_publish, priority, created_at
		FROM acl_rules WHERE username = ? ORDER BY priority DESC`, username)
	if err != nil {
		return nil, er.New("UserACLStore.ListRulesForUser", er.KindStoragePermanent, err)
	}
	defer rows.Close()

	var out []model.AclRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadAllUsersAndAcls backs the ACL cache warm-up (spec §4.F / §4.G).
func (s *UserACLStore) LoadAllUsersAndAcls(ctx context.Context) ([]model.User, []model.AclRule, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, username, topic_pattern, can_subscribe, can_publish, priority, created_at
		FROM acl_rules ORDER BY username, priority DESC`)
	if err != nil {
		return nil, nil, er.New("UserACLStore.LoadAllUsersAndAcls", er.KindStoragePermanent, err)
	}
	defer rows.Close()

	var rules []model.AclRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			continue
		}
		rules = append(rules, r)
	}
	return users, rules, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*model.User, error) {
	var u model.User
	var enabled, canSub, canPub, isAdmin int
	var createdAt, updatedAt int64
	if err := row.Scan(&u.Username, &u.PasswordHash, &enabled, &canSub, &canPub, &isAdmin, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.Enabled = enabled != 0
	u.CanSubscribe = canSub != 0
	u.CanPublish = canPub != 0
	u.IsAdmin = isAdmin != 0
	u.CreatedAt = time.UnixMilli(createdAt)
	u.UpdatedAt = time.UnixMilli(updatedAt)
	return &u, nil
}

func scanUserRows(rows *sql.Rows) (model.User, error) {
	u, err := scanUser(rows)
	if err != nil {
		return model.User{}, err
	}
	return *u, nil
}

func scanRule(rows *sql.Rows) (model.AclRule, error) {
	var r model.AclRule
	var canSub, canPub int
	var createdAt int64
	if err := rows.Scan(&r.ID, &r.Username, &r.TopicPattern, &canSub, &canPub, &r.Priority, &createdAt); err != nil {
		return model.AclRule{}, err
	}
	r.CanSubscribe = canSub != 0
	r.CanPublish = canPub != 0
	r.CreatedAt = time.UnixMilli(createdAt)
	return r, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint", "PRIMARY KEY"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
