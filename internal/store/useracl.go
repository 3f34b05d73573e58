package store

import (
	"context"

	"github.com/monstermq/core/internal/model"
)

// UserACLStore persists Users and AclRules and backs the ACL cache's
// warm-up (spec §4.F).
type UserACLStore interface {
	CreateUser(ctx context.Context, u model.User) error
	UpdateUser(ctx context.Context, u model.User) error
	DeleteUser(ctx context.Context, username string) error
	GetUser(ctx context.Context, username string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	// ValidateCredentials checks the enabled flag AND the bcrypt-compatible
	// password hash, returning the user on success.
	ValidateCredentials(ctx context.Context, username, password string) (*model.User, error)

	CreateRule(ctx context.Context, r model.AclRule) (model.AclRule, error)
	UpdateRule(ctx context.Context, r model.AclRule) error
	DeleteRule(ctx context.Context, id int64) error
	ListRulesForUser(ctx context.Context, username string) ([]model.AclRule, error)

	// LoadAllUsersAndAcls is used by the ACL cache warm-up.
	LoadAllUsersAndAcls(ctx context.Context) ([]model.User, []model.AclRule, error)
}
