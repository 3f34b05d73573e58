package model

import "time"

// Reserved user names (spec §3).
const (
	AnonymousUser = "Anonymous"
	AdminUser     = "Admin"
)

// User is a broker account (spec §3 "User").
type User struct {
	Username     string
	PasswordHash string
	Enabled      bool
	CanSubscribe bool
	CanPublish   bool
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AclOp selects which capability an AclRule or general flag grants.
type AclOp int

const (
	OpSubscribe AclOp = iota
	OpPublish
)

func (o AclOp) String() string {
	if o == OpSubscribe {
		return "subscribe"
	}
	return "publish"
}

// AclRule is a positive grant (spec §3 "AclRule"). Rules never deny; the
// absence of a matching rule is the only way to deny.
type AclRule struct {
	ID           int64
	Username     string
	TopicPattern string
	CanSubscribe bool
	CanPublish   bool
	Priority     int
	CreatedAt    time.Time
}

// Allows reports whether this rule grants op.
func (r AclRule) Allows(op AclOp) bool {
	if op == OpSubscribe {
		return r.CanSubscribe
	}
	return r.CanPublish
}
