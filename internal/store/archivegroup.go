package store

import (
	"context"

	"github.com/monstermq/core/internal/model"
)

// ArchiveGroupStore is the declarative routing-policy store (spec §4.H).
// Mutations are serialized; readers see only complete groups. A "Default"
// row with filter ["#"] MUST always exist.
type ArchiveGroupStore interface {
	Create(ctx context.Context, g model.ArchiveGroup) error
	Update(ctx context.Context, g model.ArchiveGroup) error
	Delete(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (*model.ArchiveGroup, error)
	List(ctx context.Context) ([]model.ArchiveGroup, error)

	// EnsureDefault seeds the mandatory Default/# row if it is missing.
	EnsureDefault(ctx context.Context) error
}
