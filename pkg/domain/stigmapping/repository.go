package stigmapping

import (
	"context"

	"github.com/openctemio/stigmap/pkg/domain/shared"
	"github.com/openctemio/stigmap/pkg/pagination"
)

// SortFields maps the accepted sort keys of a mapping listing to columns.
var SortFields = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"name":       "name",
}

// DefaultSort orders listings most recently updated first.
const DefaultSort = "updated_at DESC"

// ListOptions selects a page of a system's mappings.
type ListOptions struct {
	Sort *pagination.SortOption
	Page pagination.Pagination
}

// Repository defines the STIG mapping repository interface.
type Repository interface {
	// Save inserts the mapping or replaces the stored row with the same id.
	Save(ctx context.Context, m *Mapping) error

	// GetByID retrieves a mapping of a system.
	GetByID(ctx context.Context, systemID string, id shared.ID) (*Mapping, error)

	// ListBySystem returns one page of a system's mappings.
	ListBySystem(ctx context.Context, systemID string, opts ListOptions) (pagination.Result[*Mapping], error)

	// Delete removes one mapping.
	Delete(ctx context.Context, systemID string, id shared.ID) error

	// DeleteBySystem removes every mapping of a system and returns how
	// many were removed.
	DeleteBySystem(ctx context.Context, systemID string) (int64, error)
}
