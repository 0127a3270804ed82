package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openctemio/stigmap/pkg/domain/shared"
	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/pagination"
)

// MockSTIGMappingRepository implements stigmapping.Repository in memory.
type MockSTIGMappingRepository struct {
	mu       sync.Mutex
	mappings map[string]*stigmapping.Mapping

	// SaveErr, when set, is returned by every Save.
	SaveErr error
}

// NewMockSTIGMappingRepository creates an empty repository.
func NewMockSTIGMappingRepository() *MockSTIGMappingRepository {
	return &MockSTIGMappingRepository{mappings: make(map[string]*stigmapping.Mapping)}
}

var _ stigmapping.Repository = (*MockSTIGMappingRepository)(nil)

func (r *MockSTIGMappingRepository) Save(_ context.Context, m *stigmapping.Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.SaveErr != nil {
		return r.SaveErr
	}
	if existing, ok := r.mappings[m.ID().String()]; ok && existing.SystemID() != m.SystemID() {
		return fmt.Errorf("%w: mapping %s belongs to another system", shared.ErrConflict, m.ID())
	}
	r.mappings[m.ID().String()] = m
	return nil
}

func (r *MockSTIGMappingRepository) GetByID(_ context.Context, systemID string, id shared.ID) (*stigmapping.Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.mappings[id.String()]
	if !ok || m.SystemID() != systemID {
		return nil, stigmapping.NotFoundError(id.String())
	}
	return m, nil
}

func (r *MockSTIGMappingRepository) ListBySystem(_ context.Context, systemID string, opts stigmapping.ListOptions) (pagination.Result[*stigmapping.Mapping], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*stigmapping.Mapping
	for _, m := range r.mappings {
		if m.SystemID() == systemID {
			all = append(all, m)
		}
	}
	// Newest first, then id, like the default SQL order.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt().Equal(all[j].UpdatedAt()) {
			return all[i].UpdatedAt().After(all[j].UpdatedAt())
		}
		return all[i].ID().String() < all[j].ID().String()
	})

	page := pagination.New(opts.Page.Page, opts.Page.PerPage)
	start := min(page.Offset(), len(all))
	end := min(start+page.Limit(), len(all))
	return pagination.NewResult(all[start:end], int64(len(all)), page), nil
}

func (r *MockSTIGMappingRepository) Delete(_ context.Context, systemID string, id shared.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.mappings[id.String()]
	if !ok || m.SystemID() != systemID {
		return stigmapping.NotFoundError(id.String())
	}
	delete(r.mappings, id.String())
	return nil
}

func (r *MockSTIGMappingRepository) DeleteBySystem(_ context.Context, systemID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, m := range r.mappings {
		if m.SystemID() == systemID {
			delete(r.mappings, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored mappings across systems.
func (r *MockSTIGMappingRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mappings)
}
