package main

import (
	"github.com/openctemio/stigmap/internal/infra/postgres"
)

// Repositories holds all repository instances.
type Repositories struct {
	STIGMapping *postgres.STIGMappingRepository
}

// NewRepositories creates all repositories.
func NewRepositories(db *postgres.DB) *Repositories {
	return &Repositories{
		STIGMapping: postgres.NewSTIGMappingRepository(db),
	}
}
