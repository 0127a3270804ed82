package stigmapping

import (
	"fmt"
	"time"

	"github.com/openctemio/stigmap/pkg/domain/shared"
)

// ExportType marks a bundle of STIG mappings.
const ExportType = "stig_mappings"

// ExportBundle is the JSON document mappings are exported to and restored
// from.
type ExportBundle struct {
	STIGMappings []Data `json:"stig_mappings"`
	ExportDate   string `json:"export_date"`
	ExportType   string `json:"export_type"`
	SystemID     string `json:"system_id"`
}

// NewExportBundle wraps the mappings of a system.
func NewExportBundle(systemID string, mappings []*Mapping, now time.Time) *ExportBundle {
	b := &ExportBundle{
		STIGMappings: make([]Data, 0, len(mappings)),
		ExportDate:   now.UTC().Format(time.RFC3339),
		ExportType:   ExportType,
		SystemID:     systemID,
	}
	for _, m := range mappings {
		b.STIGMappings = append(b.STIGMappings, m.ToData())
	}
	return b
}

// Validate checks the bundle can be restored. An empty export type is
// accepted for bundles written by hand.
func (b *ExportBundle) Validate() error {
	if b == nil {
		return shared.NewValidationError("bundle", "is required")
	}
	if b.ExportType != "" && b.ExportType != ExportType {
		return shared.NewValidationError("export_type", fmt.Sprintf("must be %q", ExportType))
	}
	return nil
}
