package stigmapping

import (
	"fmt"
	"strings"
	"time"

	"github.com/openctemio/stigmap/pkg/domain/shared"
	"github.com/openctemio/stigmap/pkg/parsers/cci"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
)

// DefaultSystemID is used when a mapping is saved without a system.
const DefaultSystemID = "default"

// StoredControl is a MappedControl as persisted, with its finding count.
type StoredControl struct {
	MappedControl
	FindingsCount int `json:"findings_count"`
}

// StoredResult is the persisted form of a Result.
type StoredResult struct {
	TotalVulnerabilities int             `json:"total_vulnerabilities"`
	MappedControls       []StoredControl `json:"mapped_controls"`
	Summary              Summary         `json:"summary"`
}

// NewStoredResult converts a Result for persistence.
func NewStoredResult(r *Result) StoredResult {
	stored := StoredResult{
		MappedControls: make([]StoredControl, 0, len(r.MappedControls)),
		Summary:        r.Summary,
	}
	if r.Checklist != nil {
		stored.TotalVulnerabilities = len(r.Checklist.Vulnerabilities)
	}
	for _, c := range r.MappedControls {
		stored.MappedControls = append(stored.MappedControls, StoredControl{
			MappedControl: c,
			FindingsCount: c.FindingsCount(),
		})
	}
	return stored
}

// Mapping is a saved checklist-to-control mapping belonging to a system.
type Mapping struct {
	id          shared.ID
	systemID    string
	name        string
	description *string
	stigInfo    ckl.STIGInfo
	assetInfo   ckl.Asset
	result      StoredResult
	checklist   *ckl.Checklist
	cciMappings []cci.Item
	createdAt   time.Time
	updatedAt   time.Time
}

// NewMapping creates a mapping from a computed result.
func NewMapping(systemID, name string, result *Result) (*Mapping, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	if result == nil || result.Checklist == nil {
		return nil, fmt.Errorf("%w: mapping result is required", shared.ErrValidation)
	}
	if systemID == "" {
		systemID = DefaultSystemID
	}

	now := time.Now().UTC()
	m := &Mapping{
		id:        shared.NewID(),
		systemID:  systemID,
		name:      name,
		createdAt: now,
		updatedAt: now,
	}
	m.applyResult(result)
	return m, nil
}

// Reconstitute recreates a Mapping from persistence.
func Reconstitute(
	id shared.ID,
	systemID string,
	name string,
	description *string,
	stigInfo ckl.STIGInfo,
	assetInfo ckl.Asset,
	result StoredResult,
	checklist *ckl.Checklist,
	cciMappings []cci.Item,
	createdAt time.Time,
	updatedAt time.Time,
) *Mapping {
	return &Mapping{
		id:          id,
		systemID:    systemID,
		name:        name,
		description: description,
		stigInfo:    stigInfo,
		assetInfo:   assetInfo,
		result:      result,
		checklist:   checklist,
		cciMappings: cciMappings,
		createdAt:   createdAt,
		updatedAt:   updatedAt,
	}
}

func (m *Mapping) applyResult(r *Result) {
	m.stigInfo = r.Checklist.STIGInfo
	m.assetInfo = r.Checklist.Asset
	m.checklist = r.Checklist
	m.result = NewStoredResult(r)
	if len(r.CCIMappings) > 0 {
		m.cciMappings = r.CCIMappings
	} else {
		m.cciMappings = nil
	}
}

// Getters

func (m *Mapping) ID() shared.ID             { return m.id }
func (m *Mapping) SystemID() string          { return m.systemID }
func (m *Mapping) Name() string              { return m.name }
func (m *Mapping) Description() *string      { return m.description }
func (m *Mapping) STIGInfo() ckl.STIGInfo    { return m.stigInfo }
func (m *Mapping) AssetInfo() ckl.Asset      { return m.assetInfo }
func (m *Mapping) Result() StoredResult      { return m.result }
func (m *Mapping) Checklist() *ckl.Checklist { return m.checklist }
func (m *Mapping) CCIMappings() []cci.Item   { return m.cciMappings }
func (m *Mapping) CreatedAt() time.Time      { return m.createdAt }
func (m *Mapping) UpdatedAt() time.Time      { return m.updatedAt }

// Rename changes the display name.
func (m *Mapping) Rename(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	m.name = name
	m.updatedAt = time.Now().UTC()
	return nil
}

// SetDescription sets or clears the description.
func (m *Mapping) SetDescription(description string) {
	description = strings.TrimSpace(description)
	if description == "" {
		m.description = nil
	} else {
		m.description = &description
	}
	m.updatedAt = time.Now().UTC()
}

// Data is the JSON shape of a mapping in exports.
type Data struct {
	ID            string       `json:"id"`
	SystemID      string       `json:"system_id"`
	Name          string       `json:"name"`
	Description   *string      `json:"description"`
	CreatedDate   string       `json:"created_date"`
	UpdatedDate   string       `json:"updated_date"`
	STIGInfo      ckl.STIGInfo `json:"stig_info"`
	AssetInfo     ckl.Asset    `json:"asset_info"`
	MappingResult StoredResult `json:"mapping_result"`
	CCIMappings   []cci.Item   `json:"cci_mappings,omitempty"`
}

// ToData returns the export representation.
func (m *Mapping) ToData() Data {
	return Data{
		ID:            m.id.String(),
		SystemID:      m.systemID,
		Name:          m.name,
		Description:   m.description,
		CreatedDate:   m.createdAt.Format(time.RFC3339),
		UpdatedDate:   m.updatedAt.Format(time.RFC3339),
		STIGInfo:      m.stigInfo,
		AssetInfo:     m.assetInfo,
		MappingResult: m.result,
		CCIMappings:   m.cciMappings,
	}
}

// ExportableChecklist returns the checklist to serialize. Mappings restored
// from an export bundle carry no checklist; for those it is rebuilt from the
// findings on the stored controls, first appearance wins. Findings that map
// to no control are not recoverable that way.
func (m *Mapping) ExportableChecklist() *ckl.Checklist {
	if m.checklist != nil {
		return m.checklist
	}

	c := &ckl.Checklist{
		Asset:           m.assetInfo,
		STIGInfo:        m.stigInfo,
		Vulnerabilities: []ckl.Vulnerability{},
	}
	seen := make(map[string]struct{})
	for _, control := range m.result.MappedControls {
		for _, v := range control.STIGs {
			if _, ok := seen[v.VulnNum]; ok {
				continue
			}
			seen[v.VulnNum] = struct{}{}
			c.Vulnerabilities = append(c.Vulnerabilities, v)
		}
	}
	return c
}

// FromData recreates a mapping from its export representation under
// systemID. Dates that do not parse fall back to now.
func FromData(systemID string, d Data) (*Mapping, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", shared.ErrValidation)
	}
	id, err := shared.IDFromString(d.ID)
	if err != nil {
		id = shared.NewID()
	}
	if systemID == "" {
		systemID = DefaultSystemID
	}

	now := time.Now().UTC()
	createdAt := parseDate(d.CreatedDate, now)
	updatedAt := parseDate(d.UpdatedDate, createdAt)

	return Reconstitute(
		id, systemID, name, d.Description,
		d.STIGInfo, d.AssetInfo, d.MappingResult, nil, d.CCIMappings,
		createdAt, updatedAt,
	), nil
}

// WithNewID returns a copy of m under a fresh id.
func (m *Mapping) WithNewID() *Mapping {
	c := *m
	c.id = shared.NewID()
	return &c
}

func parseDate(s string, fallback time.Time) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fallback
	}
	return t.UTC()
}
