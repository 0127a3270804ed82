package stigmapping

import (
	"github.com/openctemio/stigmap/pkg/parsers/cci"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
)

// Result is the full mapping of a checklist against the CCI catalog.
type Result struct {
	Checklist      *ckl.Checklist  `json:"checklist"`
	CCIMappings    []cci.Item      `json:"cci_mappings"`
	MappedControls []MappedControl `json:"mapped_controls"`
	Summary        Summary         `json:"summary"`
}

// BuildResult maps the checklist and summarizes it.
func BuildResult(checklist *ckl.Checklist, items []cci.Item) *Result {
	if items == nil {
		items = []cci.Item{}
	}
	controls := MapControls(checklist, items)

	var findings []ckl.Vulnerability
	if checklist != nil {
		findings = checklist.Vulnerabilities
	}

	return &Result{
		Checklist:      checklist,
		CCIMappings:    items,
		MappedControls: controls,
		Summary:        Summarize(controls, findings),
	}
}

// Control returns the mapped control with the given id.
func (r *Result) Control(id string) (*MappedControl, bool) {
	for i := range r.MappedControls {
		if r.MappedControls[i].NISTControl == id {
			return &r.MappedControls[i], true
		}
	}
	return nil, false
}
