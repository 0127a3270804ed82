package stigmapping

import (
	"sort"
	"strings"

	"github.com/openctemio/stigmap/pkg/parsers/cci"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
)

// MappedControl is a NIST SP 800-53 control with the CCIs and checklist
// findings that correlate to it.
type MappedControl struct {
	NISTControl      string              `json:"nist_control"`
	CCIs             []string            `json:"ccis"`
	STIGs            []ckl.Vulnerability `json:"stigs"`
	ComplianceStatus ComplianceStatus    `json:"compliance_status"`
	RiskLevel        RiskLevel           `json:"risk_level"`
}

// FindingsCount returns the number of distinct findings on the control.
func (c *MappedControl) FindingsCount() int {
	return len(c.STIGs)
}

// controlAccumulator collects one control's evidence. Verdicts are derived
// from which statuses were seen, so visiting order does not matter.
type controlAccumulator struct {
	control *MappedControl
	ccis    map[string]struct{}
	vulns   map[string]struct{}

	open          bool
	notAFinding   bool
	notApplicable bool
	risk          RiskLevel
}

func newControlAccumulator(id string) *controlAccumulator {
	return &controlAccumulator{
		control: &MappedControl{
			NISTControl: id,
			CCIs:        []string{},
			STIGs:       []ckl.Vulnerability{},
		},
		ccis:  make(map[string]struct{}),
		vulns: make(map[string]struct{}),
		risk:  RiskLow,
	}
}

func (a *controlAccumulator) add(cciID string, v *ckl.Vulnerability) {
	if _, ok := a.ccis[cciID]; !ok {
		a.ccis[cciID] = struct{}{}
		a.control.CCIs = append(a.control.CCIs, cciID)
	}
	if _, ok := a.vulns[v.VulnNum]; !ok {
		a.vulns[v.VulnNum] = struct{}{}
		a.control.STIGs = append(a.control.STIGs, *v)
	}

	switch {
	case v.IsOpen():
		a.open = true
	case v.Status == ckl.StatusNotAFinding:
		a.notAFinding = true
	case v.IsNotApplicable():
		a.notApplicable = true
	}

	// Severity counts whatever the status is.
	a.risk = a.risk.Max(riskFromSeverity(v.Severity))
}

func (a *controlAccumulator) finish() MappedControl {
	switch {
	case a.open:
		a.control.ComplianceStatus = ComplianceNonCompliant
	case a.notAFinding:
		a.control.ComplianceStatus = ComplianceCompliant
	case a.notApplicable:
		a.control.ComplianceStatus = ComplianceNotApplicable
	default:
		a.control.ComplianceStatus = ComplianceNotReviewed
	}
	a.control.RiskLevel = a.risk
	return *a.control
}

// MapControls correlates checklist findings to NIST controls through the
// CCI catalog. CCI references with no catalog entry are ignored. The result
// is sorted by control id.
func MapControls(checklist *ckl.Checklist, items []cci.Item) []MappedControl {
	controls := []MappedControl{}
	if checklist == nil {
		return controls
	}

	lookup := cci.NewLookup(items)
	acc := make(map[string]*controlAccumulator)

	for i := range checklist.Vulnerabilities {
		v := &checklist.Vulnerabilities[i]
		for _, ref := range v.CCIRefs {
			for _, id := range lookup.Controls(ref) {
				a, ok := acc[id]
				if !ok {
					a = newControlAccumulator(id)
					acc[id] = a
				}
				a.add(ref, v)
			}
		}
	}

	for _, a := range acc {
		controls = append(controls, a.finish())
	}
	sort.Slice(controls, func(i, j int) bool {
		return controls[i].NISTControl < controls[j].NISTControl
	})
	return controls
}

func riskFromSeverity(severity string) RiskLevel {
	switch strings.ToLower(severity) {
	case "high":
		return RiskHigh
	case "medium":
		return RiskMedium
	default:
		return RiskLow
	}
}
