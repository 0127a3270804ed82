package stigmapping

import "github.com/openctemio/stigmap/pkg/parsers/ckl"

// Summary rolls up control verdicts and open findings by severity.
type Summary struct {
	TotalControls         int `json:"total_controls"`
	CompliantControls     int `json:"compliant_controls"`
	NonCompliantControls  int `json:"non_compliant_controls"`
	NotApplicableControls int `json:"not_applicable_controls"`
	NotReviewedControls   int `json:"not_reviewed_controls"`
	HighRiskFindings      int `json:"high_risk_findings"`
	MediumRiskFindings    int `json:"medium_risk_findings"`
	LowRiskFindings       int `json:"low_risk_findings"`
}

// Summarize counts controls per verdict and open findings per severity.
// Findings are counted from the raw list, so a finding mapped to several
// controls is counted once and unmapped findings still count.
func Summarize(controls []MappedControl, findings []ckl.Vulnerability) Summary {
	s := Summary{TotalControls: len(controls)}

	for i := range controls {
		switch controls[i].ComplianceStatus {
		case ComplianceCompliant:
			s.CompliantControls++
		case ComplianceNonCompliant:
			s.NonCompliantControls++
		case ComplianceNotApplicable:
			s.NotApplicableControls++
		case ComplianceNotReviewed:
			s.NotReviewedControls++
		}
	}

	for i := range findings {
		v := &findings[i]
		if v.Status != ckl.StatusOpen {
			continue
		}
		switch {
		case v.SeverityIs(ckl.SeverityHigh):
			s.HighRiskFindings++
		case v.SeverityIs(ckl.SeverityMedium):
			s.MediumRiskFindings++
		case v.SeverityIs(ckl.SeverityLow):
			s.LowRiskFindings++
		}
	}

	return s
}
