package stigmapping

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openctemio/stigmap/pkg/parsers/ckl"
)

func TestSummarize(t *testing.T) {
	controls := []MappedControl{
		{NISTControl: "AC-1", ComplianceStatus: ComplianceCompliant},
		{NISTControl: "AC-2", ComplianceStatus: ComplianceNonCompliant},
		{NISTControl: "AC-3", ComplianceStatus: ComplianceNonCompliant},
		{NISTControl: "AC-4", ComplianceStatus: ComplianceNotApplicable},
		{NISTControl: "AC-5", ComplianceStatus: ComplianceNotReviewed},
	}
	findings := []ckl.Vulnerability{
		vuln("V-1", "high", ckl.StatusOpen),
		vuln("V-2", "HIGH", ckl.StatusOpen),
		vuln("V-3", "Medium", ckl.StatusOpen),
		vuln("V-4", "low", ckl.StatusOpen),
		vuln("V-5", "high", ckl.StatusNotAFinding),
		vuln("V-6", "high", "open"),
		vuln("V-7", "info", ckl.StatusOpen),
	}

	got := Summarize(controls, findings)

	assert.Equal(t, Summary{
		TotalControls:         5,
		CompliantControls:     1,
		NonCompliantControls:  2,
		NotApplicableControls: 1,
		NotReviewedControls:   1,
		HighRiskFindings:      2,
		MediumRiskFindings:    1,
		LowRiskFindings:       1,
	}, got)
}

func TestSummarize_Empty(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil, nil))
}
