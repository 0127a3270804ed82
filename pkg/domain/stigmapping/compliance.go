package stigmapping

// ComplianceStatus is the verdict for a NIST control.
type ComplianceStatus string

const (
	ComplianceNotReviewed   ComplianceStatus = "not-reviewed"
	ComplianceCompliant     ComplianceStatus = "compliant"
	ComplianceNonCompliant  ComplianceStatus = "non-compliant"
	ComplianceNotApplicable ComplianceStatus = "not-applicable"
)

// AllComplianceStatuses returns every compliance verdict.
func AllComplianceStatuses() []ComplianceStatus {
	return []ComplianceStatus{
		ComplianceNotReviewed,
		ComplianceCompliant,
		ComplianceNonCompliant,
		ComplianceNotApplicable,
	}
}

// IsValid checks if the compliance status is valid.
func (s ComplianceStatus) IsValid() bool {
	switch s {
	case ComplianceNotReviewed, ComplianceCompliant, ComplianceNonCompliant, ComplianceNotApplicable:
		return true
	}
	return false
}

func (s ComplianceStatus) String() string {
	return string(s)
}

// RiskLevel is the highest finding severity seen for a control.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// IsValid checks if the risk level is valid.
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

func (r RiskLevel) String() string {
	return string(r)
}

func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// Max returns the more severe of r and other.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.rank() > r.rank() {
		return other
	}
	return r
}
