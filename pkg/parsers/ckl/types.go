package ckl

import "strings"

// Finding status values as they appear in STATUS.
const (
	StatusOpen          = "Open"
	StatusNotAFinding   = "NotAFinding"
	StatusNotApplicable = "NotApplicable"
	StatusNotReviewed   = "Not_Reviewed"

	// StatusNotApplicableViewer is the spelling STIG Viewer itself writes.
	StatusNotApplicableViewer = "Not_Applicable"
)

// Severity values. Checklists are not consistent about case.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Checklist is a parsed .ckl document.
type Checklist struct {
	Asset           Asset           `json:"asset"`
	STIGInfo        STIGInfo        `json:"stig_info"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

// Asset describes the target the checklist was filled in for.
type Asset struct {
	Role          string `json:"role"`
	AssetType     string `json:"asset_type"`
	Marking       string `json:"marking"`
	HostName      string `json:"host_name"`
	HostIP        string `json:"host_ip"`
	HostMAC       string `json:"host_mac"`
	HostFQDN      string `json:"host_fqdn"`
	TargetComment string `json:"target_comment"`
	TechArea      string `json:"tech_area"`
	TargetKey     string `json:"target_key"`
	WebOrDatabase bool   `json:"web_or_database"`
	WebDBSite     string `json:"web_db_site"`
	WebDBInstance string `json:"web_db_instance"`
}

// STIGInfo is the benchmark metadata from the STIG_INFO block.
type STIGInfo struct {
	Version        string `json:"version"`
	Classification string `json:"classification"`
	CustomName     string `json:"custom_name"`
	STIGID         string `json:"stig_id"`
	Description    string `json:"description"`
	FileName       string `json:"file_name"`
	ReleaseInfo    string `json:"release_info"`
	Title          string `json:"title"`
	UUID           string `json:"uuid"`
	Notice         string `json:"notice"`
	Source         string `json:"source"`
}

// Vulnerability is one VULN entry. VulnNum is its natural key.
type Vulnerability struct {
	VulnNum               string   `json:"vuln_num"`
	Severity              string   `json:"severity"`
	GroupTitle            string   `json:"group_title"`
	RuleID                string   `json:"rule_id"`
	RuleVer               string   `json:"rule_ver"`
	RuleTitle             string   `json:"rule_title"`
	VulnDiscuss           string   `json:"vuln_discuss"`
	CheckContent          string   `json:"check_content"`
	FixText               string   `json:"fix_text"`
	CCIRefs               []string `json:"cci_refs"`
	Status                string   `json:"status"`
	FindingDetails        string   `json:"finding_details"`
	Comments              string   `json:"comments"`
	SeverityOverride      *string  `json:"severity_override"`
	SeverityJustification *string  `json:"severity_justification"`
	STIGID                string   `json:"stig_id"`
}

// IsOpen reports whether the finding is open.
func (v *Vulnerability) IsOpen() bool {
	return v.Status == StatusOpen
}

// IsNotApplicable accepts both the documented and the STIG Viewer spelling.
func (v *Vulnerability) IsNotApplicable() bool {
	return v.Status == StatusNotApplicable || v.Status == StatusNotApplicableViewer
}

// SeverityIs compares the severity case-insensitively.
func (v *Vulnerability) SeverityIs(severity string) bool {
	return strings.EqualFold(v.Severity, severity)
}

// stigInfoKeys is the SID_NAME order used by STIG Viewer.
var stigInfoKeys = []string{
	"version",
	"classification",
	"customname",
	"stigid",
	"description",
	"filename",
	"releaseinfo",
	"title",
	"uuid",
	"notice",
	"source",
}

func stigInfoFromMap(m map[string]string) STIGInfo {
	return STIGInfo{
		Version:        m["version"],
		Classification: m["classification"],
		CustomName:     m["customname"],
		STIGID:         m["stigid"],
		Description:    m["description"],
		FileName:       m["filename"],
		ReleaseInfo:    m["releaseinfo"],
		Title:          m["title"],
		UUID:           m["uuid"],
		Notice:         m["notice"],
		Source:         m["source"],
	}
}

func (s *STIGInfo) value(key string) string {
	switch key {
	case "version":
		return s.Version
	case "classification":
		return s.Classification
	case "customname":
		return s.CustomName
	case "stigid":
		return s.STIGID
	case "description":
		return s.Description
	case "filename":
		return s.FileName
	case "releaseinfo":
		return s.ReleaseInfo
	case "title":
		return s.Title
	case "uuid":
		return s.UUID
	case "notice":
		return s.Notice
	case "source":
		return s.Source
	}
	return ""
}
