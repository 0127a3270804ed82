package ckl

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	xmlHeader    = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"
	viewerBanner = "<!--DISA STIG Viewer :: 2.18-->\n"
)

// Placeholder values STIG Viewer expects for attributes a Checklist does
// not track.
const (
	defaultDocumentable    = "false"
	defaultCheckContentRef = "M"
	defaultWeight          = "10.0"
	defaultClass           = "Unclass"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// Marshal renders a checklist in STIG Viewer layout.
func Marshal(c *Checklist) []byte {
	var buf bytes.Buffer
	w := &cklWriter{buf: &buf}
	w.checklist(c)
	return buf.Bytes()
}

// Write renders a checklist to w.
func Write(w io.Writer, c *Checklist) error {
	if _, err := w.Write(Marshal(c)); err != nil {
		return fmt.Errorf("failed to write checklist: %w", err)
	}
	return nil
}

// WriteFile renders a checklist to the file at path, replacing it.
func WriteFile(path string, c *Checklist) error {
	if err := os.WriteFile(path, Marshal(c), 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

type cklWriter struct {
	buf *bytes.Buffer
}

func (w *cklWriter) line(depth int, s string) {
	for range depth {
		w.buf.WriteByte('\t')
	}
	w.buf.WriteString(s)
	w.buf.WriteByte('\n')
}

func (w *cklWriter) element(depth int, name, value string) {
	w.line(depth, "<"+name+">"+xmlEscaper.Replace(value)+"</"+name+">")
}

func (w *cklWriter) pair(depth int, outer, keyName, key, valueName, value string) {
	w.line(depth, "<"+outer+">")
	w.element(depth+1, keyName, key)
	w.element(depth+1, valueName, value)
	w.line(depth, "</"+outer+">")
}

func (w *cklWriter) checklist(c *Checklist) {
	w.buf.WriteString(xmlHeader)
	w.buf.WriteString(viewerBanner)
	w.line(0, "<CHECKLIST>")
	w.asset(&c.Asset)
	w.line(1, "<STIGS>")
	w.line(2, "<iSTIG>")
	w.stigInfo(&c.STIGInfo)
	for i := range c.Vulnerabilities {
		w.vuln(c, &c.Vulnerabilities[i])
	}
	w.line(2, "</iSTIG>")
	w.line(1, "</STIGS>")
	w.line(0, "</CHECKLIST>")
}

func (w *cklWriter) asset(a *Asset) {
	w.line(1, "<ASSET>")
	w.element(2, "ROLE", a.Role)
	w.element(2, "ASSET_TYPE", a.AssetType)
	w.element(2, "MARKING", a.Marking)
	w.element(2, "HOST_NAME", a.HostName)
	w.element(2, "HOST_IP", a.HostIP)
	w.element(2, "HOST_MAC", a.HostMAC)
	w.element(2, "HOST_FQDN", a.HostFQDN)
	w.element(2, "TARGET_COMMENT", a.TargetComment)
	w.element(2, "TECH_AREA", a.TechArea)
	w.element(2, "TARGET_KEY", a.TargetKey)
	w.element(2, "WEB_OR_DATABASE", fmt.Sprintf("%t", a.WebOrDatabase))
	w.element(2, "WEB_DB_SITE", a.WebDBSite)
	w.element(2, "WEB_DB_INSTANCE", a.WebDBInstance)
	w.line(1, "</ASSET>")
}

func (w *cklWriter) stigInfo(s *STIGInfo) {
	w.line(3, "<STIG_INFO>")
	for _, key := range stigInfoKeys {
		w.pair(4, "SI_DATA", elemSIDName, key, elemSIDData, s.value(key))
	}
	w.line(3, "</STIG_INFO>")
}

func (w *cklWriter) vuln(c *Checklist, v *Vulnerability) {
	attrs := [][2]string{
		{"Vuln_Num", v.VulnNum},
		{"Severity", v.Severity},
		{"Group_Title", v.GroupTitle},
		{"Rule_ID", v.RuleID},
		{"Rule_Ver", v.RuleVer},
		{"Rule_Title", v.RuleTitle},
		{"Vuln_Discuss", v.VulnDiscuss},
		{"IA_Controls", ""},
		{"Check_Content", v.CheckContent},
		{"Fix_Text", v.FixText},
		{"False_Positives", ""},
		{"False_Negatives", ""},
		{"Documentable", defaultDocumentable},
		{"Mitigations", ""},
		{"Potential_Impact", ""},
		{"Third_Party_Tools", ""},
		{"Mitigation_Control", ""},
		{"Responsibility", ""},
		{"Security_Override_Guidance", ""},
		{"Check_Content_Ref", defaultCheckContentRef},
		{"Weight", defaultWeight},
		{"Class", defaultClass},
		{"STIGRef", c.STIGInfo.Title + " :: " + c.STIGInfo.ReleaseInfo},
		{"TargetKey", c.Asset.TargetKey},
		{"STIG_UUID", ""},
		{"LEGACY_ID", ""},
	}

	w.line(3, "<VULN>")
	for _, a := range attrs {
		w.pair(4, "STIG_DATA", elemVulnAttribute, a[0], elemAttributeData, a[1])
	}
	for _, ref := range v.CCIRefs {
		w.pair(4, "STIG_DATA", elemVulnAttribute, attrCCIRef, elemAttributeData, ref)
	}
	w.element(4, elemStatus, v.Status)
	w.element(4, elemFindingDetails, v.FindingDetails)
	w.element(4, elemComments, v.Comments)
	w.element(4, elemSevOverride, deref(v.SeverityOverride))
	w.element(4, elemSevJustify, deref(v.SeverityJustification))
	w.line(3, "</VULN>")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
