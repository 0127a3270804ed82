package testutil

import (
	"fmt"
	"sort"
	"strings"
)

// Finding describes one VULN of a generated checklist.
type Finding struct {
	VulnNum  string
	Severity string
	Status   string
	CCIRefs  []string
}

// ChecklistXML renders a minimal STIG Viewer checklist.
func ChecklistXML(host, stigID string, findings ...Finding) []byte {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<CHECKLIST>\n")
	fmt.Fprintf(&b, "<ASSET><ROLE>None</ROLE><ASSET_TYPE>Computing</ASSET_TYPE><HOST_NAME>%s</HOST_NAME><WEB_OR_DATABASE>false</WEB_OR_DATABASE></ASSET>\n", host)
	b.WriteString("<STIGS><iSTIG><STIG_INFO>")
	fmt.Fprintf(&b, "<SI_DATA><SID_NAME>stigid</SID_NAME><SID_DATA>%s</SID_DATA></SI_DATA>", stigID)
	fmt.Fprintf(&b, "<SI_DATA><SID_NAME>title</SID_NAME><SID_DATA>%s STIG</SID_DATA></SI_DATA>", stigID)
	b.WriteString("</STIG_INFO>\n")
	for _, f := range findings {
		b.WriteString("<VULN>")
		fmt.Fprintf(&b, "<STIG_DATA><VULN_ATTRIBUTE>Vuln_Num</VULN_ATTRIBUTE><ATTRIBUTE_DATA>%s</ATTRIBUTE_DATA></STIG_DATA>", f.VulnNum)
		fmt.Fprintf(&b, "<STIG_DATA><VULN_ATTRIBUTE>Severity</VULN_ATTRIBUTE><ATTRIBUTE_DATA>%s</ATTRIBUTE_DATA></STIG_DATA>", f.Severity)
		fmt.Fprintf(&b, "<STIG_DATA><VULN_ATTRIBUTE>Rule_ID</VULN_ATTRIBUTE><ATTRIBUTE_DATA>SV-%s_rule</ATTRIBUTE_DATA></STIG_DATA>", f.VulnNum)
		for _, ref := range f.CCIRefs {
			fmt.Fprintf(&b, "<STIG_DATA><VULN_ATTRIBUTE>CCI_REF</VULN_ATTRIBUTE><ATTRIBUTE_DATA>%s</ATTRIBUTE_DATA></STIG_DATA>", ref)
		}
		fmt.Fprintf(&b, "<STATUS>%s</STATUS><FINDING_DETAILS></FINDING_DETAILS><COMMENTS></COMMENTS>", f.Status)
		b.WriteString("</VULN>\n")
	}
	b.WriteString("</iSTIG></STIGS>\n</CHECKLIST>\n")
	return []byte(b.String())
}

// CatalogXML renders a CCI list mapping each CCI id to Revision 4 control
// references. Items are written in id order.
func CatalogXML(controls map[string][]string) []byte {
	ids := make([]string, 0, len(controls))
	for id := range controls {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"utf-8\"?>\n<cci_list xmlns=\"http://iase.disa.mil/cci\"><cci_items>\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "<cci_item id=%q><status>draft</status><definition>Definition of %s.</definition><type>policy</type><references>", id, id)
		for _, c := range controls[id] {
			fmt.Fprintf(&b, "<reference creator=\"NIST\" title=\"NIST SP 800-53 Revision 4\" version=\"4\" index=%q />", c)
		}
		b.WriteString("</references></cci_item>\n")
	}
	b.WriteString("</cci_items></cci_list>\n")
	return []byte(b.String())
}
