package ckl

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openctemio/stigmap/pkg/parsers/xmlstream"
)

// ErrInvalidChecklist is returned when a checklist is not well formed XML.
var ErrInvalidChecklist = errors.New("invalid checklist")

// Element and attribute names used in .ckl documents.
const (
	elemAsset          = "ASSET"
	elemSTIGInfo       = "STIG_INFO"
	elemSIDName        = "SID_NAME"
	elemSIDData        = "SID_DATA"
	elemVuln           = "VULN"
	elemVulnAttribute  = "VULN_ATTRIBUTE"
	elemAttributeData  = "ATTRIBUTE_DATA"
	elemStatus         = "STATUS"
	elemFindingDetails = "FINDING_DETAILS"
	elemComments       = "COMMENTS"
	elemSevOverride    = "SEVERITY_OVERRIDE"
	elemSevJustify     = "SEVERITY_JUSTIFICATION"

	attrCCIRef = "CCI_REF"
)

// Options configures the parser behavior.
type Options struct {
	// SkipEmptyFindings drops VULN blocks that carry no Vuln_Num.
	SkipEmptyFindings bool
}

// DefaultOptions returns the default parser options.
func DefaultOptions() *Options {
	return &Options{}
}

// Parser parses checklist documents. All parse state lives in the call, so
// one Parser may be shared across goroutines.
type Parser struct {
	opts *Options
}

// NewParser creates a new checklist parser with the given options.
// If opts is nil, default options are used.
func NewParser(opts *Options) *Parser {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Parser{opts: opts}
}

// ParseFile parses a checklist from the given path.
func (p *Parser) ParseFile(path string) (*Checklist, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// ParseBytes parses a checklist held in memory.
func (p *Parser) ParseBytes(data []byte) (*Checklist, error) {
	return p.Parse(bytes.NewReader(data))
}

// Parse reads a checklist from r.
func (p *Parser) Parse(r io.Reader) (*Checklist, error) {
	st := newParseState()
	dec := xmlstream.NewDecoder(r)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidChecklist, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			st.start(t.Name.Local)
		case xml.CharData:
			st.text.Write(t)
		case xml.EndElement:
			if v, ok := st.end(t.Name.Local); ok {
				if p.opts.SkipEmptyFindings && v.VulnNum == "" {
					continue
				}
				st.checklist.Vulnerabilities = append(st.checklist.Vulnerabilities, v)
			}
		}
	}

	return st.checklist, nil
}

// section is the block of the document the scanner is inside.
type section int

const (
	sectionNone section = iota
	sectionAsset
	sectionSTIGInfo
	sectionVuln
)

// parseState accumulates one document. Key/value pairs for STIG_INFO and
// VULN are buffered until the block closes and then projected onto the
// typed structs.
type parseState struct {
	checklist *Checklist
	section   section
	text      strings.Builder

	pendingKey string
	pairs      map[string]string

	vuln *Vulnerability
}

func newParseState() *parseState {
	return &parseState{
		checklist: &Checklist{Vulnerabilities: []Vulnerability{}},
		pairs:     make(map[string]string),
	}
}

func (s *parseState) start(name string) {
	s.text.Reset()

	switch name {
	case elemAsset:
		s.section = sectionAsset
	case elemSTIGInfo:
		s.section = sectionSTIGInfo
		s.resetPairs()
	case elemVuln:
		s.section = sectionVuln
		s.resetPairs()
		s.vuln = &Vulnerability{CCIRefs: []string{}}
	}
}

// end handles a closing tag. It returns the finished finding when a VULN
// block closes.
func (s *parseState) end(name string) (Vulnerability, bool) {
	value := strings.TrimSpace(s.text.String())
	s.text.Reset()

	switch s.section {
	case sectionAsset:
		if name == elemAsset {
			s.section = sectionNone
			return Vulnerability{}, false
		}
		setAssetField(&s.checklist.Asset, name, value)

	case sectionSTIGInfo:
		switch name {
		case elemSIDName:
			s.pendingKey = strings.ToLower(value)
		case elemSIDData:
			if s.pendingKey != "" {
				s.pairs[s.pendingKey] = value
			}
			s.pendingKey = ""
		case elemSTIGInfo:
			s.checklist.STIGInfo = stigInfoFromMap(s.pairs)
			s.section = sectionNone
		}

	case sectionVuln:
		switch name {
		case elemVulnAttribute:
			s.pendingKey = value
		case elemAttributeData:
			s.setVulnAttribute(value)
		case elemStatus:
			s.vuln.Status = value
		case elemFindingDetails:
			s.vuln.FindingDetails = value
		case elemComments:
			s.vuln.Comments = value
		case elemSevOverride:
			s.vuln.SeverityOverride = optional(value)
		case elemSevJustify:
			s.vuln.SeverityJustification = optional(value)
		case elemVuln:
			v := s.finishVuln()
			s.section = sectionNone
			return v, true
		}
	}

	return Vulnerability{}, false
}

func (s *parseState) setVulnAttribute(value string) {
	key := s.pendingKey
	s.pendingKey = ""
	if key == "" {
		return
	}
	if key == attrCCIRef {
		if value != "" {
			s.vuln.CCIRefs = append(s.vuln.CCIRefs, value)
		}
		return
	}
	s.pairs[key] = value
}

func (s *parseState) finishVuln() Vulnerability {
	v := s.vuln
	v.VulnNum = s.pairs["Vuln_Num"]
	v.Severity = s.pairs["Severity"]
	v.GroupTitle = s.pairs["Group_Title"]
	v.RuleID = s.pairs["Rule_ID"]
	v.RuleVer = s.pairs["Rule_Ver"]
	v.RuleTitle = s.pairs["Rule_Title"]
	v.VulnDiscuss = s.pairs["Vuln_Discuss"]
	v.CheckContent = s.pairs["Check_Content"]
	v.FixText = s.pairs["Fix_Text"]
	v.STIGID = v.RuleVer

	s.vuln = nil
	s.resetPairs()
	return *v
}

func (s *parseState) resetPairs() {
	clear(s.pairs)
	s.pendingKey = ""
}

func setAssetField(a *Asset, name, value string) {
	switch name {
	case "ROLE":
		a.Role = value
	case "ASSET_TYPE":
		a.AssetType = value
	case "MARKING":
		a.Marking = value
	case "HOST_NAME":
		a.HostName = value
	case "HOST_IP":
		a.HostIP = value
	case "HOST_MAC":
		a.HostMAC = value
	case "HOST_FQDN":
		a.HostFQDN = value
	case "TARGET_COMMENT":
		a.TargetComment = value
	case "TECH_AREA":
		a.TechArea = value
	case "TARGET_KEY":
		a.TargetKey = value
	case "WEB_OR_DATABASE":
		a.WebOrDatabase = value == "true"
	case "WEB_DB_SITE":
		a.WebDBSite = value
	case "WEB_DB_INSTANCE":
		a.WebDBInstance = value
	}
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
