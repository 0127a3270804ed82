package ckl

import (
	"errors"
	"fmt"
)

// Merge errors.
var (
	ErrNoChecklists     = errors.New("no checklist files provided")
	ErrMetadataMismatch = errors.New("checklist metadata mismatch")
)

// MetadataPolicy decides what happens when merged checklists disagree on
// asset or benchmark metadata.
type MetadataPolicy string

const (
	// MetadataPolicyKeepFirst keeps the first checklist's metadata and
	// ignores the rest.
	MetadataPolicyKeepFirst MetadataPolicy = "keep_first"

	// MetadataPolicyRequireMatch fails the merge when a later checklist
	// names a different host or STIG.
	MetadataPolicyRequireMatch MetadataPolicy = "require_match"
)

// IsValid reports whether p is a known policy.
func (p MetadataPolicy) IsValid() bool {
	return p == MetadataPolicyKeepFirst || p == MetadataPolicyRequireMatch
}

// MergeOptions configures a merge.
type MergeOptions struct {
	Policy MetadataPolicy
}

// DefaultMergeOptions returns the default merge options.
func DefaultMergeOptions() *MergeOptions {
	return &MergeOptions{Policy: MetadataPolicyKeepFirst}
}

// Document is one merge input: either a parsed checklist or the error
// parsing it produced.
type Document struct {
	Name      string
	Checklist *Checklist
	Err       error
}

// SkippedDocument records a merge input that was left out.
type SkippedDocument struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// MergeReport summarises a merge.
type MergeReport struct {
	Documents     int               `json:"documents"`
	Merged        int               `json:"merged"`
	Findings      int               `json:"findings"`
	Skipped       []SkippedDocument `json:"skipped"`
	MetadataDrift []string          `json:"metadata_drift,omitempty"`
}

// MergeDocuments concatenates the findings of all documents, in order, onto
// the first document's asset and STIG metadata. The first document must
// have parsed; later failures are reported and skipped.
func MergeDocuments(docs []Document, opts *MergeOptions) (*Checklist, *MergeReport, error) {
	if len(docs) == 0 {
		return nil, nil, ErrNoChecklists
	}
	if opts == nil {
		opts = DefaultMergeOptions()
	}

	first := docs[0]
	if first.Err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", first.Name, first.Err)
	}
	if first.Checklist == nil {
		return nil, nil, fmt.Errorf("failed to parse %s: empty checklist", first.Name)
	}

	merged := &Checklist{
		Asset:           first.Checklist.Asset,
		STIGInfo:        first.Checklist.STIGInfo,
		Vulnerabilities: make([]Vulnerability, 0, len(first.Checklist.Vulnerabilities)),
	}
	merged.Vulnerabilities = append(merged.Vulnerabilities, first.Checklist.Vulnerabilities...)

	report := &MergeReport{
		Documents: len(docs),
		Merged:    1,
		Skipped:   []SkippedDocument{},
	}

	for _, doc := range docs[1:] {
		if doc.Err != nil || doc.Checklist == nil {
			reason := "empty checklist"
			if doc.Err != nil {
				reason = doc.Err.Error()
			}
			report.Skipped = append(report.Skipped, SkippedDocument{Name: doc.Name, Error: reason})
			continue
		}

		if drift := metadataDrift(first.Checklist, doc.Checklist); drift != "" {
			if opts.Policy == MetadataPolicyRequireMatch {
				return nil, nil, fmt.Errorf("%w: %s: %s", ErrMetadataMismatch, doc.Name, drift)
			}
			report.MetadataDrift = append(report.MetadataDrift, doc.Name+": "+drift)
		}

		merged.Vulnerabilities = append(merged.Vulnerabilities, doc.Checklist.Vulnerabilities...)
		report.Merged++
	}

	report.Findings = len(merged.Vulnerabilities)
	return merged, report, nil
}

// Merge combines already parsed checklists.
func Merge(lists []*Checklist, opts *MergeOptions) (*Checklist, error) {
	docs := make([]Document, len(lists))
	for i, c := range lists {
		docs[i] = Document{Name: fmt.Sprintf("checklist[%d]", i), Checklist: c}
	}
	merged, _, err := MergeDocuments(docs, opts)
	return merged, err
}

// MergeFiles parses each path in turn and merges the results.
func (p *Parser) MergeFiles(paths []string, opts *MergeOptions) (*Checklist, *MergeReport, error) {
	if len(paths) == 0 {
		return nil, nil, ErrNoChecklists
	}

	docs := make([]Document, len(paths))
	for i, path := range paths {
		c, err := p.ParseFile(path)
		docs[i] = Document{Name: path, Checklist: c, Err: err}
		if i == 0 && err != nil {
			break
		}
	}
	return MergeDocuments(docs, opts)
}

func metadataDrift(first, other *Checklist) string {
	switch {
	case first.Asset.HostName != other.Asset.HostName:
		return fmt.Sprintf("host %q differs from %q", other.Asset.HostName, first.Asset.HostName)
	case first.STIGInfo.STIGID != other.STIGInfo.STIGID:
		return fmt.Sprintf("stig %q differs from %q", other.STIGInfo.STIGID, first.STIGInfo.STIGID)
	}
	return ""
}
