/*
Package ckl reads and writes DISA STIG Viewer checklists (.ckl).

A checklist describes one target asset, the benchmark (STIG) it was
assessed against and one entry per rule with its status and the CCI
references that tie it back to policy.

# Parsing

	parser := ckl.NewParser(nil)
	checklist, err := parser.ParseFile("host.ckl")

Parsing is a single pass over the token stream. Unknown elements are
skipped, missing fields are left empty, and a document that is not well
formed fails with an error matching ErrInvalidChecklist.

# Merging

Several checklists for the same asset can be combined:

	merged, report, err := parser.MergeFiles(paths, nil)

The first document supplies the asset and benchmark metadata. Later
documents only contribute findings; the ones that fail to parse are listed
in the MergeReport rather than failing the merge.

# Writing

	data := ckl.Marshal(checklist)

The writer emits the STIG Viewer 2.18 layout with a fixed element order, so
output is stable and re-parses to an equal Checklist.
*/
package ckl
