/*
Package cci parses the DISA Control Correlation Identifier (CCI) list.

The CCI list ties each CCI to one or more policy references. A reference
contributes its index as a control identifier when its title contains
"NIST SP 800-53" and the index is not blank. Identifiers are deduplicated
per item and keep first-seen order.

# Basic Usage

	parser := cci.NewParser(nil)
	items, err := parser.ParseFile("U_CCI_List.xml")
	if err != nil {
		return err
	}
	lookup := cci.NewLookup(items)
	controls := lookup.Controls("CCI-000015")

The parser is lenient: unknown elements are skipped and items without an id
attribute are dropped. Documents that are not well formed fail with an error
matching ErrInvalidCatalog that also unwraps to *xmlstream.SyntaxError.
*/
package cci
