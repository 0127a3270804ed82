package cci

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

// ErrInvalidCatalog is returned when the CCI list is not well formed XML.
var ErrInvalidCatalog = errors.New("invalid CCI catalog")

// Element names in the CCI list. Matching is on local name so the
// namespace DISA puts on the root element does not matter.
const (
	elemItem        = "cci_item"
	elemDefinition  = "definition"
	elemType        = "type"
	elemStatus      = "status"
	elemPublishDate = "publishdate"
	elemReferences  = "references"
	elemReference   = "reference"
)

// Defaults for Options.
const (
	DefaultReferenceTitle = "NIST SP 800-53"
	DefaultTitleLength    = 100
)

// Options configures the parser behavior.
type Options struct {
	// ReferenceTitle is the substring a reference title must contain for
	// its index to be taken as a control id.
	ReferenceTitle string

	// TitleLength caps the derived title of a definition with no period.
	TitleLength int
}

// DefaultOptions returns the default parser options.
func DefaultOptions() *Options {
	return &Options{
		ReferenceTitle: DefaultReferenceTitle,
		TitleLength:    DefaultTitleLength,
	}
}

// Parser parses CCI list documents. A Parser holds no per-document state
// and is safe for concurrent use.
type Parser struct {
	opts *Options
}

// NewParser creates a new CCI parser with the given options.
// If opts is nil, default options are used.
func NewParser(opts *Options) *Parser {
	if opts == nil {
		opts = DefaultOptions()
	}
	resolved := *opts
	if resolved.ReferenceTitle == "" {
		resolved.ReferenceTitle = DefaultReferenceTitle
	}
	if resolved.TitleLength <= 0 {
		resolved.TitleLength = DefaultTitleLength
	}
	return &Parser{opts: &resolved}
}

// ParseFile parses a CCI list from the given path.
func (p *Parser) ParseFile(path string) ([]Item, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// ParseBytes parses a CCI list held in memory.
func (p *Parser) ParseBytes(data []byte) ([]Item, error) {
	return p.Parse(bytes.NewReader(data))
}

// Parse reads a CCI list from r and returns its items in document order.
func (p *Parser) Parse(r io.Reader) ([]Item, error) {
	dec := xmlstream.NewDecoder(r)

	var (
		items        []Item
		current      *Item
		inReferences bool
		text         strings.Builder
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			text.Reset()
			switch t.Name.Local {
			case elemItem:
				id, _ := xmlstream.Attr(t, "id")
				current = &Item{ID: strings.TrimSpace(id), NISTControls: []string{}}
				inReferences = false
			case elemReferences:
				inReferences = true
			case elemReference:
				if current != nil && inReferences {
					p.applyReference(current, t)
				}
			}

		case xml.CharData:
			text.Write(t)

		case xml.EndElement:
			if current == nil {
				continue
			}
			value := strings.TrimSpace(text.String())
			switch t.Name.Local {
			case elemDefinition:
				current.Definition = value
				current.Title = deriveTitle(value, p.opts.TitleLength)
			case elemType:
				current.Type = value
			case elemStatus:
				current.Status = value
			case elemPublishDate:
				current.PublishDate = value
			case elemReferences:
				inReferences = false
			case elemItem:
				if current.ID != "" {
					items = append(items, *current)
				}
				current = nil
			}
			text.Reset()
		}
	}

	if items == nil {
		items = []Item{}
	}
	return items, nil
}

func (p *Parser) applyReference(item *Item, el xml.StartElement) {
	title, _ := xmlstream.Attr(el, "title")
	if !strings.Contains(title, p.opts.ReferenceTitle) {
		return
	}
	index, _ := xmlstream.Attr(el, "index")
	item.addControl(strings.TrimSpace(index))
}

// deriveTitle returns the first sentence of a definition. A definition
// without a period is cut to limit runes.
func deriveTitle(definition string, limit int) string {
	if i := strings.IndexByte(definition, '.'); i >= 0 {
		return definition[:i]
	}
	runes := []rune(definition)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return definition
}
