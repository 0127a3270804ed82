// Package xmlstream holds the token-level plumbing shared by the DISA XML
// parsers: decoder construction with charset and byte order mark handling,
// and a syntax error type that reports where a document broke.
package xmlstream

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/net/html/charset"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Document structure errors.
var (
	ErrNoRoot        = errors.New("no root element")
	ErrMultipleRoots = errors.New("multiple root elements")
	ErrOutsideRoot   = errors.New("text outside root element")
)

// SyntaxError reports a malformed document. Offset is the byte position in
// the decoded stream where the decoder stopped.
type SyntaxError struct {
	Offset int64
	Line   int
	Err    error
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed XML at offset %d (line %d): %v", e.Offset, e.Line, e.Err)
	}
	return fmt.Sprintf("malformed XML at offset %d: %v", e.Offset, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Decoder wraps xml.Decoder so callers get SyntaxError values instead of
// raw encoding/xml errors. It also enforces exactly one root element, which
// encoding/xml does not.
type Decoder struct {
	dec      *xml.Decoder
	depth    int
	rootSeen bool
}

// NewDecoder returns a decoder over r. A leading byte order mark is consumed
// (UTF-16 input is transcoded to UTF-8) and non-UTF-8 encoding declarations
// are honoured through the charset registry.
func NewDecoder(r io.Reader) *Decoder {
	bom := xunicode.BOMOverride(transform.Nop)
	dec := xml.NewDecoder(transform.NewReader(r, bom))
	dec.CharsetReader = charsetReader
	return &Decoder{dec: dec}
}

// NewBytesDecoder is NewDecoder over an in-memory document.
func NewBytesDecoder(data []byte) *Decoder {
	return NewDecoder(bytes.NewReader(data))
}

// Token returns the next token. It returns io.EOF at the end of a well
// formed document and a *SyntaxError for anything else.
func (d *Decoder) Token() (xml.Token, error) {
	tok, err := d.dec.Token()
	if err == nil {
		if serr := d.track(tok); serr != nil {
			return nil, serr
		}
		return tok, nil
	}
	if errors.Is(err, io.EOF) {
		if !d.rootSeen {
			return nil, d.syntaxError(ErrNoRoot)
		}
		return nil, io.EOF
	}
	return nil, d.syntaxError(err)
}

func (d *Decoder) track(tok xml.Token) error {
	switch t := tok.(type) {
	case xml.StartElement:
		if d.depth == 0 {
			if d.rootSeen {
				return d.syntaxError(ErrMultipleRoots)
			}
			d.rootSeen = true
		}
		d.depth++
	case xml.EndElement:
		d.depth--
	case xml.CharData:
		if d.depth == 0 && strings.IndexFunc(string(t), isNotSpace) >= 0 {
			return d.syntaxError(ErrOutsideRoot)
		}
	}
	return nil
}

func isNotSpace(r rune) bool {
	return !unicode.IsSpace(r)
}

func (d *Decoder) syntaxError(err error) *SyntaxError {
	serr := &SyntaxError{Offset: d.dec.InputOffset(), Err: err}
	var xerr *xml.SyntaxError
	if errors.As(err, &xerr) {
		serr.Line = xerr.Line
	}
	return serr
}

// InputOffset returns the current byte offset in the decoded stream.
func (d *Decoder) InputOffset() int64 {
	return d.dec.InputOffset()
}

// Attr returns the value of the attribute with the given local name.
func Attr(el xml.StartElement, name string) (string, bool) {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	// Input already passed through the BOM transformer as UTF-8.
	if strings.EqualFold(label, "utf-16") || strings.EqualFold(label, "utf16") {
		return input, nil
	}
	return charset.NewReaderLabel(label, input)
}
