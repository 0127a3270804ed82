package stigmapping

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/openctemio/stigmap/pkg/parsers/ckl"
)

// ErrInvalidFilter is returned for expressions that do not compile or do not
// evaluate to a boolean.
var ErrInvalidFilter = errors.New("invalid finding filter")

// Variables visible to filter expressions.
const (
	filterVarVulnNum  = "vuln_num"
	filterVarRuleID   = "rule_id"
	filterVarSTIGID   = "stig_id"
	filterVarSeverity = "severity"
	filterVarStatus   = "status"
	filterVarCCIRefs  = "cci_refs"
	filterVarOpen     = "open"
)

// FindingFilter is a compiled CEL expression over a single finding, e.g.
//
//	open && severity == "high"
//	"CCI-000015" in cci_refs
//
// The zero value and a filter compiled from an empty expression match every
// finding. A FindingFilter is safe for concurrent use.
type FindingFilter struct {
	expr    string
	program cel.Program
}

var filterEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(filterVarVulnNum, cel.StringType),
		cel.Variable(filterVarRuleID, cel.StringType),
		cel.Variable(filterVarSTIGID, cel.StringType),
		cel.Variable(filterVarSeverity, cel.StringType),
		cel.Variable(filterVarStatus, cel.StringType),
		cel.Variable(filterVarCCIRefs, cel.ListType(cel.StringType)),
		cel.Variable(filterVarOpen, cel.BoolType),
	)
})

// CompileFilter compiles expr.
func CompileFilter(expr string) (*FindingFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &FindingFilter{}, nil
	}

	env, err := filterEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create filter environment: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFilter, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: expression must be boolean, got %s", ErrInvalidFilter, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFilter, err)
	}
	return &FindingFilter{expr: expr, program: prg}, nil
}

// String returns the source expression.
func (f *FindingFilter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// IsEmpty reports whether the filter matches everything.
func (f *FindingFilter) IsEmpty() bool {
	return f == nil || f.program == nil
}

// Match evaluates the filter for one finding.
func (f *FindingFilter) Match(v *ckl.Vulnerability) (bool, error) {
	if f.IsEmpty() {
		return true, nil
	}

	refs := v.CCIRefs
	if refs == nil {
		refs = []string{}
	}
	out, _, err := f.program.Eval(map[string]any{
		filterVarVulnNum:  v.VulnNum,
		filterVarRuleID:   v.RuleID,
		filterVarSTIGID:   v.STIGID,
		filterVarSeverity: strings.ToLower(v.Severity),
		filterVarStatus:   v.Status,
		filterVarCCIRefs:  refs,
		filterVarOpen:     v.IsOpen(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter on %s: %w", v.VulnNum, err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression returned %T", ErrInvalidFilter, out.Value())
	}
	return matched, nil
}

// Apply returns a copy of c holding only the matching findings, in order.
func (f *FindingFilter) Apply(c *ckl.Checklist) (*ckl.Checklist, error) {
	if c == nil {
		return nil, nil
	}
	out := &ckl.Checklist{
		Asset:           c.Asset,
		STIGInfo:        c.STIGInfo,
		Vulnerabilities: make([]ckl.Vulnerability, 0, len(c.Vulnerabilities)),
	}
	for i := range c.Vulnerabilities {
		ok, err := f.Match(&c.Vulnerabilities[i])
		if err != nil {
			return nil, err
		}
		if ok {
			out.Vulnerabilities = append(out.Vulnerabilities, c.Vulnerabilities[i])
		}
	}
	return out, nil
}
