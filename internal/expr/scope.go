package expr

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Functions available to every template.
var Functions = map[string]function.Function{
	"abs":        stdlib.AbsoluteFunc,
	"ceil":       stdlib.CeilFunc,
	"coalesce":   stdlib.CoalesceFunc,
	"concat":     stdlib.ConcatFunc,
	"floor":      stdlib.FloorFunc,
	"format":     stdlib.FormatFunc,
	"join":       stdlib.JoinFunc,
	"jsonencode": stdlib.JSONEncodeFunc,
	"length":     stdlib.LengthFunc,
	"lower":      stdlib.LowerFunc,
	"max":        stdlib.MaxFunc,
	"min":        stdlib.MinFunc,
	"replace":    stdlib.ReplaceFunc,
	"split":      stdlib.SplitFunc,
	"substr":     stdlib.SubstrFunc,
	"trimprefix": stdlib.TrimPrefixFunc,
	"trimspace":  stdlib.TrimSpaceFunc,
	"trimsuffix": stdlib.TrimSuffixFunc,
	"upper":      stdlib.UpperFunc,
}

// Scope is a set of named values that templates can reference. Later Set
// calls shadow earlier ones with the same name.
type Scope struct {
	vars map[string]cty.Value
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{vars: make(map[string]cty.Value)}
}

// Set binds name to v.
func (s *Scope) Set(name string, v cty.Value) *Scope {
	s.vars[name] = v
	return s
}

// SetStrings binds name to an object whose attributes are the entries of m.
func (s *Scope) SetStrings(name string, m map[string]string) *Scope {
	attrs := make(map[string]cty.Value, len(m))
	for k, v := range m {
		attrs[k] = cty.StringVal(v)
	}
	return s.Set(name, cty.ObjectVal(attrs))
}

// Merge binds every entry of vals.
func (s *Scope) Merge(vals map[string]cty.Value) *Scope {
	for k, v := range vals {
		s.vars[k] = v
	}
	return s
}

// Clone returns an independent copy.
func (s *Scope) Clone() *Scope {
	c := NewScope()
	return c.Merge(s.vars)
}

// Has reports whether name is bound.
func (s *Scope) Has(name string) bool {
	_, ok := s.vars[name]
	return ok
}

// Names returns the bound names in sorted order.
func (s *Scope) Names() []string {
	out := make([]string, 0, len(s.vars))
	for k := range s.vars {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Environ converts "KEY=value" pairs, as returned by os.Environ, into an
// object suitable for the env root.
func Environ(environ []string) cty.Value {
	attrs := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		attrs[k] = cty.StringVal(v)
	}
	if len(attrs) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(attrs)
}

// EvalContext builds the HCL evaluation context for the scope.
func (s *Scope) EvalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(s.vars))
	for k, v := range s.vars {
		vars[k] = v
	}
	return &hcl.EvalContext{Variables: vars, Functions: Functions}
}

// ParseTemplate parses src as an HCL template such as "run-${name}".
func ParseTemplate(src, filename string) (hcl.Expression, error) {
	e, diags := hclsyntax.ParseTemplate([]byte(src), filename, hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		return nil, diags
	}
	return e, nil
}

// Literal wraps a constant string as an expression.
func Literal(s string) hcl.Expression {
	return hcl.StaticExpr(cty.StringVal(s), hcl.Range{})
}

// Eval evaluates e against the scope.
func Eval(e hcl.Expression, s *Scope) (cty.Value, error) {
	if e == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	v, diags := e.Value(s.EvalContext())
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	return v, nil
}

// Render evaluates e and formats the result as a string.
func Render(e hcl.Expression, s *Scope) (string, error) {
	v, err := Eval(e, s)
	if err != nil {
		return "", err
	}
	return String(v)
}

// EvalInt evaluates e and requires a whole number.
func EvalInt(e hcl.Expression, s *Scope) (int, error) {
	v, err := Eval(e, s)
	if err != nil {
		return 0, err
	}
	return Int(v)
}

// Int converts v to a Go int. Numeric strings are accepted.
func Int(v cty.Value) (int, error) {
	if v.IsNull() {
		return 0, fmt.Errorf("expected a number, got null")
	}
	if !v.IsKnown() {
		return 0, fmt.Errorf("expected a number, got an unknown value")
	}
	n, err := convert.Convert(v, cty.Number)
	if err != nil {
		return 0, fmt.Errorf("expected a number: %w", err)
	}
	bf := n.AsBigFloat()
	if !bf.IsInt() {
		return 0, fmt.Errorf("expected a whole number, got %s", bf.Text('f', -1))
	}
	i, acc := bf.Int64()
	if acc != big.Exact {
		return 0, fmt.Errorf("number %s out of range", bf.Text('f', -1))
	}
	return int(i), nil
}

// String formats v the way it should appear in a shell script or index
// value. Primitives print plainly, collections as JSON, null as "".
func String(v cty.Value) (string, error) {
	if v.IsNull() {
		return "", nil
	}
	if !v.IsWhollyKnown() {
		return "", fmt.Errorf("value is not known")
	}
	switch v.Type() {
	case cty.String:
		return v.AsString(), nil
	case cty.Number:
		return v.AsBigFloat().Text('f', -1), nil
	case cty.Bool:
		if v.True() {
			return "true", nil
		}
		return "false", nil
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MustString is String for values already known to be printable.
func MustString(v cty.Value) string {
	s, err := String(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return s
}

// FromGo converts a decoded YAML or JSON scalar, list or map into a cty value.
func FromGo(in any) (cty.Value, error) {
	switch t := in.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(t), nil
	case bool:
		return cty.BoolVal(t), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case uint64:
		return cty.NumberUIntVal(t), nil
	case float64:
		return cty.NumberFloatVal(t), nil
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		vals := make([]cty.Value, len(t))
		for i, item := range t {
			v, err := FromGo(item)
			if err != nil {
				return cty.NilVal, err
			}
			vals[i] = v
		}
		return cty.TupleVal(vals), nil
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, item := range t {
			v, err := FromGo(item)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = v
		}
		return cty.ObjectVal(attrs), nil
	}
	return cty.NilVal, fmt.Errorf("unsupported value of type %T", in)
}
