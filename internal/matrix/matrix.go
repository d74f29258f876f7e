// Package matrix expands a stage's variable declarations into the ordered
// list of concrete bindings the stage runs with.
package matrix

import (
	"fmt"
	"strings"

	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/expr"
	"github.com/zclconf/go-cty/cty"
)

// Kind selects how the variables of a Group combine.
type Kind int

const (
	// Matrix takes the cross product of the value lists.
	Matrix Kind = iota
	// Table aligns value lists by position and broadcasts scalars.
	Table
)

func (k Kind) String() string {
	if k == Table {
		return "table"
	}
	return "matrix"
}

// Var is one named variable. A Scalar var holds exactly one value that is
// used for every row of a table.
type Var struct {
	Name   string
	Values []cty.Value
	Scalar bool
}

// Group is a set of variables expanded together.
type Group struct {
	Kind Kind
	Vars []Var
}

// Spec is the full variables declaration of a stage. Groups combine by cross
// product in declaration order.
type Spec []Group

// Binding is one concrete assignment of every variable.
type Binding struct {
	names  []string
	values map[string]cty.Value
}

// Names returns the variable names in declaration order.
func (b Binding) Names() []string { return b.names }

// Len returns the number of variables.
func (b Binding) Len() int { return len(b.names) }

// Get returns the value of name.
func (b Binding) Get(name string) (cty.Value, bool) {
	v, ok := b.values[name]
	return v, ok
}

// Values returns a copy of the binding as a map.
func (b Binding) Values() map[string]cty.Value {
	out := make(map[string]cty.Value, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

// Strings renders every value with expr.String.
func (b Binding) Strings() map[string]string {
	out := make(map[string]string, len(b.values))
	for k, v := range b.values {
		out[k] = expr.MustString(v)
	}
	return out
}

// Object returns the binding as a cty object.
func (b Binding) Object() cty.Value {
	if len(b.values) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(b.Values())
}

// String renders "a=1 b=x" in declaration order.
func (b Binding) String() string {
	parts := make([]string, len(b.names))
	for i, n := range b.names {
		parts[i] = n + "=" + expr.MustString(b.values[n])
	}
	return strings.Join(parts, " ")
}

func (b Binding) with(name string, v cty.Value) Binding {
	nb := Binding{
		names:  append(append(make([]string, 0, len(b.names)+1), b.names...), name),
		values: make(map[string]cty.Value, len(b.values)+1),
	}
	for k, val := range b.values {
		nb.values[k] = val
	}
	nb.values[name] = v
	return nb
}

// Expand produces every binding of spec in a deterministic order: the first
// declared variable is the outermost loop. An empty spec yields exactly one
// empty binding.
func Expand(spec Spec) ([]Binding, error) {
	if err := validate(spec); err != nil {
		return nil, err
	}

	out := []Binding{{values: map[string]cty.Value{}}}
	for _, g := range spec {
		rows, err := g.rows()
		if err != nil {
			return nil, err
		}
		next := make([]Binding, 0, len(out)*len(rows))
		for _, b := range out {
			for _, row := range rows {
				nb := b
				for i, v := range g.Vars {
					nb = nb.with(v.Name, row[i])
				}
				next = append(next, nb)
			}
		}
		out = next
	}
	return out, nil
}

// Count returns the number of bindings Expand would produce without building
// them.
func Count(spec Spec) (int, error) {
	if err := validate(spec); err != nil {
		return 0, err
	}
	total := 1
	for _, g := range spec {
		n, err := g.size()
		if err != nil {
			return 0, err
		}
		total *= n
	}
	return total, nil
}

func validate(spec Spec) error {
	seen := make(map[string]bool)
	for _, g := range spec {
		for _, v := range g.Vars {
			if v.Name == "" {
				return errs.Configf("variable with empty name")
			}
			if seen[v.Name] {
				return errs.Configf("variable %q declared more than once", v.Name)
			}
			seen[v.Name] = true
			if v.Scalar && len(v.Values) != 1 {
				return errs.Configf("scalar variable %q must have exactly one value", v.Name)
			}
		}
	}
	return nil
}

// size is the number of rows the group contributes.
func (g Group) size() (int, error) {
	if len(g.Vars) == 0 {
		return 1, nil
	}
	if g.Kind == Matrix {
		n := 1
		for _, v := range g.Vars {
			n *= len(v.Values)
		}
		return n, nil
	}

	length := -1
	for _, v := range g.Vars {
		if v.Scalar {
			continue
		}
		switch {
		case length == -1:
			length = len(v.Values)
		case len(v.Values) != length:
			return 0, errs.Configf("table variable %q has %d values, expected %d", v.Name, len(v.Values), length)
		}
	}
	if length == -1 {
		return 1, nil
	}
	return length, nil
}

// rows returns the value tuples of the group, one entry per variable.
func (g Group) rows() ([][]cty.Value, error) {
	n, err := g.size()
	if err != nil {
		return nil, err
	}
	if len(g.Vars) == 0 {
		return [][]cty.Value{{}}, nil
	}

	switch g.Kind {
	case Matrix:
		rows := [][]cty.Value{{}}
		for _, v := range g.Vars {
			next := make([][]cty.Value, 0, len(rows)*len(v.Values))
			for _, r := range rows {
				for _, val := range v.Values {
					row := append(append(make([]cty.Value, 0, len(r)+1), r...), val)
					next = append(next, row)
				}
			}
			rows = next
		}
		return rows, nil
	case Table:
		rows := make([][]cty.Value, n)
		for i := range rows {
			row := make([]cty.Value, len(g.Vars))
			for j, v := range g.Vars {
				if v.Scalar {
					row[j] = v.Values[0]
				} else {
					row[j] = v.Values[i]
				}
			}
			rows[i] = row
		}
		return rows, nil
	}
	return nil, fmt.Errorf("unknown variable group kind %d", g.Kind)
}

// Values converts a cty list, set or tuple into a slice. Any other value is
// returned as a single-element slice with scalar set to true.
func Values(v cty.Value) (vals []cty.Value, scalar bool) {
	if v.IsNull() || !v.IsKnown() {
		return []cty.Value{v}, true
	}
	t := v.Type()
	if t.IsListType() || t.IsSetType() || t.IsTupleType() {
		out := make([]cty.Value, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			out = append(out, ev)
		}
		return out, false
	}
	return []cty.Value{v}, true
}
