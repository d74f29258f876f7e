// Package expr evaluates the HCL template expressions used throughout a
// project definition and analyzes which variables and functions they use.
package expr

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// Container gathers expressions and reports the variable roots and function
// names they reference.
type Container struct {
	analyzeOnce sync.Once

	mu          sync.RWMutex
	expressions []hcl.Expression

	roots           []string
	calledFunctions []string
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{}
}

// Add appends expressions for analysis, ignoring nils.
func (c *Container) Add(exprs ...hcl.Expression) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Adds happen while a project is being loaded, before any getter runs.
	c.analyzeOnce = sync.Once{}

	for _, e := range exprs {
		if e != nil {
			c.expressions = append(c.expressions, e)
		}
	}
}

func (c *Container) analyze() {
	c.analyzeOnce.Do(func() {
		c.mu.RLock()
		roots, funcs := extractRootsAndFunctions(c.expressions...)
		c.mu.RUnlock()

		c.mu.Lock()
		c.roots = roots
		c.calledFunctions = funcs
		c.mu.Unlock()
	})
}

// Roots returns the sorted, unique root names of every variable traversal.
func (c *Container) Roots() []string {
	c.analyze()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roots
}

// CalledFunctions returns the sorted, unique names of every function call.
func (c *Container) CalledFunctions() []string {
	c.analyze()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calledFunctions
}

func extractRootsAndFunctions(exprs ...hcl.Expression) ([]string, []string) {
	roots := make(map[string]struct{})
	functions := make(map[string]struct{})

	for _, e := range exprs {
		for _, traversal := range e.Variables() {
			roots[traversal.RootName()] = struct{}{}
		}
		if syntaxExpr, ok := e.(hclsyntax.Expression); ok {
			walkForFunctions(syntaxExpr, functions)
		}
	}
	return sortedKeys(roots), sortedKeys(functions)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// walkForFunctions collects function call names, which Variables() does not
// report.
func walkForFunctions(e hclsyntax.Expression, functions map[string]struct{}) {
	if e == nil {
		return
	}
	switch e := e.(type) {
	case *hclsyntax.FunctionCallExpr:
		functions[e.Name] = struct{}{}
		for _, arg := range e.Args {
			walkForFunctions(arg, functions)
		}
	case *hclsyntax.BinaryOpExpr:
		walkForFunctions(e.LHS, functions)
		walkForFunctions(e.RHS, functions)
	case *hclsyntax.ConditionalExpr:
		walkForFunctions(e.Condition, functions)
		walkForFunctions(e.TrueResult, functions)
		walkForFunctions(e.FalseResult, functions)
	case *hclsyntax.UnaryOpExpr:
		walkForFunctions(e.Val, functions)
	case *hclsyntax.TemplateExpr:
		for _, part := range e.Parts {
			walkForFunctions(part, functions)
		}
	case *hclsyntax.TemplateWrapExpr:
		walkForFunctions(e.Wrapped, functions)
	case *hclsyntax.TupleConsExpr:
		for _, item := range e.Exprs {
			walkForFunctions(item, functions)
		}
	case *hclsyntax.ObjectConsExpr:
		for _, item := range e.Items {
			walkForFunctions(item.KeyExpr, functions)
			walkForFunctions(item.ValueExpr, functions)
		}
	case *hclsyntax.ForExpr:
		walkForFunctions(e.CollExpr, functions)
		walkForFunctions(e.KeyExpr, functions)
		walkForFunctions(e.ValExpr, functions)
		walkForFunctions(e.CondExpr, functions)
	case *hclsyntax.IndexExpr:
		walkForFunctions(e.Collection, functions)
		walkForFunctions(e.Key, functions)
	case *hclsyntax.SplatExpr:
		walkForFunctions(e.Source, functions)
		walkForFunctions(e.Each, functions)
	case *hclsyntax.ParenthesesExpr:
		walkForFunctions(e.Expression, functions)
	}
}

// Check returns an error naming the first variable root rejected by known, or
// the first call to a function missing from Functions.
func (c *Container) Check(known func(root string) bool) error {
	for _, name := range c.CalledFunctions() {
		if _, ok := Functions[name]; !ok {
			return fmt.Errorf("call to unknown function %q", name)
		}
	}
	for _, root := range c.Roots() {
		if !known(root) {
			return fmt.Errorf("reference to unknown variable %q", root)
		}
	}
	return nil
}
