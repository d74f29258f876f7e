package expr_test

import (
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/specialistvlad/gridbench/internal/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

// parseExpr is a test helper to quickly get an hcl.Expression from a string.
func parseExpr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	e, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.Pos{Line: 1, Column: 1})
	require.False(t, diags.HasErrors(), "expression parsing failed: %s", diags.Error())
	return e
}

func parseTemplate(t *testing.T, src string) hcl.Expression {
	t.Helper()
	e, err := expr.ParseTemplate(src, "test.yaml")
	require.NoError(t, err)
	return e
}

func TestContainer_RootsAndFunctions(t *testing.T) {
	c := expr.NewContainer()
	c.Add(
		parseExpr(t, `upper(git.main.short)`),
		parseExpr(t, `threads * 2`),
		parseTemplate(t, `bench-${lower(project.name)}-${threads}`),
		nil,
	)

	assert.Equal(t, []string{"git", "project", "threads"}, c.Roots())
	assert.Equal(t, []string{"lower", "upper"}, c.CalledFunctions())
}

func TestContainer_AddAfterAnalyze(t *testing.T) {
	c := expr.NewContainer()
	c.Add(parseExpr(t, `a`))
	require.Equal(t, []string{"a"}, c.Roots())

	c.Add(parseExpr(t, `b`))
	assert.Equal(t, []string{"a", "b"}, c.Roots())
}

func TestContainer_Check(t *testing.T) {
	known := func(root string) bool { return root == "git" || root == "threads" }

	c := expr.NewContainer()
	c.Add(parseTemplate(t, `${git.main.commit}-${threads}`))
	require.NoError(t, c.Check(known))

	c = expr.NewContainer()
	c.Add(parseTemplate(t, `${nope}`))
	err := c.Check(known)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"nope"`)

	c = expr.NewContainer()
	c.Add(parseExpr(t, `explode(threads)`))
	err = c.Check(known)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"explode"`)
}

func TestRender(t *testing.T) {
	scope := expr.NewScope().
		Set("threads", cty.NumberIntVal(4)).
		SetStrings("project", map[string]string{"name": "Bench"}).
		Set("sizes", cty.TupleVal([]cty.Value{cty.NumberIntVal(1), cty.StringVal("x")}))

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"literal", `plain text`, "plain text"},
		{"number", `${threads}`, "4"},
		{"interpolation", `make -j${threads} ${lower(project.name)}`, "make -j4 bench"},
		{"arithmetic", `${threads * 2}`, "8"},
		{"collection is json", `${sizes}`, `[1,"x"]`},
		{"directive", `%{ if threads > 2 }big%{ else }small%{ endif }`, "big"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := expr.Render(parseTemplate(t, tc.src), scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRender_UnknownVariable(t *testing.T) {
	_, err := expr.Render(parseTemplate(t, `${missing}`), expr.NewScope())
	require.Error(t, err)
}

func TestEvalInt(t *testing.T) {
	scope := expr.NewScope().Set("threads", cty.NumberIntVal(3)).Set("label", cty.StringVal("6"))

	n, err := expr.EvalInt(parseExpr(t, `threads * 2`), scope)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = expr.EvalInt(parseExpr(t, `label`), scope)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	_, err = expr.EvalInt(parseExpr(t, `threads / 2`), scope)
	require.Error(t, err, "1.5 is not a whole number")

	_, err = expr.EvalInt(parseExpr(t, `"many"`), scope)
	require.Error(t, err)
}

func TestScope_CloneIsIndependent(t *testing.T) {
	base := expr.NewScope().Set("a", cty.StringVal("1"))
	child := base.Clone().Set("a", cty.StringVal("2")).Set("b", cty.True)

	assert.Equal(t, []string{"a"}, base.Names())
	assert.Equal(t, []string{"a", "b"}, child.Names())

	got, err := expr.Render(parseTemplate(t, `${a}`), base)
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestFromGo(t *testing.T) {
	v, err := expr.FromGo(map[string]any{
		"n":    1,
		"f":    1.5,
		"s":    "x",
		"b":    true,
		"list": []any{"a", 2},
	})
	require.NoError(t, err)

	s, err := expr.String(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1,"f":1.5,"s":"x","b":true,"list":["a",2]}`, s)

	_, err = expr.FromGo(struct{}{})
	require.Error(t, err)
}

func TestEnviron(t *testing.T) {
	v := expr.Environ([]string{"HOME=/root", "EMPTY=", "A=b=c", "broken"})
	scope := expr.NewScope().Set("env", v)

	got, err := expr.Render(parseTemplate(t, `${env.HOME}|${env.EMPTY}|${env.A}`), scope)
	require.NoError(t, err)
	assert.Equal(t, "/root||b=c", got)

	assert.True(t, expr.Environ(nil).RawEquals(cty.EmptyObjectVal))
}
