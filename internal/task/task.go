// Package task builds execution units: one fully resolved run of a stage's
// shell against one variable binding and one repetition.
package task

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/expr"
	"github.com/specialistvlad/gridbench/internal/matrix"
)

// Unit is one schedulable job.
type Unit struct {
	Stage *config.Stage
	// BindingOrdinal and Repetition are 1-based.
	BindingOrdinal int
	Repetition     int
	Binding        matrix.Binding
	// Index is the resolved index map attached to every result document.
	Index  map[string]string
	Weight int
	// Fingerprint names the cache entry. Empty when caching is disabled.
	Fingerprint string
	// Scope is the full template scope of the unit.
	Scope      *expr.Scope
	ScriptPath string
	LogPath    string
}

// ID is "<stage#>.<binding#>.<rep#>".
func (u *Unit) ID() string {
	return fmt.Sprintf("%d.%d.%d", u.Stage.Ordinal, u.BindingOrdinal, u.Repetition)
}

// Name is the display name, the ID followed by the stage name.
func (u *Unit) Name() string {
	return u.ID() + " " + u.Stage.Name
}

// Script renders the generated script: a dump of the resolved variables,
// then init, then the stage shell. Each part is rendered on its own.
func (u *Unit) Script(init hcl.Expression) (string, error) {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	fmt.Fprintf(&b, "# %s\n", u.Name())

	if u.Binding.Len() > 0 {
		b.WriteString("#\n# variables:\n")
		for _, name := range u.Binding.Names() {
			v, _ := u.Binding.Get(name)
			fmt.Fprintf(&b, "#   %s = %s\n", name, oneLine(expr.MustString(v)))
		}
	}
	if len(u.Index) > 0 {
		b.WriteString("#\n# index:\n")
		for _, k := range sortedKeys(u.Index) {
			fmt.Fprintf(&b, "#   %s = %s\n", k, oneLine(u.Index[k]))
		}
	}

	if init != nil {
		s, err := expr.Render(init, u.Scope)
		if err != nil {
			return "", fmt.Errorf("render project init: %w", err)
		}
		b.WriteString("\n")
		b.WriteString(withNewline(s))
	}

	s, err := expr.Render(u.Stage.Shell, u.Scope)
	if err != nil {
		return "", fmt.Errorf("render shell of %s: %w", u.Name(), err)
	}
	b.WriteString("\n")
	b.WriteString(withNewline(s))
	return b.String(), nil
}

// WriteScript renders the script into dir/<stage>/<id>.sh and sets
// ScriptPath and LogPath.
func (u *Unit) WriteScript(dir string, init hcl.Expression) error {
	text, err := u.Script(init)
	if err != nil {
		return err
	}
	stageDir := filepath.Join(dir, u.Stage.Name)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return fmt.Errorf("create script directory: %w", err)
	}
	u.ScriptPath = filepath.Join(stageDir, u.ID()+".sh")
	u.LogPath = filepath.Join(stageDir, u.ID()+".log")
	if err := os.WriteFile(u.ScriptPath, []byte(text), 0o755); err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	return nil
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}
