// Package collect turns the output of a finished unit into result payloads.
package collect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/specialistvlad/gridbench/internal/errs"
)

// Output is what a collector sees of a finished unit.
type Output struct {
	Unit string
	// Dir resolves relative file patterns.
	Dir string
	// Files are glob patterns of artifact files. When empty the captured
	// output is parsed instead.
	Files    []string
	Captured string
}

// Collector converts unit output into zero or more result payloads. Each
// payload becomes the Data of one stored document.
type Collector interface {
	Process(ctx context.Context, out Output) ([]map[string]any, error)
}

// New returns the built-in collector called parser.
func New(parser string) (Collector, error) {
	switch parser {
	case "", "none":
		return None{}, nil
	case "json":
		return JSON{}, nil
	}
	return nil, errs.Configf("unknown collect parser %q", parser)
}

// None produces exactly one empty payload, so a unit stores one document.
type None struct{}

func (None) Process(context.Context, Output) ([]map[string]any, error) {
	return []map[string]any{{}}, nil
}

// JSON reads a JSON object, or an array of objects, from every matched file
// or, without files, from the last JSON line of the captured output.
type JSON struct{}

func (JSON) Process(ctx context.Context, out Output) ([]map[string]any, error) {
	if len(out.Files) == 0 {
		return fromOutput(out.Captured)
	}

	var files []string
	for _, pattern := range out.Files {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(out.Dir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errs.Configf("bad collect pattern %q: %v", pattern, err)
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("unit %s: no files match %v", out.Unit, out.Files)
	}

	var payloads []map[string]any
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		p, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		for _, m := range p {
			m["_file"] = filepath.Base(f)
		}
		payloads = append(payloads, p...)
	}
	return payloads, nil
}

func fromOutput(captured string) ([]map[string]any, error) {
	if p, err := decode([]byte(captured)); err == nil {
		return p, nil
	}
	lines := strings.Split(captured, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") && !strings.HasPrefix(line, "[") {
			continue
		}
		if p, err := decode([]byte(line)); err == nil {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no JSON result found in output")
}

func decode(data []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(data)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}

	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}, nil
	case []any:
		out := make([]map[string]any, 0, len(t))
		for i, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("element %d is not an object", i)
			}
			out = append(out, m)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected an object or an array of objects")
}
