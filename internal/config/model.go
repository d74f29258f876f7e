package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/matrix"
	"github.com/specialistvlad/gridbench/internal/repeat"
	"github.com/specialistvlad/gridbench/internal/shell"
	"github.com/zclconf/go-cty/cty"
)

// OnError is a stage's failure policy.
type OnError string

const (
	// Continue records the failure and keeps running the remaining units.
	Continue OnError = "continue"
	// Break stops the stage and the rest of the current pipeline.
	Break OnError = "break"
	// Exit stops the whole run with a non-zero exit code.
	Exit OnError = "exit"
)

// ParseOnError validates s. The empty string means Break.
func ParseOnError(s string) (OnError, error) {
	switch p := OnError(s); p {
	case "":
		return Break, nil
	case Continue, Break, Exit:
		return p, nil
	}
	return "", errs.Configf("unknown on_error policy %q (want continue, break or exit)", s)
}

// Model is the unified, format-agnostic representation of one project file
// set.
type Model struct {
	Project *Project
	// Stages declared outside a project block, merged into it by Merge.
	Stages []*Stage
}

// Project is everything needed to run stages against a working copy.
type Project struct {
	Name    string
	Workdir string
	// Init is shell prepended to every generated script.
	Init hcl.Expression
	// LogDir holds generated scripts and log files. Relative to Workdir.
	LogDir string
	// UseStore enables the result store.
	UseStore bool
	// Globals are available to every template by name.
	Globals map[string]cty.Value
	// Repos lists tracked repositories; the first is the main one.
	Repos  []Repo
	Stages []*Stage
}

// Repo is a tracked git repository.
type Repo struct {
	Name string
	// Path of the working copy, relative to the project workdir.
	Path string
	URL  string
	// Commit and Branch pin the repository. Empty means whatever is checked
	// out.
	Commit string
	Branch string
}

// Stage is one declarative unit of work.
type Stage struct {
	Name string
	// Ordinal is the 1-based position within the project.
	Ordinal   int
	Shell     hcl.Expression
	Variables matrix.Spec
	Repeat    repeat.Spec
	Parallel  ParallelSpec
	Cache     CacheSpec
	// Index maps result attribute names to templates.
	Index   map[string]hcl.Expression
	OnError OnError
	Collect CollectSpec
	Output  shell.OutputMode
	// Timeout kills a unit's process group when exceeded. Zero disables it.
	Timeout time.Duration
}

// ParallelSpec is a stage's CPU budget.
type ParallelSpec struct {
	CPUs int
	// CPUPerUnit is evaluated per binding. Nil means one CPU per unit.
	CPUPerUnit hcl.Expression
}

// CacheSpec configures the build cache of a stage.
type CacheSpec struct {
	Enabled bool
	Root    string
	Dirs    []string
}

// CollectSpec configures artifact collection of a stage.
type CollectSpec struct {
	Enabled bool
	Parser  string
	Files   []string
	// UploadLogs sends each unit's captured output to the object store.
	UploadLogs bool
}

// MainRepo returns the first tracked repository, or nil.
func (p *Project) MainRepo() *Repo {
	if len(p.Repos) == 0 {
		return nil
	}
	return &p.Repos[0]
}

// Repo returns the tracked repository called name.
func (p *Project) Repo(name string) (*Repo, bool) {
	for i := range p.Repos {
		if p.Repos[i].Name == name {
			return &p.Repos[i], true
		}
	}
	return nil, false
}

// Stage returns the stage called name.
func (p *Project) Stage(name string) (*Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Select returns the named stages in the order given. No names selects every
// stage.
func (p *Project) Select(names ...string) ([]*Stage, error) {
	if len(names) == 0 {
		return p.Stages, nil
	}
	out := make([]*Stage, 0, len(names))
	for _, n := range names {
		s, ok := p.Stage(n)
		if !ok {
			return nil, errs.Configf("unknown stage %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

// WithRevision returns a copy of the project with repository repo pinned to
// commit on branch. The receiver is not modified.
func (p *Project) WithRevision(repo, commit, branch string) (*Project, error) {
	cp := *p
	cp.Repos = append([]Repo(nil), p.Repos...)
	for i := range cp.Repos {
		if cp.Repos[i].Name == repo {
			cp.Repos[i].Commit = commit
			cp.Repos[i].Branch = branch
			return &cp, nil
		}
	}
	return nil, errs.Configf("unknown repository %q", repo)
}

// Merge combines models loaded from different files or formats. Exactly one
// project block must exist across all of them; stages keep their order and
// get their ordinals assigned.
func Merge(models ...*Model) (*Model, error) {
	var project *Project
	var stages []*Stage
	for _, m := range models {
		if m == nil {
			continue
		}
		if m.Project != nil {
			if project != nil {
				return nil, errs.Configf("project defined more than once (%q and %q)", project.Name, m.Project.Name)
			}
			cp := *m.Project
			project = &cp
			stages = append(stages, m.Project.Stages...)
		}
		stages = append(stages, m.Stages...)
	}
	if project == nil {
		return nil, errs.Configf("no project block found")
	}
	project.Stages = stages
	for i, s := range project.Stages {
		s.Ordinal = i + 1
	}
	return &Model{Project: project}, nil
}

func (s *Stage) String() string {
	return fmt.Sprintf("stage %d %q", s.Ordinal, s.Name)
}

// DefaultLogDir is where generated scripts and logs go unless configured.
const DefaultLogDir = ".gridbench/logs"

// NewProject returns a project with defaults applied.
func NewProject(name string) *Project {
	return &Project{
		Name:    name,
		Workdir: ".",
		LogDir:  DefaultLogDir,
		Globals: map[string]cty.Value{},
	}
}

// NewStage returns a stage with defaults applied: one repetition, one CPU,
// the break policy and log-file output.
func NewStage(name string) *Stage {
	return &Stage{
		Name:     name,
		Repeat:   repeat.Fixed(1),
		Parallel: ParallelSpec{CPUs: 1},
		Index:    map[string]hcl.Expression{},
		OnError:  Break,
		Output:   shell.LogFile,
	}
}
