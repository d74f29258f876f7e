package hcl_adapter

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes the top-level blocks of any file.
type fileRoot struct {
	Projects []*Project `hcl:"project,block"`
	Stages   []*Stage   `hcl:"stage,block"`
}

// Project is the HCL shape of a project block.
type Project struct {
	Name      string          `hcl:"name,label"`
	Workdir   *string         `hcl:"workdir,optional"`
	LogDir    *string         `hcl:"log_dir,optional"`
	Store     *bool           `hcl:"store,optional"`
	Init      hcl.Expression  `hcl:"init,optional"`
	Repos     []*Repo         `hcl:"repo,block"`
	Variables *VariablesBlock `hcl:"variables,block"`
}

// Repo is a tracked repository.
type Repo struct {
	Name   string `hcl:"name,label"`
	Path   string `hcl:"path,optional"`
	URL    string `hcl:"url,optional"`
	Commit string `hcl:"commit,optional"`
	Branch string `hcl:"branch,optional"`
}

// VariablesBlock holds arbitrary attributes, so it is kept as a raw body.
type VariablesBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// Stage is the HCL shape of a stage block. Matrix and table blocks stay in
// Remain so their declaration order survives decoding.
type Stage struct {
	Name     string         `hcl:"name,label"`
	Shell    hcl.Expression `hcl:"shell"`
	OnError  string         `hcl:"on_error,optional"`
	Output   string         `hcl:"output,optional"`
	Timeout  string         `hcl:"timeout,optional"`
	Index    hcl.Expression `hcl:"index,optional"`
	Repeat   *RepeatBlock   `hcl:"repeat,block"`
	Parallel *ParallelBlock `hcl:"parallel,block"`
	Cache    *CacheBlock    `hcl:"cache,block"`
	Collect  *CollectBlock  `hcl:"collect,block"`
	Remain   hcl.Body       `hcl:",remain"`
}

// RepeatBlock sets exactly one of count or minimum.
type RepeatBlock struct {
	Count   *int `hcl:"count,optional"`
	Minimum *int `hcl:"minimum,optional"`
}

// ParallelBlock is the CPU budget of a stage.
type ParallelBlock struct {
	CPUs       *int           `hcl:"cpus,optional"`
	CPUPerUnit hcl.Expression `hcl:"cpu_per_unit,optional"`
}

// CacheBlock enables the build cache unless enabled is false.
type CacheBlock struct {
	Enabled *bool    `hcl:"enabled,optional"`
	Root    string   `hcl:"root"`
	Dirs    []string `hcl:"dirs"`
}

// CollectBlock enables artifact collection unless enabled is false.
type CollectBlock struct {
	Enabled    *bool    `hcl:"enabled,optional"`
	Parser     string   `hcl:"parser,optional"`
	Files      []string `hcl:"files,optional"`
	UploadLogs bool     `hcl:"upload_logs,optional"`
}

// variableBlocks are the block types read from a stage's remaining body.
var variableBlocks = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "matrix"},
		{Type: "table"},
	},
}
