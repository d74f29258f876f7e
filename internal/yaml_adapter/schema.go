package yaml_adapter

import "gopkg.in/yaml.v3"

// document is the top level of a YAML project file. Mappings whose key order
// matters are kept as raw nodes.
type document struct {
	Project *projectDoc `yaml:"project"`
	Stages  []*stageDoc `yaml:"stages"`
}

type projectDoc struct {
	Name      string    `yaml:"name"`
	Workdir   *string   `yaml:"workdir"`
	LogDir    *string   `yaml:"log_dir"`
	Store     *bool     `yaml:"store"`
	Init      string    `yaml:"init"`
	Repos     []repoDoc `yaml:"repos"`
	Variables yaml.Node `yaml:"variables"`
}

type repoDoc struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
	Commit string `yaml:"commit"`
	Branch string `yaml:"branch"`
}

type stageDoc struct {
	Name      string       `yaml:"name"`
	Shell     string       `yaml:"shell"`
	OnError   string       `yaml:"on_error"`
	Output    string       `yaml:"output"`
	Timeout   string       `yaml:"timeout"`
	Variables []yaml.Node  `yaml:"variables"`
	Repeat    *repeatDoc   `yaml:"repeat"`
	Parallel  *parallelDoc `yaml:"parallel"`
	Cache     *cacheDoc    `yaml:"cache"`
	Collect   *collectDoc  `yaml:"collect"`
	Index     yaml.Node    `yaml:"index"`
}

type repeatDoc struct {
	Count   *int `yaml:"count"`
	Minimum *int `yaml:"minimum"`
}

type parallelDoc struct {
	CPUs       *int   `yaml:"cpus"`
	CPUPerUnit string `yaml:"cpu_per_unit"`
}

type cacheDoc struct {
	Enabled *bool    `yaml:"enabled"`
	Root    string   `yaml:"root"`
	Dirs    []string `yaml:"dirs"`
}

type collectDoc struct {
	Enabled    *bool    `yaml:"enabled"`
	Parser     string   `yaml:"parser"`
	Files      []string `yaml:"files"`
	UploadLogs bool     `yaml:"upload_logs"`
}
