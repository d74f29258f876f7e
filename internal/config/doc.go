// Package config defines the format-agnostic project model and the Loader
// interface implemented by the HCL and YAML adapters.
//
// A loaded Model is immutable. Per-commit variations, such as pinning the
// tracked repositories to the commit being benchmarked, are expressed as
// copies made with Project.WithRevision.
package config
