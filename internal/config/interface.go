package config

import "context"

// Loader is the interface for a format-specific configuration loader.
type Loader interface {
	// Load reads every given file, translates it into the format-agnostic
	// model, and returns the merged result. Validation is the caller's job.
	Load(ctx context.Context, paths ...string) (*Model, error)
}
