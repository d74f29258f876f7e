// Package objectstore keeps cache archives and log blobs in an S3-compatible
// bucket.
package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/specialistvlad/gridbench/internal/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	// Prefix is prepended to every object key.
	Prefix string
}

// ConfigFromEnv reads GRIDBENCH_S3_* variables. The second result is false
// when no endpoint is configured, meaning the object store is disabled.
func ConfigFromEnv() (Config, bool, error) {
	endpoint := env.String("GRIDBENCH_S3_ENDPOINT", "")
	if endpoint == "" {
		return Config{}, false, nil
	}
	useSSL, err := env.Bool("GRIDBENCH_S3_USE_SSL", false)
	if err != nil {
		return Config{}, false, err
	}
	cfg := Config{
		Endpoint:  endpoint,
		AccessKey: env.String("GRIDBENCH_S3_ACCESS_KEY", ""),
		SecretKey: env.String("GRIDBENCH_S3_SECRET_KEY", ""),
		Region:    env.String("GRIDBENCH_S3_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("GRIDBENCH_S3_BUCKET", "gridbench"),
		Prefix:    env.String("GRIDBENCH_S3_PREFIX", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// Key joins the configured prefix and parts with slashes.
func (c Config) Key(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if p := strings.Trim(c.Prefix, "/"); p != "" {
		all = append(all, p)
	}
	for _, part := range parts {
		if part = strings.Trim(part, "/"); part != "" {
			all = append(all, part)
		}
	}
	return strings.Join(all, "/")
}
