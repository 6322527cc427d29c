package hooks

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DefaultDir is where hooks live relative to the checkout root.
const DefaultDir = ".atomist/hooks"

// Config holds hook runner configuration.
type Config struct {
	// Dir is relative to the checkout root.
	Dir string `koanf:"dir"`

	// Timeout bounds a single hook. Zero means no limit beyond the goal's.
	Timeout time.Duration `koanf:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{Dir: DefaultDir}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("hooks dir is required")
	}
	if filepath.IsAbs(c.Dir) {
		return fmt.Errorf("hooks dir must be relative to the checkout, got %q", c.Dir)
	}
	if strings.HasPrefix(filepath.Clean(c.Dir), "..") {
		return fmt.Errorf("hooks dir %q escapes the checkout", c.Dir)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("hook timeout cannot be negative: %s", c.Timeout)
	}
	return nil
}
