// Package config loads the optional YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds settings that can be kept in a file instead of passed as flags.
type Config struct {
	// Extensions lists the file extensions scanned for managed binaries, in order.
	Extensions []string `yaml:"extensions"`
	// Workers is the number of files scanned in parallel.
	Workers int `yaml:"workers"`
	// Format is the snippet language, csharp or go.
	Format string `yaml:"format"`
	// Aliases maps additional framework type full names to the keywords
	// printed for them, e.g. System.IntPtr: nint.
	Aliases map[string]string `yaml:"aliases"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Extensions: []string{".dll", ".exe"},
		Workers:    1,
		Format:     "csharp",
		Aliases:    map[string]string{},
	}
}

// Load reads the file under given path over the defaults.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file %s does not exist", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the values and normalizes extensions to a leading dot.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}

	if len(c.Extensions) == 0 {
		return errors.New("at least one extension is required")
	}

	for i, extension := range c.Extensions {
		extension = strings.TrimSpace(extension)
		if extension == "" || extension == "." {
			return fmt.Errorf("extension %d is empty", i)
		}
		if !strings.HasPrefix(extension, ".") {
			extension = "." + extension
		}
		c.Extensions[i] = strings.ToLower(extension)
	}

	if c.Aliases == nil {
		c.Aliases = map[string]string{}
	}

	return nil
}
