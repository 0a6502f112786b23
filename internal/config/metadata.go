package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// MetadataFile is the project metadata file read from the project base.
const MetadataFile = "lambdev.toml"

// projectMetadata mirrors the lambdev.toml layout.
type projectMetadata struct {
	RequiredVersion string `toml:"required_version"`

	Build struct {
		Command []string `toml:"command"`
		Dir     string   `toml:"dir"`
	} `toml:"build"`

	Watch struct {
		Ignore   []string `toml:"ignore"`
		Debounce string   `toml:"debounce"`
	} `toml:"watch"`

	Functions []Function `toml:"function"`
	Routes    []Route    `toml:"route"`
}

// LoadMetadata merges lambdev.toml from the project base into the config.
// A missing file is not an error; the project may be configured entirely
// through flags and env vars.
func (c *ResolvedConfig) LoadMetadata(base string) error {
	path := filepath.Join(base, MetadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var meta projectMetadata
	if err := toml.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if meta.RequiredVersion != "" {
		c.RequiredVersion = meta.RequiredVersion
	}
	if len(meta.Build.Command) > 0 {
		c.BuildCommand = meta.Build.Command
	}
	if meta.Build.Dir != "" {
		c.BuildDir = meta.Build.Dir
	}
	c.IgnorePatterns = append(c.IgnorePatterns, meta.Watch.Ignore...)
	if meta.Watch.Debounce != "" {
		d, err := parseDuration(meta.Watch.Debounce)
		if err != nil {
			return fmt.Errorf("invalid watch.debounce in %s: %w", path, err)
		}
		c.Debounce = d
	}
	c.Functions = append(c.Functions, meta.Functions...)
	c.Routes = append(c.Routes, meta.Routes...)

	return nil
}
