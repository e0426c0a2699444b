// Package config loads the YAML configuration file for the arbor command.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v2"
)

// File mirrors the on-disk YAML configuration.
type File struct {
	DataPath          string `yaml:"dataPath"`
	MinimumFreeGB     uint   `yaml:"minimumFreeGB"`
	GCIntervalSeconds int    `yaml:"gcIntervalSeconds"`
	LogLevel          string `yaml:"logLevel"`
}

// Load reads and parses the configuration at path. A missing file is not
// an error; defaults are returned so the command works out of the box.
func Load(path string) (File, error) {
	conf := File{
		DataPath:          "arbor-data",
		MinimumFreeGB:     1,
		GCIntervalSeconds: 300,
		LogLevel:          "info",
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return conf, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return conf, nil
}
