// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package rgcfg holds the ambient configuration for the render graph
// runtime: reference size, vsync, debug dump toggle, and the
// pipeline-cache file path. Grounded on engine.Config/
// engine.DefaultConfig()'s shape (a plain struct, a Default...
// constructor, no hidden global state beyond an explicit Configure).
package rgcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	dflWidth             = 1920
	dflHeight            = 1080
	dflVsync             = true
	dflPipelineCachePath = "pipeline_cache.bin"
)

// Config holds the render graph's ambient configuration.
type Config struct {
	// ReferenceWidth and ReferenceHeight size relative-sized
	// resources (graph.RelativeSize) when no swapchain is present
	// to derive a size from.
	//
	// Default is 1920x1080.
	ReferenceWidth  int `yaml:"reference_width"`
	ReferenceHeight int `yaml:"reference_height"`

	// Vsync enables presentation synchronized to the display's
	// refresh rate.
	//
	// Default is true.
	Vsync bool `yaml:"vsync"`

	// Debug enables verbose, aftermath-style state dumps on
	// execution failure.
	//
	// Default is false.
	Debug bool `yaml:"debug"`

	// PipelineCachePath is the file used to persist the driver's
	// pipeline cache blob across runs. An empty path disables
	// persistence.
	//
	// Default is "pipeline_cache.bin".
	PipelineCachePath string `yaml:"pipeline_cache_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ReferenceWidth:    dflWidth,
		ReferenceHeight:   dflHeight,
		Vsync:             dflVsync,
		Debug:             false,
		PipelineCachePath: dflPipelineCachePath,
	}
}

// Load reads a Config from a YAML file at path, starting from
// DefaultConfig so that a partial file only overrides the fields it
// names.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("rgcfg: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("rgcfg: %w", err)
	}
	return cfg, nil
}

var cfg = DefaultConfig()

// Configure replaces the package-level configuration with config,
// mirroring engine.Configure.
func Configure(config *Config) { cfg = *config }

// Current returns the package-level configuration set by the most
// recent call to Configure, or DefaultConfig if Configure was never
// called.
func Current() Config { return cfg }
