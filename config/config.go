// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads kelp's user configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileName is the per-repository config file, relative to the .kelp
// directory.
const FileName = "config.yaml"

// Config is kelp's user configuration. Missing fields fall back to
// environment-derived defaults.
type Config struct {
	User struct {
		Name  string `yaml:"name" validate:"required"`
		Email string `yaml:"email" validate:"omitempty,email"`
	} `yaml:"user"`

	// Hostname overrides the OS hostname recorded in operation metadata.
	Hostname string `yaml:"hostname"`

	Operation struct {
		// MaxReconcileRetries bounds merge retries under contention.
		MaxReconcileRetries int `yaml:"max_reconcile_retries" validate:"gte=0,lte=100"`
	} `yaml:"operation"`
}

// Load reads the config file at path, applying defaults for anything the
// file does not set. A missing file yields a pure-defaults config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// LoadForRepo loads the config stored inside a repository's .kelp
// directory.
func LoadForRepo(kelpDir string) (*Config, error) {
	return Load(filepath.Join(kelpDir, FileName))
}

func applyDefaults(cfg *Config) {
	if cfg.User.Name == "" {
		if u, err := user.Current(); err == nil && u.Username != "" {
			cfg.User.Name = u.Username
		} else {
			cfg.User.Name = "unknown"
		}
	}
	if cfg.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Hostname = host
		} else {
			cfg.Hostname = "unknown"
		}
	}
	if cfg.Operation.MaxReconcileRetries == 0 {
		cfg.Operation.MaxReconcileRetries = 5
	}
}
