// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoaderOptions configures Load.
type LoaderOptions struct {
	// Path is the YAML config file to read. If empty, Load returns
	// Default() with only env-file/env-var overlays applied.
	Path string
	// EnvFile is an optional .env file loaded before env-var overlay
	// (dev/test convenience, mirrors the teacher's joho/godotenv use).
	EnvFile string
}

// Load reads a YAML config file (if Path is set), falling back to
// Default(), then applies TEAMKEYS_* environment variable overrides.
func Load(opts LoaderOptions) (*Config, error) {
	if opts.EnvFile != "" {
		// Missing .env file in dev/test is not an error.
		_ = godotenv.Load(opts.EnvFile)
	}

	cfg := Default()
	if opts.Path != "" {
		data, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", opts.Path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", opts.Path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}
