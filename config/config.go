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

// Package config provides configuration for a Team/Connection deployment:
// rotation policy defaults, connection timeouts, and session housekeeping.
package config

import "time"

// Config is the root configuration structure. It is typically loaded from
// a YAML file via Load and overlaid with environment variables.
type Config struct {
	Rotation   RotationConfig   `yaml:"rotation" json:"rotation"`
	Connection ConnectionConfig `yaml:"connection" json:"connection"`
	Session    SessionConfig    `yaml:"session" json:"session"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// RotationConfig controls the lockbox key-rotation policy (spec §4.4).
type RotationConfig struct {
	// KeepOldKeys is carried by the config only: no package outside config
	// reads it, and team.Team keeps every generation's key regardless.
	KeepOldKeys bool `yaml:"keep_old_keys" json:"keep_old_keys"`
}

// ConnectionConfig controls Connection state-machine timing (spec §4.6).
type ConnectionConfig struct {
	// StateTimeout is the deadline for any non-connected state before the
	// connection auto-disconnects with TIMEOUT.
	StateTimeout time.Duration `yaml:"state_timeout" json:"state_timeout"`
	// ChallengeTTL is the maximum age of an identity challenge nonce
	// before it is considered stale (CHALLENGE_STALE).
	ChallengeTTL time.Duration `yaml:"challenge_ttl" json:"challenge_ttl"`
}

// SessionConfig controls session-key bookkeeping.
type SessionConfig struct {
	MaxAge      time.Duration `yaml:"max_age" json:"max_age"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxMessages int           `yaml:"max_messages" json:"max_messages"`
}

// LoggingConfig controls the injected logger's verbosity.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"` // debug, info, warn, error
}

// Default returns the configuration used when the host does not supply
// one explicitly.
func Default() *Config {
	return &Config{
		Rotation: RotationConfig{
			KeepOldKeys: true,
		},
		Connection: ConnectionConfig{
			StateTimeout: 30 * time.Second,
			ChallengeTTL: 5 * time.Minute,
		},
		Session: SessionConfig{
			MaxAge:      time.Hour,
			IdleTimeout: 10 * time.Minute,
			MaxMessages: 10000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
