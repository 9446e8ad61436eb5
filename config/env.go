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
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides overlays TEAMKEYS_* environment variables onto cfg.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TEAMKEYS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := durationEnv("TEAMKEYS_STATE_TIMEOUT"); ok {
		cfg.Connection.StateTimeout = v
	}
	if v, ok := durationEnv("TEAMKEYS_CHALLENGE_TTL"); ok {
		cfg.Connection.ChallengeTTL = v
	}
	if v := os.Getenv("TEAMKEYS_KEEP_OLD_KEYS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Rotation.KeepOldKeys = b
		}
	}
}

func durationEnv(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
