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

package team

import (
	"github.com/sage-x-project/teamkeys/graph"
	"github.com/sage-x-project/teamkeys/internal/obs/log"
)

// Save serializes the team's graph to a versioned byte payload. Only the
// graph travels — TeamState is always re-derived by rereduceLocked on
// Load, never persisted directly.
func (t *Team) Save() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return graph.Save(t.g)
}

// Load reconstructs a Team from a Save payload. teamSymmetricKeys must
// cover every generation the caller can decrypt; self is the local
// device identity dispatching future actions.
func Load(data []byte, teamSymmetricKeys map[uint64][]byte, self Identity, logger log.Logger) (*Team, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	keys := make(map[uint64][]byte, len(teamSymmetricKeys))
	var currentGeneration uint64
	first := true
	for gen, k := range teamSymmetricKeys {
		keys[gen] = k
		if first || gen > currentGeneration {
			currentGeneration = gen
			first = false
		}
	}

	g, err := graph.Load(data, func(generation uint64) ([]byte, bool) {
		k, ok := keys[generation]
		return k, ok
	})
	if err != nil {
		return nil, err
	}

	t := &Team{
		g:                 g,
		self:              self,
		teamSymmetricKeys: keys,
		currentGeneration: currentGeneration,
		log:               logger,
	}
	t.state = NewTeamState()
	t.rereduceLocked()
	return t, nil
}

// SymmetricKeys returns a copy of every team-keyset generation's AEAD key
// known locally. Connection uses this when admitting a new device or
// member: the payload it seals to the invitee carries these alongside the
// graph so the invitee can decrypt every link it receives.
func (t *Team) SymmetricKeys() map[uint64][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64][]byte, len(t.teamSymmetricKeys))
	for gen, k := range t.teamSymmetricKeys {
		out[gen] = append([]byte(nil), k...)
	}
	return out
}

// Merge unions other into this team's graph, re-resolves, and re-reduces
// state, notifying listeners. other is typically a peer's Graph received
// over a Connection.
func (t *Team) Merge(other *graph.Graph) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	merged, err := graph.Merge(t.g, other)
	if err != nil {
		return err
	}
	t.g = merged
	t.rereduceLocked()
	t.emitLocked()
	return nil
}
