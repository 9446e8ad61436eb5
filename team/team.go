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
	"sync"

	"github.com/sage-x-project/teamkeys/crypto/lockbox"
	"github.com/sage-x-project/teamkeys/crypto/primitives"
	"github.com/sage-x-project/teamkeys/graph"
	"github.com/sage-x-project/teamkeys/internal/obs/log"
	"github.com/sage-x-project/teamkeys/team/resolver"
	"github.com/sage-x-project/teamkeys/teamerr"
)

// UpdatedEvent is delivered synchronously to every listener registered
// via OnUpdated whenever dispatch appends a link and re-derives state.
type UpdatedEvent struct {
	Head []graph.Hash
}

// Team owns one Graph and its derived TeamState exclusively; Connection
// borrows a Team reference but never mutates its graph directly.
type Team struct {
	mu sync.Mutex

	g     *graph.Graph
	state TeamState
	self  Identity

	// teamSymmetricKeys maps generation -> the AEAD key link bodies of
	// that generation are encrypted under. Keys enter this map from
	// Create, from a rotation this device performs, or through the keys
	// handed to Load; Team does not open lockboxes addressed to it to
	// learn a generation rotated by another device.
	teamSymmetricKeys map[uint64][]byte
	currentGeneration uint64

	log       log.Logger
	listeners []func(UpdatedEvent)
}

// Create starts a brand-new team: the founder's root ADD_MEMBER link,
// followed by a ROTATE_KEYS link establishing generation 0's team
// keyset. The founder is granted the admin role.
func Create(teamName string, founder Identity, logger log.Logger) (*Team, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	gen0Key, err := primitives.RandomKey(32)
	if err != nil {
		return nil, err
	}

	t := &Team{
		g:                 graph.New(),
		state:             NewTeamState(),
		self:              founder,
		teamSymmetricKeys: map[uint64][]byte{0: gen0Key},
		currentGeneration: 0,
		log:               logger,
	}
	t.state.TeamName = teamName

	founderMember := founder.Member()
	founderMember.Roles = []string{AdminRole}

	if _, err := t.dispatchLocked(TeamAction{
		Type: AddMember,
		AddMember: &AddMemberPayload{
			Member: founderMember,
		},
	}, 0); err != nil {
		return nil, err
	}

	teamKeyset, secrets, err := newKeyset(lockbox.Scope{Type: lockbox.ScopeTeam, Name: teamName}, 0)
	if err != nil {
		return nil, err
	}
	founderLockbox, err := lockbox.Create(secrets, lockbox.Scope{Type: lockbox.ScopeUser, Name: founder.UserID}, 0, founder.UserEncryptPublic)
	if err != nil {
		return nil, err
	}

	if _, err := t.dispatchLocked(TeamAction{
		Type: RotateKeys,
		RotateKeys: &RotateKeysPayload{
			Generation: 0,
			Lockboxes:  []lockbox.Lockbox{*founderLockbox},
			TeamKeyset: teamKeyset,
		},
	}, 0); err != nil {
		return nil, err
	}

	return t, nil
}

func newKeyset(scope lockbox.Scope, generation uint64) (lockbox.Keyset, lockbox.KeysetWithSecrets, error) {
	signPub, signPriv, err := primitives.GenerateSigningKeyPair()
	if err != nil {
		return lockbox.Keyset{}, lockbox.KeysetWithSecrets{}, err
	}
	encPub, encPriv, err := primitives.GenerateEncryptionKeyPair()
	if err != nil {
		return lockbox.Keyset{}, lockbox.KeysetWithSecrets{}, err
	}
	ks := lockbox.Keyset{
		Scope:         scope,
		Generation:    generation,
		SignPublic:    signPub,
		EncryptPublic: encPub.Bytes(),
	}
	secrets := lockbox.KeysetWithSecrets{
		Keyset:        ks,
		SignSecret:    signPriv,
		EncryptSecret: encPriv.Bytes(),
	}
	return ks, secrets, nil
}

// dispatchLocked marshals action, appends it to the graph under
// generation's symmetric key, re-resolves and re-reduces state, and
// notifies listeners. Callers must hold t.mu (or be inside a
// constructor before t is shared).
func (t *Team) dispatchLocked(action TeamAction, generation uint64) (graph.Hash, error) {
	key, ok := t.teamSymmetricKeys[generation]
	if !ok {
		return "", teamerr.New(teamerr.GraphCorrupt)
	}
	payload, err := action.Marshal()
	if err != nil {
		return "", teamerr.Wrap(teamerr.GraphCorrupt, err)
	}

	body := graph.LinkBody{
		Type:    string(action.Type),
		Payload: payload,
		User:    t.self.UserSignPublic,
		Device:  t.self.DeviceSignPublic,
	}

	h, err := graph.Append(t.g, body, generation, key, t.self.DeviceSignSecret, t.self.DeviceSignPublic)
	if err != nil {
		return "", err
	}

	t.rereduceLocked()
	t.emitLocked()
	return h, nil
}

// dispatch is the public-surface entry point: it dispatches under the
// team's current generation.
func (t *Team) dispatch(action TeamAction) (graph.Hash, error) {
	return t.dispatchLocked(action, t.currentGeneration)
}

func (t *Team) rereduceLocked() {
	teamName := t.state.TeamName

	ordered := resolver.Resolve(t.g)
	bodies := make(map[graph.Hash]*graph.LinkBody, len(ordered))
	for _, l := range ordered {
		if b, ok := t.g.Body(l.Hash); ok {
			bodies[l.Hash] = b
		}
	}
	t.state = Reduce(NewTeamState(), ordered, bodies)

	// TeamName is not carried by any TeamAction directly — it is set
	// once locally at Create and must survive every re-reduce, since
	// Reduce always starts from a fresh NewTeamState(). A freshly
	// Load()ed Team has no local TeamName yet, so fall back to the name
	// recorded in the team scope of any known keyset generation.
	if teamName == "" {
		for _, ks := range t.state.TeamKeyring {
			teamName = ks.Scope.Name
			break
		}
	}
	t.state.TeamName = teamName
}

func (t *Team) emitLocked() {
	evt := UpdatedEvent{Head: t.g.Head()}
	for _, l := range t.listeners {
		l(evt)
	}
}

// OnUpdated registers a synchronous listener invoked after every state
// change (local dispatch or merge).
func (t *Team) OnUpdated(fn func(UpdatedEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// State returns a copy of the team's current derived state.
func (t *Team) State() TeamState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Graph exposes the underlying graph for sync/persistence callers
// (Connection, Save/Load). Links are immutable; callers must not mutate
// the returned graph directly.
func (t *Team) Graph() *graph.Graph {
	return t.g
}

// Self returns the local device identity.
func (t *Team) Self() Identity {
	return t.self
}
