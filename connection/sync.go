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

package connection

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sage-x-project/teamkeys/crypto/primitives"
	"github.com/sage-x-project/teamkeys/graph"
	"github.com/sage-x-project/teamkeys/teamerr"
)

// beginSyncLocked kicks off Synchronizing by announcing this side's head
// and its full known-hash set (graph.GetParentMap walked from head with
// no depth limit reaches every link in the graph). The peer diffs that
// set against its own to discover exactly what it must ship.
func (c *Connection) beginSyncLocked(ctx context.Context) error {
	return c.sendLocked(ctx, msgSync, syncPayload{
		Kind: syncAnnounce,
		Head: c.team.Graph().Head(),
		Know: c.knownHashesLocked(),
	})
}

// knownHashesLocked returns every link hash this side's graph currently
// holds, per spec §4.6's "iterate getParentMap expansions" sync design.
func (c *Connection) knownHashesLocked() []graph.Hash {
	pm := graph.GetParentMap(c.team.Graph(), graph.ParentMapOptions{})
	out := make([]graph.Hash, 0, len(pm))
	for h := range pm {
		out = append(out, h)
	}
	return out
}

// keyringLocked snapshots the team's known symmetric keys into a lookup
// function suitable for graph.Load.
func (c *Connection) keyringLocked() func(uint64) ([]byte, bool) {
	keys := c.team.SymmetricKeys()
	return func(generation uint64) ([]byte, bool) {
		k, ok := keys[generation]
		return k, ok
	}
}

func headsEqual(a, b []graph.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[graph.Hash]struct{}, len(a))
	for _, h := range a {
		set[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := set[h]; !ok {
			return false
		}
	}
	return true
}

// handleSyncLocked dispatches on the payload's Kind: an ANNOUNCE ships
// back whatever links the peer's Know set showed it was missing, a LINKS
// message merges and re-announces its (possibly new) head, and a PING
// just updates the tracked peer head. Either path ends by checking
// whether both sides now agree, in which case Negotiating follows.
func (c *Connection) handleSyncLocked(ctx context.Context, env envelope) error {
	if c.state != Synchronizing {
		err := fmt.Errorf("connection: unexpected SYNC in state %s", c.state)
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	var payload syncPayload
	if err := json.Unmarshal(env.Body, &payload); err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}

	switch payload.Kind {
	case syncAnnounce:
		return c.handleSyncAnnounceLocked(ctx, payload)
	case syncLinks:
		return c.handleSyncLinksLocked(ctx, payload)
	case syncPing:
		c.peerSyncHead = payload.Head
		return c.maybeFinishSyncLocked(ctx)
	default:
		err := fmt.Errorf("connection: unknown SYNC kind %q", payload.Kind)
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
}

func (c *Connection) handleSyncAnnounceLocked(ctx context.Context, payload syncPayload) error {
	c.peerSyncHead = payload.Head

	localKnown := c.knownHashesLocked()
	known := make(map[graph.Hash]struct{}, len(localKnown))
	for _, h := range localKnown {
		known[h] = struct{}{}
	}
	peerKnows := make(map[graph.Hash]struct{}, len(payload.Know))
	for _, h := range payload.Know {
		peerKnows[h] = struct{}{}
	}

	var missing []*graph.Link
	for h := range known {
		if _, ok := peerKnows[h]; ok {
			continue
		}
		l, ok := c.team.Graph().Link(h)
		if !ok {
			continue
		}
		missing = append(missing, l)
	}

	if len(missing) > 0 {
		batch, err := graph.SaveLinks(missing)
		if err != nil {
			c.failLocked(ctx, teamerr.GraphCorrupt, err)
			return err
		}
		if err := c.sendLocked(ctx, msgSync, syncPayload{Kind: syncLinks, Links: batch}); err != nil {
			return err
		}
	}

	return c.maybeFinishSyncLocked(ctx)
}

func (c *Connection) handleSyncLinksLocked(ctx context.Context, payload syncPayload) error {
	subset, err := graph.Load(payload.Links, c.keyringLocked())
	if err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	if err := c.team.Merge(subset); err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	c.events.OnUpdated(ctx, c.team.Graph().Head())

	if err := c.sendLocked(ctx, msgSync, syncPayload{Kind: syncPing, Head: c.team.Graph().Head()}); err != nil {
		return err
	}
	return c.maybeFinishSyncLocked(ctx)
}

// maybeFinishSyncLocked moves to Negotiating once this side's head
// matches the last head the peer reported, whether that agreement came
// from an ANNOUNCE with nothing missing either way, or from this side's
// own merge (or the peer's post-merge PING) catching the two up.
func (c *Connection) maybeFinishSyncLocked(ctx context.Context) error {
	if c.state != Synchronizing {
		return nil
	}
	if c.peerSyncHead == nil {
		return nil
	}
	if !headsEqual(c.team.Graph().Head(), c.peerSyncHead) {
		return nil
	}
	return c.beginNegotiatingLocked(ctx)
}

// beginNegotiatingLocked enters Negotiating and sends this side's seed
// half.
func (c *Connection) beginNegotiatingLocked(ctx context.Context) error {
	c.transitionLocked(Negotiating)
	return c.sendSeedLocked(ctx)
}

// sendSeedLocked generates this side's 32-byte session-key half and
// seals it to the peer's device encryption key.
func (c *Connection) sendSeedLocked(ctx context.Context) error {
	half, err := primitives.RandomKey(32)
	if err != nil {
		c.failLocked(ctx, teamerr.KeyGenerationFailed, err)
		return err
	}
	c.localSeedHalf = half

	peerPub, err := ecdh.X25519().NewPublicKey(c.peerDeviceEncryptPublic)
	if err != nil {
		c.failLocked(ctx, teamerr.EncryptionFailed, err)
		return err
	}
	sealed, err := primitives.SealedBoxEncrypt(peerPub, half, []byte("connection-seed"))
	if err != nil {
		c.failLocked(ctx, teamerr.EncryptionFailed, err)
		return err
	}
	c.sentSeed = true
	return c.sendLocked(ctx, msgSeed, seedPayload{Sealed: sealed})
}

// handleSeedLocked opens the peer's half, XORs it with this side's own
// half to derive the session key, and transitions to Connected. The
// first SEED to arrive also triggers this side's own, so either send
// order converges.
func (c *Connection) handleSeedLocked(ctx context.Context, env envelope) error {
	if c.state != Negotiating {
		err := fmt.Errorf("connection: unexpected SEED in state %s", c.state)
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	var payload seedPayload
	if err := json.Unmarshal(env.Body, &payload); err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}

	peerHalf, err := primitives.SealedBoxOpen(c.self.DeviceEncryptSecret, payload.Sealed, []byte("connection-seed"))
	if err != nil {
		c.failLocked(ctx, teamerr.DecryptionFailed, err)
		return err
	}
	if !c.sentSeed {
		if err := c.sendSeedLocked(ctx); err != nil {
			return err
		}
	}
	if len(peerHalf) != len(c.localSeedHalf) {
		err := errors.New("connection: session seed length mismatch")
		c.failLocked(ctx, teamerr.DecryptionFailed, err)
		return err
	}

	key := make([]byte, len(peerHalf))
	for i := range key {
		key[i] = peerHalf[i] ^ c.localSeedHalf[i]
	}
	c.sessionKey = key
	c.negotiate = negotiatingDone
	c.transitionLocked(Connected)
	c.events.OnConnected(ctx)
	return nil
}

// handleAppLocked decrypts an application payload under the negotiated
// session key and reports it.
func (c *Connection) handleAppLocked(ctx context.Context, env envelope) error {
	if c.state != Connected {
		err := fmt.Errorf("connection: unexpected APP message in state %s", c.state)
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	var payload appPayload
	if err := json.Unmarshal(env.Body, &payload); err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	plaintext, err := openSession(c.sessionKey, payload.Ciphertext)
	if err != nil {
		c.failLocked(ctx, teamerr.DecryptionFailed, err)
		return err
	}
	c.events.OnMessage(ctx, plaintext)
	return nil
}

// handleDisconnectLocked reacts to a peer-initiated DISCONNECT.
func (c *Connection) handleDisconnectLocked(ctx context.Context, env envelope) error {
	var payload disconnectPayload
	if err := json.Unmarshal(env.Body, &payload); err != nil {
		payload = disconnectPayload{}
	}
	c.stopped = true
	c.transitionLocked(Disconnected)
	if payload.Kind != "" {
		c.events.OnRemoteError(ctx, payload.Kind)
	}
	c.events.OnDisconnected(ctx, payload.Kind)
	return nil
}
