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
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sage-x-project/teamkeys/crypto/primitives"
	"github.com/sage-x-project/teamkeys/graph"
	"github.com/sage-x-project/teamkeys/team"
	"github.com/sage-x-project/teamkeys/team/invitation"
	"github.com/sage-x-project/teamkeys/teamerr"
)

// handleHelloLocked processes the peer's identity or invitation claim
// and immediately begins the checkingIdentity exchange: both the normal
// path and the invitee-admission path converge here, per spec §4.6
// ("the invitee then transitions into the normal identity path").
func (c *Connection) handleHelloLocked(ctx context.Context, env envelope) error {
	if c.state != AwaitingIdentityClaim {
		err := fmt.Errorf("connection: unexpected HELLO in state %s", c.state)
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	var hello helloPayload
	if err := json.Unmarshal(env.Body, &hello); err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	// An invitee has no roster to check a member's claim against; it
	// learns the admitting device from ACCEPT_INVITATION instead.
	if c.team == nil && c.invitationSeed != "" && hello.Invitation == nil {
		return nil
	}

	if hello.Invitation != nil {
		if err := c.admitInviteeLocked(ctx, *hello.Invitation, hello.NewMember); err != nil {
			kind := teamerr.KindOf(err)
			if kind == "" {
				kind = teamerr.InvalidInvitation
			}
			c.failLocked(ctx, kind, err)
			return err
		}
		dev := hello.NewMember.Devices[0]
		c.peerUserID = hello.NewMember.UserID
		c.peerDeviceSignPublic = dev.SignPublic
		c.peerDeviceEncryptPublic = dev.EncryptPublic
	} else {
		c.peerUserID = hello.UserID
		c.peerDeviceSignPublic = hello.DeviceSignPublic
		c.peerDeviceEncryptPublic = hello.DeviceEncryptPublic
	}

	c.transitionLocked(Authenticating)
	return c.sendChallengeLocked(ctx)
}

// admitInviteeLocked validates proof against the team's pending
// invitation, admits newMember (or just its device, for a device
// invitation), and ships the team's graph and symmetric keys back to
// the invitee, sealed to the invitation's derived public key.
func (c *Connection) admitInviteeLocked(ctx context.Context, proof invitation.Proof, newMember *team.Member) error {
	if c.team == nil {
		return teamerr.New(teamerr.CannotJoinOnServer)
	}
	if newMember == nil || len(newMember.Devices) == 0 {
		return errors.New("connection: invitation HELLO missing newMember")
	}
	if err := c.team.ValidateInvitation(proof, time.Now()); err != nil {
		return err
	}
	inv, ok := c.team.State().Invitation(proof.ID)
	if !ok {
		return teamerr.New(teamerr.InvalidInvitation)
	}

	if inv.UserID != nil {
		if err := c.team.AdmitDevice(proof, newMember.Devices[0]); err != nil {
			return err
		}
	} else if err := c.team.AdmitMember(proof, *newMember); err != nil {
		return err
	}

	graphBytes, err := graph.Save(c.team.Graph())
	if err != nil {
		return err
	}
	secret := acceptInvitationSecret{
		TeamName:                    c.team.State().TeamName,
		Graph:                       graphBytes,
		TeamSymmetricKeys:           c.team.SymmetricKeys(),
		AdmitterUserID:              c.self.UserID,
		AdmitterDeviceSignPublic:    c.self.DeviceSignPublic,
		AdmitterDeviceEncryptPublic: c.self.DeviceEncryptPublic.Bytes(),
	}
	plaintext, err := json.Marshal(secret)
	if err != nil {
		return teamerr.Wrap(teamerr.EncryptionFailed, err)
	}

	ticketPubX, err := primitives.Ed25519ToX25519Public(ed25519.PublicKey(inv.PublicKey))
	if err != nil {
		return teamerr.Wrap(teamerr.EncryptionFailed, err)
	}
	sealed, err := primitives.SealedBoxEncrypt(ticketPubX, plaintext, []byte("accept-invitation"))
	if err != nil {
		return err
	}
	return c.sendLocked(ctx, msgAcceptInvitation, acceptInvitationPayload{Sealed: sealed})
}

// handleAcceptInvitationLocked opens the sealed team material, builds a
// Team locally, and emits OnJoined before entering the identity exchange.
func (c *Connection) handleAcceptInvitationLocked(ctx context.Context, env envelope) error {
	if c.state != AwaitingIdentityClaim || c.invitationSeed == "" {
		err := fmt.Errorf("connection: unexpected ACCEPT_INVITATION in state %s", c.state)
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	var payload acceptInvitationPayload
	if err := json.Unmarshal(env.Body, &payload); err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}

	_, priv := invitation.DeriveKeyPair(c.invitationSeed)
	privX, err := primitives.Ed25519ToX25519Private(priv)
	if err != nil {
		c.failLocked(ctx, teamerr.DecryptionFailed, err)
		return err
	}
	plaintext, err := primitives.SealedBoxOpen(privX, payload.Sealed, []byte("accept-invitation"))
	if err != nil {
		c.failLocked(ctx, teamerr.DecryptionFailed, err)
		return err
	}
	var secret acceptInvitationSecret
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}

	loaded, err := team.Load(secret.Graph, secret.TeamSymmetricKeys, c.self, c.log)
	if err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	c.team = loaded
	c.peerUserID = secret.AdmitterUserID
	c.peerDeviceSignPublic = secret.AdmitterDeviceSignPublic
	c.peerDeviceEncryptPublic = secret.AdmitterDeviceEncryptPublic
	c.events.OnJoined(ctx, secret.TeamName, c.self.UserID)

	c.transitionLocked(Authenticating)
	return c.sendChallengeLocked(ctx)
}

// sendChallengeLocked issues a fresh nonce addressed to the peer's
// claimed device and starts the verifyingTheirIdentity parallel region.
func (c *Connection) sendChallengeLocked(ctx context.Context) error {
	nonce, err := primitives.RandomKey(16)
	if err != nil {
		c.failLocked(ctx, teamerr.KeyGenerationFailed, err)
		return err
	}
	c.issuedNonce = nonce
	c.issuedNonceAt = time.Now()
	c.verifying = verifyingAwaitingProof

	challenge := identityChallenge{
		Scope:     "DEVICE",
		DeviceID:  primitives.Hash("device-id", c.peerDeviceSignPublic),
		Nonce:     nonce,
		Timestamp: c.issuedNonceAt,
	}
	return c.sendLocked(ctx, msgChallengeIdentity, challenge)
}

// handleChallengeIdentityLocked answers the peer's challenge, advancing
// the provingMyIdentity parallel region.
func (c *Connection) handleChallengeIdentityLocked(ctx context.Context, env envelope) error {
	if c.state != Authenticating || c.proving != provingAwaitingChallenge {
		err := fmt.Errorf("connection: unexpected CHALLENGE_IDENTITY in state %s", c.state)
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	var challenge identityChallenge
	if err := json.Unmarshal(env.Body, &challenge); err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}

	transcript, err := canonicalChallengeBytes(challenge)
	if err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	sig := primitives.Sign(c.self.DeviceSignSecret, transcript)

	if err := c.sendLocked(ctx, msgProveIdentity, proveIdentityPayload{
		Challenge:        challenge,
		DeviceSignPublic: c.self.DeviceSignPublic,
		Signature:        sig,
	}); err != nil {
		return err
	}
	c.proving = provingAwaitingAcceptance
	c.checkAuthCompleteLocked(ctx)
	return nil
}

// handleProveIdentityLocked verifies the peer's proof against the nonce
// this side issued and the team's device roster, completing the
// verifyingTheirIdentity parallel region.
func (c *Connection) handleProveIdentityLocked(ctx context.Context, env envelope) error {
	if c.state != Authenticating || c.verifying != verifyingAwaitingProof {
		err := fmt.Errorf("connection: unexpected PROVE_IDENTITY in state %s", c.state)
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	var proof proveIdentityPayload
	if err := json.Unmarshal(env.Body, &proof); err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}

	if !bytes.Equal(proof.Challenge.Nonce, c.issuedNonce) {
		err := errors.New("connection: identity proof nonce mismatch")
		c.failLocked(ctx, teamerr.ChallengeStale, err)
		return err
	}
	if _, used := c.usedNonces[string(proof.Challenge.Nonce)]; used {
		err := errors.New("connection: identity proof nonce replay")
		c.failLocked(ctx, teamerr.ChallengeStale, err)
		return err
	}
	ttl := c.cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if time.Since(c.issuedNonceAt) > ttl {
		err := errors.New("connection: identity challenge expired")
		c.failLocked(ctx, teamerr.ChallengeStale, err)
		return err
	}

	transcript, err := canonicalChallengeBytes(proof.Challenge)
	if err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	if err := primitives.Verify(proof.DeviceSignPublic, transcript, proof.Signature); err != nil {
		c.failLocked(ctx, teamerr.IdentityProofInvalid, err)
		return err
	}

	member, device, kind := c.lookupIdentityLocked(proof.DeviceSignPublic)
	if kind != "" {
		_ = c.sendLocked(ctx, msgRejectIdentity, rejectIdentityPayload{Kind: kind})
		c.events.OnLocalError(ctx, teamerr.New(kind))
		c.stopped = true
		c.transitionLocked(Disconnected)
		c.events.OnDisconnected(ctx, kind)
		return teamerr.New(kind)
	}

	c.usedNonces[string(proof.Challenge.Nonce)] = time.Now()
	c.peerUserID = member.UserID
	c.peerDeviceSignPublic = device.SignPublic
	c.peerDeviceEncryptPublic = device.EncryptPublic
	c.verifying = verifyingDone

	if err := c.sendLocked(ctx, msgAcceptIdentity, acceptIdentityPayload{}); err != nil {
		return err
	}
	c.checkAuthCompleteLocked(ctx)
	return nil
}

// handleAcceptIdentityLocked completes the provingMyIdentity region.
func (c *Connection) handleAcceptIdentityLocked(ctx context.Context, env envelope) error {
	if c.state != Authenticating || c.proving != provingAwaitingAcceptance {
		err := fmt.Errorf("connection: unexpected ACCEPT_IDENTITY in state %s", c.state)
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	c.proving = provingDone
	c.checkAuthCompleteLocked(ctx)
	return nil
}

// handleRejectIdentityLocked reports the peer's rejection and disconnects.
func (c *Connection) handleRejectIdentityLocked(ctx context.Context, env envelope) error {
	var payload rejectIdentityPayload
	if err := json.Unmarshal(env.Body, &payload); err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
	c.events.OnRemoteError(ctx, payload.Kind)
	c.stopped = true
	c.transitionLocked(Disconnected)
	c.events.OnDisconnected(ctx, payload.Kind)
	return nil
}

// checkAuthCompleteLocked advances to Synchronizing once both parallel
// regions of checkingIdentity have finished.
func (c *Connection) checkAuthCompleteLocked(ctx context.Context) {
	if c.proving == provingDone && c.verifying == verifyingDone {
		c.transitionLocked(Synchronizing)
		_ = c.beginSyncLocked(ctx)
	}
}

// deviceLookupResult is the singleflight-shared result of a DeviceLookup.
type deviceLookupResult struct {
	member team.Member
	device team.Device
	kind   teamerr.Kind
}

// lookupIdentityLocked resolves devicePublic against the team's current
// and removed rosters, collapsing concurrent lookups of the same device
// key via singleflight — grounded on pkg/agent/handshake/server.go's use
// of the same package for sender-pubkey resolution.
func (c *Connection) lookupIdentityLocked(devicePublic []byte) (team.Member, team.Device, teamerr.Kind) {
	key := string(devicePublic)
	state := c.team.State()
	v, _, _ := c.sf.Do(key, func() (any, error) {
		m, d, kind := state.DeviceLookup(devicePublic)
		return deviceLookupResult{member: m, device: d, kind: kind}, nil
	})
	res := v.(deviceLookupResult)
	return res.member, res.device, res.kind
}

func canonicalChallengeBytes(ch identityChallenge) ([]byte, error) {
	b, err := json.Marshal(ch)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.GraphCorrupt, err)
	}
	return b, nil
}
