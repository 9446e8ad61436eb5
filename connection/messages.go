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
	"encoding/json"
	"time"

	"github.com/sage-x-project/teamkeys/graph"
	"github.com/sage-x-project/teamkeys/team"
	"github.com/sage-x-project/teamkeys/team/invitation"
	"github.com/sage-x-project/teamkeys/teamerr"
)

// MessageType tags the envelope's body, one per spec §4.6 wire message.
type MessageType string

const (
	msgHello            MessageType = "HELLO"
	msgAcceptInvitation MessageType = "ACCEPT_INVITATION"
	msgChallengeIdentity MessageType = "CHALLENGE_IDENTITY"
	msgProveIdentity    MessageType = "PROVE_IDENTITY"
	msgAcceptIdentity   MessageType = "ACCEPT_IDENTITY"
	msgRejectIdentity   MessageType = "REJECT_IDENTITY"
	msgSync             MessageType = "SYNC"
	msgSeed             MessageType = "SEED"
	msgDisconnect       MessageType = "DISCONNECT"
	msgApp              MessageType = "APP"
)

// envelope is the outermost wire shape carried over Channel.Send /
// Connection.Deliver: a type tag plus an opaque body. Only msgApp bodies
// are AEAD-sealed under the negotiated session key; every other message
// type, including a DISCONNECT sent after Connected, travels as plain
// JSON.
type envelope struct {
	Type MessageType     `json:"type"`
	Body json.RawMessage `json:"body"`
}

func encodeEnvelope(t MessageType, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.EncryptionFailed, err)
	}
	return json.Marshal(envelope{Type: t, Body: b})
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, teamerr.Wrap(teamerr.GraphCorrupt, err)
	}
	return env, nil
}

// helloPayload claims either a device identity or an invitation. Exactly
// one of Invitation or (UserID, DeviceSignPublic) is populated.
type helloPayload struct {
	UserID              string            `json:"userId,omitempty"`
	DeviceName          string            `json:"deviceName,omitempty"`
	DeviceSignPublic    []byte            `json:"deviceSignPublic,omitempty"`
	DeviceEncryptPublic []byte            `json:"deviceEncryptPublic,omitempty"`
	Invitation          *invitation.Proof `json:"invitation,omitempty"`
	NewMember           *team.Member      `json:"newMember,omitempty"`
}

// acceptInvitationPayload carries the team's graph and symmetric keys,
// HPKE-sealed to the invitation's derived public key so only whoever
// holds the seed can open it.
type acceptInvitationPayload struct {
	Sealed []byte `json:"sealed"`
}

// acceptInvitationSecret is the plaintext acceptInvitationPayload.Sealed
// decrypts to.
type acceptInvitationSecret struct {
	TeamName          string            `json:"teamName"`
	Graph             []byte            `json:"graph"`
	TeamSymmetricKeys map[uint64][]byte `json:"teamSymmetricKeys"`

	// Admitter* identify the admitting side's device, since the invitee
	// has no HELLO from them to learn it from otherwise.
	AdmitterUserID              string `json:"admitterUserId"`
	AdmitterDeviceSignPublic    []byte `json:"admitterDeviceSignPublic"`
	AdmitterDeviceEncryptPublic []byte `json:"admitterDeviceEncryptPublic"`
}

// identityChallenge is the transcript a device signs to prove it holds
// the signing secret for the public key it claimed in HELLO.
type identityChallenge struct {
	Scope     string    `json:"scope"` // always "DEVICE"
	DeviceID  string    `json:"deviceId"`
	Nonce     []byte    `json:"nonce"`
	Timestamp time.Time `json:"timestamp"`
}

type proveIdentityPayload struct {
	Challenge        identityChallenge `json:"challenge"`
	DeviceSignPublic []byte            `json:"deviceSignPublic"`
	Signature        []byte            `json:"signature"`
}

type acceptIdentityPayload struct{}

type rejectIdentityPayload struct {
	Kind teamerr.Kind `json:"kind"`
}

// syncKind tags a syncPayload's role in the three-message incremental
// exchange: both sides announce head+known hashes, each ships whatever
// the other's announce revealed it was missing, and a post-merge ping
// lets the side that only shipped (and so never touched its own graph)
// learn when its peer has caught up.
type syncKind string

const (
	syncAnnounce syncKind = "ANNOUNCE"
	syncLinks    syncKind = "LINKS"
	syncPing     syncKind = "PING"
)

// syncPayload implements the "exchange heads, walk the parent map, ship
// missing links" exchange from spec §4.6. An ANNOUNCE carries Head and
// Know (this side's full known-hash set, per graph.GetParentMap); a
// LINKS message carries a graph.SaveLinks-encoded subset of exactly the
// links the peer's last announce showed it lacked; a PING re-announces
// Head after a LINKS merge so the shipping side can detect convergence.
type syncPayload struct {
	Kind  syncKind     `json:"kind"`
	Head  []graph.Hash `json:"head,omitempty"`
	Know  []graph.Hash `json:"know,omitempty"`
	Links []byte       `json:"links,omitempty"`
}

// seedPayload carries one side's half of the session key, HPKE-sealed to
// the peer's device encryption public key.
type seedPayload struct {
	Sealed []byte `json:"sealed"`
}

type disconnectPayload struct {
	Kind teamerr.Kind `json:"kind"`
}

// appPayload is an application message, AEAD-sealed under the session
// key once Connected.
type appPayload struct {
	Ciphertext []byte `json:"ciphertext"`
}
