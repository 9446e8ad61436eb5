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

// Package lockbox implements the nested-envelope key-distribution scheme:
// a Lockbox grants the holder of one scope's secret key read access to
// another scope's full keyset. Lockboxes chained recipient-to-contents
// form the can-read DAG that selectors.VisibleScopes walks.
package lockbox

import (
	"crypto/ecdh"
	"encoding/json"

	"github.com/sage-x-project/teamkeys/crypto/primitives"
	"github.com/sage-x-project/teamkeys/internal/obs/metrics"
	"github.com/sage-x-project/teamkeys/teamerr"
)

// ScopeType enumerates the kinds of principal or grant-target a KeyScope
// can name.
type ScopeType string

const (
	ScopeTeam      ScopeType = "TEAM"
	ScopeRole      ScopeType = "ROLE"
	ScopeUser      ScopeType = "USER"
	ScopeDevice    ScopeType = "DEVICE"
	ScopeServer    ScopeType = "SERVER"
	ScopeEphemeral ScopeType = "EPHEMERAL"
)

// Scope identifies a principal or grant-target within a team.
type Scope struct {
	Type ScopeType `json:"type"`
	Name string    `json:"name"`
}

// String renders scope as a stable key suitable for map lookups.
func (s Scope) String() string {
	return string(s.Type) + ":" + s.Name
}

// Keyset is one generation of a scope's key material: a signature
// public key and an encryption public key, tagged with the monotonic
// generation number. A generation's keys are immutable once issued.
type Keyset struct {
	Scope        Scope  `json:"scope"`
	Generation   uint64 `json:"generation"`
	SignPublic   []byte `json:"sign_public"`
	EncryptPublic []byte `json:"encrypt_public"`
}

// KeysetWithSecrets additionally holds the matching secret keys. This is
// the payload a Lockbox delivers; it never appears on the wire except
// encrypted inside a Lockbox's Contents.
type KeysetWithSecrets struct {
	Keyset
	SignSecret    []byte `json:"sign_secret"`
	EncryptSecret []byte `json:"encrypt_secret"`
}

// Lockbox is an encrypted envelope delivering one KeysetWithSecrets to
// the holder of the recipient Keyset's secret encryption key. Lockboxes
// form a directed can-read edge: recipient scope -> contents scope.
type Lockbox struct {
	// Recipient identifies the scope+generation whose secret encryption
	// key is required to open this lockbox.
	Recipient Scope  `json:"recipient"`
	RecipientGeneration uint64 `json:"recipient_generation"`

	// ContentsScope is the scope whose keyset is carried inside.
	ContentsScope      Scope  `json:"contents_scope"`
	ContentsGeneration uint64 `json:"contents_generation"`

	// SenderPublic is the ephemeral X25519 public key used to derive the
	// shared secret contents was sealed under.
	SenderPublic []byte `json:"sender_public"`

	// Sealed is the HPKE-sealed KeysetWithSecrets (enc is embedded by
	// primitives.SealedBoxEncrypt, so SenderPublic here is redundant with
	// it but kept for quick recipient-routing without a decrypt attempt).
	Sealed []byte `json:"sealed"`
}

// info binds a lockbox's seal to its recipient and contents scope so a
// sealed packet cannot be replayed against a different pair.
func (l *Lockbox) info() []byte {
	b, _ := json.Marshal(struct {
		Recipient Scope
		Contents  Scope
	}{l.Recipient, l.ContentsScope})
	return b
}

// Create seals contents for recipientPublic: it generates an ephemeral
// X25519 key pair internally (via primitives.SealedBoxEncrypt's HPKE
// sender), encrypts contents, and records the recipient/contents scope
// references.
func Create(contents KeysetWithSecrets, recipient Scope, recipientGeneration uint64, recipientPublic *ecdh.PublicKey) (*Lockbox, error) {
	plaintext, err := json.Marshal(contents)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.EncryptionFailed, err)
	}

	lb := &Lockbox{
		Recipient:           recipient,
		RecipientGeneration: recipientGeneration,
		ContentsScope:       contents.Scope,
		ContentsGeneration:  contents.Generation,
	}

	sealed, err := primitives.SealedBoxEncrypt(recipientPublic, plaintext, lb.info())
	if err != nil {
		return nil, err
	}
	lb.Sealed = sealed
	// The first 32 bytes of the packet are HPKE's encapsulated ephemeral key.
	lb.SenderPublic = append([]byte(nil), sealed[:32]...)
	return lb, nil
}

// Open reverses Create: it decrypts lb.Sealed with recipientSecret and
// unmarshals the enclosed KeysetWithSecrets. Fails with
// teamerr.DecryptionFailed if the seal's MAC does not verify.
func Open(lb *Lockbox, recipientSecret *ecdh.PrivateKey) (*KeysetWithSecrets, error) {
	plaintext, err := primitives.SealedBoxOpen(recipientSecret, lb.Sealed, lb.info())
	if err != nil {
		metrics.LockboxOpenErrors.Inc()
		return nil, teamerr.Wrap(teamerr.DecryptionFailed, err)
	}

	var contents KeysetWithSecrets
	if err := json.Unmarshal(plaintext, &contents); err != nil {
		metrics.LockboxOpenErrors.Inc()
		return nil, teamerr.Wrap(teamerr.DecryptionFailed, err)
	}
	return &contents, nil
}

// Rotate produces a new Lockbox to the same recipient scope (optionally
// a new recipient generation) carrying newContents (a later generation
// of the contents scope's keyset). recipientPublic is the recipient's
// (possibly rotated) current encryption public key.
func Rotate(old *Lockbox, newContents KeysetWithSecrets, recipientGeneration uint64, recipientPublic *ecdh.PublicKey) (*Lockbox, error) {
	metrics.LockboxRotations.WithLabelValues(string(newContents.Scope.Type)).Inc()
	return Create(newContents, old.Recipient, recipientGeneration, recipientPublic)
}
