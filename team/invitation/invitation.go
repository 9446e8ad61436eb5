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

// Package invitation implements the Seitan-style invitation protocol:
// a signing keypair deterministically derived from a shared seed, and a
// proof-of-possession challenge/response over it.
package invitation

import (
	"crypto/ed25519"
	"crypto/sha512"
	"regexp"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/sage-x-project/teamkeys/teamerr"
)

// idLength is the number of bytes of the public key used to form an
// invitation's id.
const idLength = 12

var nonSeedChars = regexp.MustCompile(`[\s\p{P}]+`)

// NormalizeSeed lowercases and strips whitespace/punctuation, so an
// invitee who types "ABC 123!" and one who types "abc123" derive the
// same keypair.
func NormalizeSeed(seed string) string {
	return nonSeedChars.ReplaceAllString(strings.ToLower(seed), "")
}

// DeriveKeyPair deterministically derives an Ed25519 keypair from a
// normalized seed via SHA-512 (Ed25519's own seed-expansion hash),
// truncated to the 32-byte seed ed25519.NewKeyFromSeed requires.
func DeriveKeyPair(seed string) (ed25519.PublicKey, ed25519.PrivateKey) {
	normalized := NormalizeSeed(seed)
	h := sha512.Sum512([]byte("teamkeys-invitation-seed:" + normalized))
	priv := ed25519.NewKeyFromSeed(h[:32])
	return priv.Public().(ed25519.PublicKey), priv
}

// IDFromPublicKey renders an invitation id as base58 of the first
// idLength bytes of the public key.
func IDFromPublicKey(pub ed25519.PublicKey) string {
	n := idLength
	if len(pub) < n {
		n = len(pub)
	}
	return base58.Encode(pub[:n])
}

// Ticket is the public record created by Create: the id and public key
// an inviter distributes out of band alongside the seed.
type Ticket struct {
	ID        string
	PublicKey ed25519.PublicKey
}

// Create derives an invitation keypair from seed and returns its public
// ticket. expiration (unix seconds, 0 = none), maxUses (default 1 if <=
// 0), and userID (set for device invitations, which also force
// maxUses=1) are caller-supplied policy, applied by the team facade when
// it builds the INVITE_* action — Create itself only derives keys.
func Create(seed string) Ticket {
	pub, _ := DeriveKeyPair(seed)
	return Ticket{ID: IDFromPublicKey(pub), PublicKey: pub}
}

// Proof is what an invitee presents to be admitted: the invitation id
// and a signature over the challenge (the id itself).
type Proof struct {
	ID        string
	Signature []byte
}

// GenerateProof derives the same keypair from seed and signs the fixed
// challenge (the invitation id), proving the invitee holds the seed
// without ever transmitting it.
func GenerateProof(seed string) Proof {
	pub, priv := DeriveKeyPair(seed)
	id := IDFromPublicKey(pub)
	sig := ed25519.Sign(priv, []byte(id))
	return Proof{ID: id, Signature: sig}
}

// Validate verifies proof against the ticket's stored public key, over
// the fixed challenge (ticket.ID). Returns teamerr.InvalidInvitation if
// the ids disagree or the signature does not verify.
func Validate(proof Proof, ticket Ticket) error {
	if proof.ID != ticket.ID {
		return teamerr.New(teamerr.InvalidInvitation)
	}
	if !ed25519.Verify(ticket.PublicKey, []byte(ticket.ID), proof.Signature) {
		return teamerr.New(teamerr.InvalidInvitation)
	}
	return nil
}

// CanBeUsed reports VALID iff the invitation is not revoked, under its
// max-use count, and (when set) not yet expired relative to now. kind
// returns the specific violation, or "" if usable.
func CanBeUsed(revoked bool, uses, maxUses int, expirationUnix int64, now time.Time) (bool, teamerr.Kind) {
	if revoked {
		return false, teamerr.RevokedInvitation
	}
	if uses >= maxUses {
		return false, teamerr.UsedInvitation
	}
	if expirationUnix != 0 && now.Unix() >= expirationUnix {
		return false, teamerr.ExpiredInvitation
	}
	return true, ""
}
