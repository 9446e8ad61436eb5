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

// Package teamerr defines the closed error-kind taxonomy shared by the
// graph, team, and connection packages, replacing the free-form error
// strings of ad-hoc fmt.Errorf calls with a taxonomy callers can switch on.
package teamerr

import "errors"

// Kind is a closed enumeration of the error categories a caller of this
// module needs to distinguish.
type Kind string

const (
	InvalidInvitation Kind = "INVALID_INVITATION"
	ExpiredInvitation  Kind = "EXPIRED_INVITATION"
	UsedInvitation     Kind = "USED_INVITATION"
	RevokedInvitation  Kind = "REVOKED_INVITATION"

	MemberUnknown Kind = "MEMBER_UNKNOWN"
	MemberRemoved Kind = "MEMBER_REMOVED"
	DeviceUnknown Kind = "DEVICE_UNKNOWN"
	DeviceRemoved Kind = "DEVICE_REMOVED"

	IdentityProofInvalid Kind = "IDENTITY_PROOF_INVALID"
	ChallengeStale       Kind = "CHALLENGE_STALE"

	DecryptionFailed    Kind = "DECRYPTION_FAILED"
	EncryptionFailed    Kind = "ENCRYPTION_FAILED"
	SignatureInvalid    Kind = "SIGNATURE_INVALID"
	GraphCorrupt        Kind = "GRAPH_CORRUPT"
	KeyGenerationFailed Kind = "KEY_GENERATION_FAILED"

	NotAdmin              Kind = "NOT_ADMIN"
	CannotRemoveLastAdmin Kind = "CANNOT_REMOVE_LAST_ADMIN"
	CannotInviteOnServer  Kind = "CANNOT_INVITE_ON_SERVER"
	CannotJoinOnServer    Kind = "CANNOT_JOIN_ON_SERVER"

	Timeout Kind = "TIMEOUT"
)

// fatalKinds are graph/crypto integrity failures that terminate a
// Connection rather than allow the peer to retry with new credentials.
var fatalKinds = map[Kind]bool{
	DecryptionFailed: true,
	SignatureInvalid: true,
	GraphCorrupt:     true,
}

// Error wraps a Kind with the underlying cause, if any.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether this error kind is a graph/crypto integrity
// failure that must disconnect rather than be retried.
func (e *Error) Fatal() bool {
	return fatalKinds[e.Kind]
}

// New creates an *Error of the given kind with no wrapped cause.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap creates an *Error of the given kind wrapping err.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err does not carry one.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
