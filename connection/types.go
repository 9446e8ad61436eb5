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

// Package connection implements the peer-to-peer Connection state
// machine: mutual device-identity authentication (or invitation
// admission for a party with no team state yet), graph synchronization,
// and session-key negotiation. It knows nothing about transport; the
// host supplies a Channel and drives Deliver with whatever bytes arrive.
package connection

import "github.com/sage-x-project/teamkeys/graph"

// State is the Connection's top-level phase. checkingInvitations and
// checkingIdentity (and its two parallel regions) are modeled as
// sub-phase fields on Connection rather than additional State values,
// since they only ever apply while State == Authenticating.
type State int

const (
	Disconnected State = iota
	AwaitingIdentityClaim
	Authenticating
	Synchronizing
	Negotiating
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AwaitingIdentityClaim:
		return "awaitingIdentityClaim"
	case Authenticating:
		return "authenticating"
	case Synchronizing:
		return "synchronizing"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// provingPhase tracks the "provingMyIdentity" parallel region: this side
// convincing the peer it owns the device key it claimed in HELLO.
type provingPhase int

const (
	provingAwaitingChallenge provingPhase = iota
	provingAwaitingAcceptance
	provingDone
)

// verifyingPhase tracks the "verifyingTheirIdentity" parallel region:
// this side challenging the peer and checking its response.
type verifyingPhase int

const (
	verifyingAwaitingHello verifyingPhase = iota
	verifyingAwaitingProof
	verifyingDone
)

// negotiatingPhase tracks session-seed exchange within Negotiating.
type negotiatingPhase int

const (
	negotiatingAwaitingSeed negotiatingPhase = iota
	negotiatingDone
)

// Head is re-exported for callers who only import connection and want to
// report the team's frontier from an UpdatedEvent-shaped callback without
// also importing graph directly.
type Head = []graph.Hash
