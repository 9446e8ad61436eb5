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

	"github.com/sage-x-project/teamkeys/teamerr"
)

// Channel is the one abstraction the host must implement: an ordered,
// reliable, bidirectional byte-message pipe to exactly one peer. No
// network code lives in this package; connection/inmemory provides a
// test-only paired implementation.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
}

// Events are the application-level callbacks a Connection emits. The
// Connection package never creates or stores sessions or application
// state itself; it only reports what happened, mirroring the teacher's
// handshake.Events split between protocol mechanics and app-layer hooks.
type Events interface {
	// OnConnected fires once mutual identity is established and the
	// session key is negotiated.
	OnConnected(ctx context.Context)
	// OnJoined fires once, only on the invitee path, after ACCEPT_INVITATION
	// is opened and a Team is constructed locally.
	OnJoined(ctx context.Context, teamName, userID string)
	// OnUpdated fires whenever a merge during synchronizing advances the
	// local team's head.
	OnUpdated(ctx context.Context, head Head)
	// OnDisconnected fires when the connection transitions to Disconnected,
	// whether by Stop, a local error, a peer DISCONNECT, or timeout.
	OnDisconnected(ctx context.Context, kind teamerr.Kind)
	// OnLocalError fires when this side detects a protocol violation or
	// failure before it disconnects.
	OnLocalError(ctx context.Context, err error)
	// OnRemoteError fires when the peer's DISCONNECT or REJECT_IDENTITY
	// carries an error kind.
	OnRemoteError(ctx context.Context, kind teamerr.Kind)
	// OnMessage fires for an application payload delivered over the
	// established post-Connected session.
	OnMessage(ctx context.Context, payload []byte)
}

// NoopEvents discards every callback; useful as a default.
type NoopEvents struct{}

func (NoopEvents) OnConnected(context.Context)                     {}
func (NoopEvents) OnJoined(context.Context, string, string)        {}
func (NoopEvents) OnUpdated(context.Context, Head)                 {}
func (NoopEvents) OnDisconnected(context.Context, teamerr.Kind)     {}
func (NoopEvents) OnLocalError(context.Context, error)              {}
func (NoopEvents) OnRemoteError(context.Context, teamerr.Kind)      {}
func (NoopEvents) OnMessage(context.Context, []byte)                {}
