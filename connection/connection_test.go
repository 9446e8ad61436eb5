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

package connection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/teamkeys/config"
	"github.com/sage-x-project/teamkeys/connection"
	"github.com/sage-x-project/teamkeys/connection/inmemory"
	"github.com/sage-x-project/teamkeys/internal/obs/log"
	"github.com/sage-x-project/teamkeys/team"
	"github.com/sage-x-project/teamkeys/teamerr"
)

func mustIdentity(t *testing.T, userID, name string) team.Identity {
	t.Helper()
	id, err := team.NewIdentity(userID, name, name+"-device")
	require.NoError(t, err)
	return id
}

// forkTeam returns an independent in-memory replica of src's graph under
// self, as a separate device holding the same history would. It models
// what a prior Connection round (or a lockbox join) would have delivered,
// without requiring a second transport round trip to set up a test.
func forkTeam(t *testing.T, src *team.Team, self team.Identity) *team.Team {
	t.Helper()
	data, err := src.Save()
	require.NoError(t, err)
	fork, err := team.Load(data, src.SymmetricKeys(), self, log.NewNop())
	require.NoError(t, err)
	return fork
}

// recordingEvents captures every Connection callback and exposes small
// channels tests can wait on, since inmemory dispatches asynchronously.
type recordingEvents struct {
	connection.NoopEvents

	mu            sync.Mutex
	connectedCh   chan struct{}
	disconnectedCh chan teamerr.Kind
	joinedCh      chan struct{ team, user string }
	messages      [][]byte
	localErrs     []error
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		connectedCh:    make(chan struct{}, 1),
		disconnectedCh: make(chan teamerr.Kind, 1),
		joinedCh:       make(chan struct{ team, user string }, 1),
	}
}

func (e *recordingEvents) OnConnected(ctx context.Context) {
	select {
	case e.connectedCh <- struct{}{}:
	default:
	}
}

func (e *recordingEvents) OnJoined(ctx context.Context, teamName, userID string) {
	select {
	case e.joinedCh <- struct{ team, user string }{teamName, userID}:
	default:
	}
}

func (e *recordingEvents) OnDisconnected(ctx context.Context, kind teamerr.Kind) {
	select {
	case e.disconnectedCh <- kind:
	default:
	}
}

func (e *recordingEvents) OnLocalError(ctx context.Context, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localErrs = append(e.localErrs, err)
}

func (e *recordingEvents) OnMessage(ctx context.Context, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, payload)
}

func waitConnected(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnected")
	}
}

func testConfig() config.ConnectionConfig {
	return config.Default().Connection
}

func TestConnection_NormalHandshakeConverges(t *testing.T) {
	alice := mustIdentity(t, "alice", "Alice")
	bob := mustIdentity(t, "bob", "Bob")

	aliceTeam, err := team.Create("Rocket", alice, nil)
	require.NoError(t, err)
	require.NoError(t, aliceTeam.Add(bob.Member()))

	bobTeam := forkTeam(t, aliceTeam, bob)

	// Alice keeps going after the fork so her graph diverges from Bob's
	// stale copy, exercising the incremental SYNC path (ANNOUNCE reveals
	// a gap, a LINKS message ships exactly the missing link) rather than
	// the immediate-convergence case where both sides already agree.
	erin := mustIdentity(t, "erin", "Erin")
	require.NoError(t, aliceTeam.Add(erin.Member()))

	aliceEvents := newRecordingEvents()
	bobEvents := newRecordingEvents()

	var aliceConnection, bobConnection *connection.Connection
	chA, chB := inmemory.Pair(
		receiverFunc(func(ctx context.Context, msg []byte) error { return bobConnection.Deliver(ctx, msg) }),
		receiverFunc(func(ctx context.Context, msg []byte) error { return aliceConnection.Deliver(ctx, msg) }),
	)
	defer chA.Close()
	defer chB.Close()

	aliceConnection, err = connection.New(testConfig(), alice, aliceTeam, chA, aliceEvents, log.NewNop())
	require.NoError(t, err)
	bobConnection, err = connection.New(testConfig(), bob, bobTeam, chB, bobEvents, log.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, aliceConnection.Start(ctx))
	require.NoError(t, bobConnection.Start(ctx))

	waitConnected(t, aliceEvents.connectedCh)
	waitConnected(t, bobEvents.connectedCh)

	require.Equal(t, connection.Connected, aliceConnection.State())
	require.Equal(t, connection.Connected, bobConnection.State())

	// Bob never had erin's Add link until SYNC shipped it incrementally.
	_, ok := bobConnection.Team().State().Member("erin")
	require.True(t, ok)

	require.NoError(t, aliceConnection.SendMessage(ctx, []byte("hello bob")))
	require.Eventually(t, func() bool {
		bobEvents.mu.Lock()
		defer bobEvents.mu.Unlock()
		return len(bobEvents.messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	bobEvents.mu.Lock()
	require.Equal(t, []byte("hello bob"), bobEvents.messages[0])
	bobEvents.mu.Unlock()
}

func TestConnection_InviteeIsAdmittedAndJoins(t *testing.T) {
	alice := mustIdentity(t, "alice", "Alice")
	aliceTeam, err := team.Create("Rocket", alice, nil)
	require.NoError(t, err)

	const seed = "correct horse battery staple"
	_, err = aliceTeam.InviteMember(seed, time.Time{}, 1)
	require.NoError(t, err)

	carol := mustIdentity(t, "carol", "Carol")
	carolEvents := newRecordingEvents()
	aliceEvents := newRecordingEvents()

	var aliceConnection, carolConnection *connection.Connection
	chA, chC := inmemory.Pair(
		receiverFunc(func(ctx context.Context, msg []byte) error { return carolConnection.Deliver(ctx, msg) }),
		receiverFunc(func(ctx context.Context, msg []byte) error { return aliceConnection.Deliver(ctx, msg) }),
	)
	defer chA.Close()
	defer chC.Close()

	aliceConnection, err = connection.New(testConfig(), alice, aliceTeam, chA, aliceEvents, log.NewNop())
	require.NoError(t, err)
	carolConnection, err = connection.NewInvitee(testConfig(), carol, seed, chC, carolEvents, log.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, aliceConnection.Start(ctx))
	require.NoError(t, carolConnection.Start(ctx))

	select {
	case joined := <-carolEvents.joinedCh:
		require.Equal(t, "Rocket", joined.team)
		require.Equal(t, "carol", joined.user)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnJoined")
	}

	waitConnected(t, aliceEvents.connectedCh)
	waitConnected(t, carolEvents.connectedCh)

	require.NotNil(t, carolConnection.Team())
	_, ok := carolConnection.Team().State().Member("alice")
	require.True(t, ok)
}

func TestConnection_UnknownDeviceIsRejected(t *testing.T) {
	alice := mustIdentity(t, "alice", "Alice")
	aliceTeam, err := team.Create("Rocket", alice, nil)
	require.NoError(t, err)

	stranger := mustIdentity(t, "mallory", "Mallory")
	aliceEvents := newRecordingEvents()
	strangerEvents := newRecordingEvents()

	var aliceConnection, strangerConnection *connection.Connection
	chA, chS := inmemory.Pair(
		receiverFunc(func(ctx context.Context, msg []byte) error { return strangerConnection.Deliver(ctx, msg) }),
		receiverFunc(func(ctx context.Context, msg []byte) error { return aliceConnection.Deliver(ctx, msg) }),
	)
	defer chA.Close()
	defer chS.Close()

	// stranger has its own, disconnected team graph and claims a device
	// identity alice's team has never seen.
	strangerTeam, err := team.Create("Imposter", stranger, nil)
	require.NoError(t, err)

	aliceConnection, err = connection.New(testConfig(), alice, aliceTeam, chA, aliceEvents, log.NewNop())
	require.NoError(t, err)
	strangerConnection, err = connection.New(testConfig(), stranger, strangerTeam, chS, strangerEvents, log.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, aliceConnection.Start(ctx))
	require.NoError(t, strangerConnection.Start(ctx))

	select {
	case kind := <-aliceEvents.disconnectedCh:
		require.Equal(t, teamerr.DeviceUnknown, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnDisconnected")
	}
}

func TestConnection_RejectsNilChannel(t *testing.T) {
	alice := mustIdentity(t, "alice", "Alice")
	aliceTeam, err := team.Create("Rocket", alice, nil)
	require.NoError(t, err)

	_, err = connection.New(testConfig(), alice, aliceTeam, nil, nil, log.NewNop())
	require.Error(t, err)
}

// receiverFunc adapts a function to inmemory.Receiver.
type receiverFunc func(ctx context.Context, msg []byte) error

func (f receiverFunc) Deliver(ctx context.Context, msg []byte) error { return f(ctx, msg) }
