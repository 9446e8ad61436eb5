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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sage-x-project/teamkeys/config"
	"github.com/sage-x-project/teamkeys/graph"
	"github.com/sage-x-project/teamkeys/internal/obs/log"
	"github.com/sage-x-project/teamkeys/internal/obs/metrics"
	"github.com/sage-x-project/teamkeys/team"
	"github.com/sage-x-project/teamkeys/team/invitation"
	"github.com/sage-x-project/teamkeys/teamerr"
)

// Connection drives one peer-to-peer session: mutual authentication,
// graph sync, and session-key negotiation. It borrows a *team.Team (or,
// on the invitee path, constructs one from an ACCEPT_INVITATION) but
// never mutates the graph directly — every change goes through
// Team.Merge.
type Connection struct {
	mu sync.Mutex

	id      string
	channel Channel
	events  Events
	cfg     config.ConnectionConfig
	log     log.Logger

	team *team.Team
	self team.Identity

	// invitationSeed is non-empty iff this side has no team state yet
	// and must present an invitation proof in HELLO instead of a device
	// identity claim.
	invitationSeed string

	state      State
	proving    provingPhase
	verifying  verifyingPhase
	negotiate  negotiatingPhase

	peerUserID              string
	peerDeviceSignPublic    []byte
	peerDeviceEncryptPublic []byte

	issuedNonce   []byte
	issuedNonceAt time.Time
	usedNonces    map[string]time.Time

	// peerSyncHead is the last head this side's peer reported during
	// Synchronizing, tracked so a side that only ships links (because its
	// own graph had nothing to merge) can still detect convergence once
	// the peer's post-merge PING reports a matching head.
	peerSyncHead []graph.Hash

	localSeedHalf []byte
	sentSeed      bool
	sessionKey    []byte

	sf singleflight.Group

	timer   *time.Timer
	stopped bool
}

// New constructs a Connection for an existing team member/device.
// t must be non-nil; the connection authenticates against t's current
// state and merges the peer's graph into it.
func New(cfg config.ConnectionConfig, self team.Identity, t *team.Team, channel Channel, events Events, logger log.Logger) (*Connection, error) {
	if t == nil {
		return nil, errors.New("connection: team must not be nil; use NewInvitee for the invitation path")
	}
	return newConnection(cfg, self, t, "", channel, events, logger)
}

// NewInvitee constructs a Connection for a party with no team state yet,
// presenting proof of possession of seed in HELLO instead of a device
// identity claim. On success the peer's ACCEPT_INVITATION populates a
// Team, reachable afterward via Connection.Team.
func NewInvitee(cfg config.ConnectionConfig, self team.Identity, seed string, channel Channel, events Events, logger log.Logger) (*Connection, error) {
	if seed == "" {
		return nil, errors.New("connection: seed must not be empty")
	}
	return newConnection(cfg, self, nil, seed, channel, events, logger)
}

func newConnection(cfg config.ConnectionConfig, self team.Identity, t *team.Team, seed string, channel Channel, events Events, logger log.Logger) (*Connection, error) {
	if channel == nil {
		return nil, errors.New("connection: channel must not be nil")
	}
	if events == nil {
		events = NoopEvents{}
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Connection{
		id:             uuid.NewString(),
		channel:        channel,
		events:         events,
		cfg:            cfg,
		log:            logger,
		team:           t,
		self:           self,
		invitationSeed: seed,
		state:          Disconnected,
		usedNonces:     make(map[string]time.Time),
	}, nil
}

// Team returns the connection's current team reference, or nil if the
// invitee path has not yet received ACCEPT_INVITATION.
func (c *Connection) Team() *team.Team {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.team
}

// State reports the current top-level state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start sends this side's HELLO and enters awaitingIdentityClaim.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Disconnected {
		return fmt.Errorf("connection: Start called in state %s", c.state)
	}

	var body helloPayload
	if c.invitationSeed != "" {
		proof := invitation.GenerateProof(c.invitationSeed)
		body = helloPayload{
			Invitation: &proof,
			NewMember:  memberPtr(c.self.Member()),
		}
	} else {
		body = helloPayload{
			UserID:              c.self.UserID,
			DeviceName:          c.self.DeviceName,
			DeviceSignPublic:    c.self.DeviceSignPublic,
			DeviceEncryptPublic: c.self.DeviceEncryptPublic.Bytes(),
		}
	}

	if err := c.sendLocked(ctx, msgHello, body); err != nil {
		return err
	}
	c.transitionLocked(AwaitingIdentityClaim)
	return nil
}

// Stop transitions to Disconnected, notifying the peer if still
// reachable. Buffered messages are simply ignored after this point —
// Deliver becomes a no-op once stopped.
func (c *Connection) Stop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	_ = c.sendLocked(ctx, msgDisconnect, disconnectPayload{Kind: ""})
	c.transitionLocked(Disconnected)
	c.events.OnDisconnected(ctx, "")
}

// SendMessage encrypts payload under the negotiated session key and
// ships it as an application message. Only valid once Connected.
func (c *Connection) SendMessage(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return fmt.Errorf("connection: SendMessage called in state %s", c.state)
	}
	ct, err := sealSession(c.sessionKey, payload)
	if err != nil {
		return err
	}
	return c.sendLocked(ctx, msgApp, appPayload{Ciphertext: ct})
}

// Deliver is the inbound seam: the host calls it with exactly the bytes
// a peer's Channel.Send produced, in FIFO order.
func (c *Connection) Deliver(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}

	env, err := decodeEnvelope(msg)
	if err != nil {
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}

	switch env.Type {
	case msgHello:
		return c.handleHelloLocked(ctx, env)
	case msgAcceptInvitation:
		return c.handleAcceptInvitationLocked(ctx, env)
	case msgChallengeIdentity:
		return c.handleChallengeIdentityLocked(ctx, env)
	case msgProveIdentity:
		return c.handleProveIdentityLocked(ctx, env)
	case msgAcceptIdentity:
		return c.handleAcceptIdentityLocked(ctx, env)
	case msgRejectIdentity:
		return c.handleRejectIdentityLocked(ctx, env)
	case msgSync:
		return c.handleSyncLocked(ctx, env)
	case msgSeed:
		return c.handleSeedLocked(ctx, env)
	case msgDisconnect:
		return c.handleDisconnectLocked(ctx, env)
	case msgApp:
		return c.handleAppLocked(ctx, env)
	default:
		err := fmt.Errorf("connection: unknown message type %q", env.Type)
		c.failLocked(ctx, teamerr.GraphCorrupt, err)
		return err
	}
}

// sendLocked marshals and ships body under the given message type.
// Callers must hold c.mu.
func (c *Connection) sendLocked(ctx context.Context, t MessageType, body any) error {
	data, err := encodeEnvelope(t, body)
	if err != nil {
		return err
	}
	return c.channel.Send(ctx, data)
}

// transitionLocked moves to next, (re)arming the state timeout and
// recording the transition. Callers must hold c.mu.
func (c *Connection) transitionLocked(next State) {
	metrics.ConnectionStateTransitions.WithLabelValues(c.state.String(), next.String()).Inc()
	c.log.Debug("connection state transition",
		log.String("id", c.id),
		log.String("from", c.state.String()),
		log.String("to", next.String()))
	c.state = next
	c.armTimeoutLocked()
}

// armTimeoutLocked (re)starts the per-state deadline. Connected and
// Disconnected never time out.
func (c *Connection) armTimeoutLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.state == Connected || c.state == Disconnected {
		return
	}
	deadline := c.cfg.StateTimeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	c.timer = time.AfterFunc(deadline, c.onTimeout)
}

func (c *Connection) onTimeout() {
	ctx := context.Background()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.state == Connected || c.state == Disconnected {
		return
	}
	c.failLocked(ctx, teamerr.Timeout, errors.New("connection: state timeout"))
}

// failLocked reports a local error, tells the peer, and disconnects.
// Callers must hold c.mu.
func (c *Connection) failLocked(ctx context.Context, kind teamerr.Kind, err error) {
	metrics.ConnectionErrors.WithLabelValues(string(kind)).Inc()
	c.events.OnLocalError(ctx, teamerr.Wrap(kind, err))
	if !c.stopped {
		_ = c.sendLocked(ctx, msgDisconnect, disconnectPayload{Kind: kind})
	}
	c.stopped = true
	c.transitionLocked(Disconnected)
	c.events.OnDisconnected(ctx, kind)
}

func memberPtr(m team.Member) *team.Member { return &m }
