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

// Package inmemory is a test-only connection.Channel pair: two byte pipes
// wired directly to each other's Deliver, FIFO, in-process. It exists so
// the connection package's test suite can drive two Connections through a
// full handshake without any real transport.
package inmemory

import (
	"context"
	"sync"
)

// Receiver is the half of connection.Connection that inmemory needs:
// just enough to dispatch delivered bytes without importing the
// connection package (which would create an import cycle from
// connection's own tests).
type Receiver interface {
	Deliver(ctx context.Context, msg []byte) error
}

// Channel ships bytes to its paired peer's Deliver on a dedicated
// goroutine, preserving send order without blocking the sender on the
// peer's processing.
type Channel struct {
	mu      sync.Mutex
	peer    Receiver
	queue   chan []byte
	closed  bool
	errs    []error
	errsMu  sync.Mutex
}

// Pair wires two Receivers to each other and returns each side's Channel.
// Call Close on both when the test is done to stop the dispatch
// goroutines.
func Pair(a, b Receiver) (*Channel, *Channel) {
	ca := newChannel(b)
	cb := newChannel(a)
	return ca, cb
}

func newChannel(peer Receiver) *Channel {
	c := &Channel{
		peer:  peer,
		queue: make(chan []byte, 64),
	}
	go c.run()
	return c
}

func (c *Channel) run() {
	for msg := range c.queue {
		if err := c.peer.Deliver(context.Background(), msg); err != nil {
			c.errsMu.Lock()
			c.errs = append(c.errs, err)
			c.errsMu.Unlock()
		}
	}
}

// Send enqueues msg for delivery to the peer. It never blocks on the
// peer's processing, only on the (generously sized) internal queue.
func (c *Channel) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	cp := append([]byte(nil), msg...)
	select {
	case c.queue <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops this Channel's dispatch goroutine. Safe to call once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.queue)
}

// Errs returns every error Deliver returned on the peer side, for tests
// that want to assert no delivery failed silently.
func (c *Channel) Errs() []error {
	c.errsMu.Lock()
	defer c.errsMu.Unlock()
	return append([]error(nil), c.errs...)
}
