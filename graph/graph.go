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

// Package graph implements the append-only, content-addressed signed-link
// DAG: append, merge, deterministic topo-sort, reachability queries, and
// sync-oriented parent maps. It knows nothing about team semantics — the
// team package interprets link bodies.
package graph

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sage-x-project/teamkeys/crypto/primitives"
	"github.com/sage-x-project/teamkeys/internal/obs/metrics"
	"github.com/sage-x-project/teamkeys/teamerr"
)

// Hash is a link's content-addressed identifier: primitives.Hash of the
// ciphertext under the "graph-link" scope (base58 of a scoped SHA-256).
type Hash string

// LinkBody is the plaintext a Link's Ciphertext encrypts. Prev holds the
// predecessor hashes present at the author's moment of authorship.
type LinkBody struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	User      []byte          `json:"user"`   // author's Ed25519 public key
	Device    []byte          `json:"device"` // author's device Ed25519 public key
	Timestamp time.Time       `json:"timestamp"`
	Prev      []Hash          `json:"prev"`
}

// Link is one signed, encrypted entry in the graph. Hash is computed over
// Ciphertext; Signature is computed over Hash by the author's device key.
type Link struct {
	Hash       Hash   `json:"hash"`
	Ciphertext []byte `json:"ciphertext"`
	Generation uint64 `json:"generation"` // team keyset generation used to encrypt
	Signature  []byte `json:"signature"`
	SignerKey  []byte `json:"signer_key"` // author's device Ed25519 public key
}

// Graph is an immutable-links, append-only DAG. Root has no predecessor;
// Head is the set of hashes with no child; every Prev entry in every
// link body must resolve to a link present in Links.
type Graph struct {
	mu        sync.RWMutex
	root      Hash
	head      map[Hash]struct{}
	links     map[Hash]*Link
	bodies    map[Hash]*LinkBody // decrypted cache, populated on append/load
	childMap  map[Hash][]Hash

	reachCache map[Hash]map[Hash]bool // memoized ancestor sets, invalidated on mutation
}

// New returns an empty graph with no root.
func New() *Graph {
	return &Graph{
		head:       make(map[Hash]struct{}),
		links:      make(map[Hash]*Link),
		bodies:     make(map[Hash]*LinkBody),
		childMap:   make(map[Hash][]Hash),
		reachCache: make(map[Hash]map[Hash]bool),
	}
}

// Root returns the graph's root hash, or "" if empty.
func (g *Graph) Root() Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.root
}

// Head returns the current frontier: hashes with no child, sorted for
// deterministic iteration.
func (g *Graph) Head() []Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Hash, 0, len(g.head))
	for h := range g.head {
		out = append(out, h)
	}
	sortHashes(out)
	return out
}

// Link returns the link for hash, and whether it was present.
func (g *Graph) Link(h Hash) (*Link, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.links[h]
	return l, ok
}

// Body returns the decrypted body for hash, and whether it was present.
func (g *Graph) Body(h Hash) (*LinkBody, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.bodies[h]
	return b, ok
}

// Len reports the number of links in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.links)
}

// Append encrypts body under teamKey (the current team keyset generation's
// symmetric secret), signs the resulting hash with userSignSecret, and
// inserts the link, advancing head to {this hash}. body.Prev is set to the
// graph's current head before encryption, so callers should not set it.
func Append(g *Graph, body LinkBody, generation uint64, teamKey []byte, userSignSecret []byte, authorDeviceKey []byte) (Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	body.Prev = make([]Hash, 0, len(g.head))
	for h := range g.head {
		body.Prev = append(body.Prev, h)
	}
	sortHashes(body.Prev)

	plaintext, err := json.Marshal(body)
	if err != nil {
		return "", teamerr.Wrap(teamerr.GraphCorrupt, err)
	}

	ciphertext, err := primitives.SymmetricEncrypt(teamKey, plaintext, []byte("graph-link"))
	if err != nil {
		return "", err
	}

	h := Hash(primitives.Hash("graph-link", ciphertext))
	sig := primitives.Sign(userSignSecret, []byte(h))

	link := &Link{
		Hash:       h,
		Ciphertext: ciphertext,
		Generation: generation,
		Signature:  sig,
		SignerKey:  authorDeviceKey,
	}

	if err := g.insertLocked(link, &body); err != nil {
		return "", err
	}
	metrics.GraphLinksAppended.Inc()
	return h, nil
}

// insertLocked assumes g.mu is held for writing. It is idempotent: a
// duplicate hash is a no-op success, consistent with merge()'s content-
// addressed dedup.
func (g *Graph) insertLocked(link *Link, body *LinkBody) error {
	if _, exists := g.links[link.Hash]; exists {
		return nil
	}

	if len(g.links) == 0 {
		if len(body.Prev) != 0 {
			return teamerr.New(teamerr.GraphCorrupt)
		}
		g.root = link.Hash
	} else if len(body.Prev) == 0 {
		return teamerr.New(teamerr.GraphCorrupt)
	}

	for _, p := range body.Prev {
		if _, ok := g.links[p]; !ok {
			return teamerr.New(teamerr.GraphCorrupt)
		}
	}

	g.links[link.Hash] = link
	g.bodies[link.Hash] = body

	for _, p := range body.Prev {
		g.childMap[p] = append(g.childMap[p], link.Hash)
		delete(g.head, p)
	}
	if len(g.childMap[link.Hash]) == 0 {
		g.head[link.Hash] = struct{}{}
	}

	g.reachCache = make(map[Hash]map[Hash]bool)
	return nil
}

// DecryptLinks decrypts every link in the graph not yet cached in bodies,
// using keyring to look up the symmetric key for each link's Generation.
// Returns teamerr.GraphCorrupt (fatal) if any link fails to decrypt or its
// signature does not verify against SignerKey.
func (g *Graph) DecryptLinks(keyring func(generation uint64) ([]byte, bool)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for h, link := range g.links {
		if _, ok := g.bodies[h]; ok {
			continue
		}
		if err := primitives.Verify(link.SignerKey, []byte(link.Hash), link.Signature); err != nil {
			return teamerr.Wrap(teamerr.GraphCorrupt, err)
		}
		key, ok := keyring(link.Generation)
		if !ok {
			return teamerr.New(teamerr.GraphCorrupt)
		}
		plaintext, err := primitives.SymmetricDecrypt(key, link.Ciphertext, []byte("graph-link"))
		if err != nil {
			return teamerr.Wrap(teamerr.GraphCorrupt, err)
		}
		var body LinkBody
		if err := json.Unmarshal(plaintext, &body); err != nil {
			return teamerr.Wrap(teamerr.GraphCorrupt, err)
		}
		g.bodies[h] = &body
	}
	return nil
}

// Merge returns a new graph containing the union of a and b's links.
// Merge is idempotent, commutative, and associative because union over a
// content-addressed set has those properties unconditionally.
func Merge(a, b *Graph) (*Graph, error) {
	start := time.Now()
	defer func() { metrics.GraphMergeDuration.Observe(time.Since(start).Seconds()) }()

	a.mu.RLock()
	b.mu.RLock()
	all := make([]*Link, 0, len(a.links)+len(b.links))
	bodies := make(map[Hash]*LinkBody, len(a.bodies)+len(b.bodies))
	for h, l := range a.links {
		all = append(all, l)
		if body, ok := a.bodies[h]; ok {
			bodies[h] = body
		}
	}
	for h, l := range b.links {
		if _, exists := a.links[h]; exists {
			continue
		}
		all = append(all, l)
		if body, ok := b.bodies[h]; ok {
			bodies[h] = body
		}
	}
	a.mu.RUnlock()
	b.mu.RUnlock()

	// Insert in an order that respects causal dependency: repeatedly take
	// any link whose Prev are already present (or empty for the root).
	out := New()
	pending := all
	for len(pending) > 0 {
		progressed := false
		remaining := pending[:0:0]
		for _, l := range pending {
			body, ok := bodies[l.Hash]
			if !ok {
				// Undecrypted link: still insertable structurally, but we
				// cannot check Prev without a body. Treat as corrupt.
				return nil, teamerr.New(teamerr.GraphCorrupt)
			}
			ready := true
			out.mu.RLock()
			for _, p := range body.Prev {
				if _, ok := out.links[p]; !ok {
					ready = false
					break
				}
			}
			out.mu.RUnlock()
			if !ready {
				remaining = append(remaining, l)
				continue
			}
			if err := out.insertLocked2(l, body); err != nil {
				return nil, err
			}
			progressed = true
		}
		if !progressed {
			return nil, teamerr.New(teamerr.GraphCorrupt)
		}
		pending = remaining
	}
	return out, nil
}

// insertLocked2 takes the lock itself (Merge builds out without holding
// out.mu across insertLocked, unlike Append).
func (g *Graph) insertLocked2(link *Link, body *LinkBody) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insertLocked(link, body)
}

func sortHashes(hs []Hash) {
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
}
