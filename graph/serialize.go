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

package graph

import (
	"encoding/json"

	"github.com/sage-x-project/teamkeys/teamerr"
)

// wireFormatVersion is bumped whenever the Envelope shape changes
// incompatibly. It is the first byte of every Save() payload.
const wireFormatVersion byte = 1

// Envelope is the self-describing serialized form of a Graph: root, head,
// every link keyed by hash, and the childMap used to reconstruct head
// without re-deriving it from scratch.
type Envelope struct {
	Root     Hash             `json:"root"`
	Head     []Hash           `json:"head"`
	Links    map[Hash]*Link   `json:"links"`
	ChildMap map[Hash][]Hash  `json:"child_map"`
}

// Save serializes g to a versioned byte payload. Link bodies remain
// encrypted; only Load (with a keyring) can recover plaintext.
func Save(g *Graph) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	env := Envelope{
		Root:     g.root,
		Head:     g.Head(),
		Links:    g.links,
		ChildMap: g.childMap,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.GraphCorrupt, err)
	}
	return append([]byte{wireFormatVersion}, body...), nil
}

// SaveLinks serializes an arbitrary subset of links rather than a whole
// graph, for incremental sync: a peer ships exactly the links its parent
// map walk found missing on the other side, not a full snapshot. Root,
// Head and ChildMap are left zero-valued; Merge only ever reads a
// Graph's links and decrypted bodies, never those fields, so a Graph
// loaded from this payload is only ever valid as Merge's second operand.
func SaveLinks(links []*Link) ([]byte, error) {
	env := Envelope{
		Links: make(map[Hash]*Link, len(links)),
	}
	for _, l := range links {
		env.Links[l.Hash] = l
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.GraphCorrupt, err)
	}
	return append([]byte{wireFormatVersion}, body...), nil
}

// Load deserializes data produced by Save, decrypting link bodies with
// keyring (a lookup from team keyset generation to symmetric key), and
// verifying every signature. Fails with teamerr.GraphCorrupt if the
// version byte is unrecognized, the envelope is malformed, or any link
// fails signature or decryption checks.
func Load(data []byte, keyring func(generation uint64) ([]byte, bool)) (*Graph, error) {
	if len(data) == 0 || data[0] != wireFormatVersion {
		return nil, teamerr.New(teamerr.GraphCorrupt)
	}

	var env Envelope
	if err := json.Unmarshal(data[1:], &env); err != nil {
		return nil, teamerr.Wrap(teamerr.GraphCorrupt, err)
	}

	g := New()
	g.root = env.Root
	for h, l := range env.Links {
		g.links[h] = l
	}
	for h, cs := range env.ChildMap {
		g.childMap[h] = cs
	}
	for _, h := range env.Head {
		g.head[h] = struct{}{}
	}

	if err := g.DecryptLinks(keyring); err != nil {
		return nil, err
	}
	return g, nil
}
