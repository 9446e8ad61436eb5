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
	"sort"
	"time"

	"github.com/sage-x-project/teamkeys/internal/obs/metrics"
)

// Comparator orders two concurrent (no path between them) hashes within
// a topo-sort. TopoSort's default comparator is hash order; the team
// resolver and team.Reduce sort with that default as well.
type Comparator func(g *Graph, a, b Hash) bool // a < b

// DefaultComparator orders concurrent candidates by hash, lexicographically.
func DefaultComparator(_ *Graph, a, b Hash) bool {
	return a < b
}

// TopoSort returns links in a deterministic topological order: repeatedly
// emit the frontier of the remaining graph (links whose Prev are already
// emitted); among concurrent candidates in that frontier, order by cmp.
func TopoSort(g *Graph, cmp Comparator) []*Link {
	start := time.Now()
	defer func() { metrics.GraphTopoSortDuration.Observe(time.Since(start).Seconds()) }()

	if cmp == nil {
		cmp = DefaultComparator
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	emitted := make(map[Hash]bool, len(g.links))
	remaining := make(map[Hash]*LinkBody, len(g.bodies))
	for h, b := range g.bodies {
		remaining[h] = b
	}

	out := make([]*Link, 0, len(g.links))
	for len(remaining) > 0 {
		frontier := make([]Hash, 0)
		for h, body := range remaining {
			ready := true
			for _, p := range body.Prev {
				if !emitted[p] {
					ready = false
					break
				}
			}
			if ready {
				frontier = append(frontier, h)
			}
		}
		if len(frontier) == 0 {
			// Cycle or missing predecessor: should not happen for a graph
			// that passed insertLocked's invariant checks.
			break
		}
		sort.Slice(frontier, func(i, j int) bool { return cmp(g, frontier[i], frontier[j]) })
		for _, h := range frontier {
			out = append(out, g.links[h])
			emitted[h] = true
			delete(remaining, h)
		}
	}
	return out
}

// GetPredecessors returns every ancestor of h (transitively), memoized
// per-graph until the next mutation invalidates the cache.
func GetPredecessors(g *Graph, h Hash) map[Hash]bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cached, ok := g.reachCache[h]; ok {
		return cached
	}

	result := make(map[Hash]bool)
	var visit func(Hash)
	visit = func(cur Hash) {
		body, ok := g.bodies[cur]
		if !ok {
			return
		}
		for _, p := range body.Prev {
			if !result[p] {
				result[p] = true
				visit(p)
			}
		}
	}
	visit(h)
	g.reachCache[h] = result
	return result
}

// GetSuccessors returns every descendant of h (transitively).
func GetSuccessors(g *Graph, h Hash) map[Hash]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make(map[Hash]bool)
	var visit func(Hash)
	visit = func(cur Hash) {
		for _, c := range g.childMap[cur] {
			if !result[c] {
				result[c] = true
				visit(c)
			}
		}
	}
	visit(h)
	return result
}

// IsPredecessor reports whether a is an ancestor of b.
func IsPredecessor(g *Graph, a, b Hash) bool {
	return GetPredecessors(g, b)[a]
}

// ConcurrentSets partitions links, in the given order, into runs of
// consecutive links with no path between any pair; a link that is not
// concurrent with every member of the current run starts a new run. The
// runs follow the input order and are not guaranteed to be maximal
// antichains. Used by the resolver to apply admin-conflict policy only
// within concurrent actions.
func ConcurrentSets(g *Graph, ordered []*Link) [][]Hash {
	var sets [][]Hash
	var current []Hash
	seen := make(map[Hash]bool)

	for _, l := range ordered {
		if len(current) == 0 {
			current = append(current, l.Hash)
			seen[l.Hash] = true
			continue
		}
		concurrentWithAll := true
		for _, h := range current {
			if IsPredecessor(g, h, l.Hash) || IsPredecessor(g, l.Hash, h) {
				concurrentWithAll = false
				break
			}
		}
		if concurrentWithAll {
			current = append(current, l.Hash)
		} else {
			sets = append(sets, current)
			current = []Hash{l.Hash}
		}
	}
	if len(current) > 0 {
		sets = append(sets, current)
	}
	return sets
}
