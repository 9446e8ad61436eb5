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

// Package resolver filters and re-orders concurrent team-management
// actions to enforce administrative-conflict policy before the reducer
// ever sees them: mutual remove/demote, invalidated-authority cascades,
// and duplicate-admission dedup. It depends only on package graph, not
// on package team, so team can depend on it without an import cycle —
// it peeks at just the fields of a link's JSON payload it needs.
package resolver

import (
	"encoding/hex"
	"encoding/json"

	"github.com/sage-x-project/teamkeys/graph"
	"github.com/sage-x-project/teamkeys/internal/obs/metrics"
)

const adminRole = "admin"

// peekAction is the minimal shape the resolver reads out of a link body's
// JSON payload — enough to track authorship, admin status and invitation
// admission, without importing package team.
type peekAction struct {
	Type string `json:"type"`

	AddMember *struct {
		Member struct {
			UserID     string   `json:"user_id"`
			SignPublic []byte   `json:"sign_public"`
			Roles      []string `json:"roles"`
		} `json:"member"`
	} `json:"add_member"`

	RemoveMember *struct {
		UserID string `json:"user_id"`
	} `json:"remove_member"`

	AddMemberRole *struct {
		UserID   string `json:"user_id"`
		RoleName string `json:"role_name"`
	} `json:"add_member_role"`

	RemoveMemberRole *struct {
		UserID   string `json:"user_id"`
		RoleName string `json:"role_name"`
	} `json:"remove_member_role"`

	AdmitMember *struct {
		InvitationID string `json:"invitation_id"`
		Member       *struct {
			UserID     string `json:"user_id"`
			SignPublic []byte `json:"sign_public"`
		} `json:"member"`
	} `json:"admit_member"`
}

func peek(body *graph.LinkBody) (peekAction, bool) {
	var a peekAction
	if err := json.Unmarshal(body.Payload, &a); err != nil {
		return a, false
	}
	return a, true
}

func pubkeyID(pub []byte) string { return hex.EncodeToString(pub) }

// authorityView is the resolver's shadow state: just enough team
// semantics to decide admin conflicts, threaded forward across the
// topo-sorted link sequence as concurrent sets are resolved one at a
// time.
type authorityView struct {
	userOf  map[string]string // author pubkey id -> userId (from ADD_MEMBER/ADMIT_MEMBER)
	admins  map[string]bool   // userId -> is admin
	removed map[string]bool   // userId -> removed
	founder string
}

func newAuthorityView() *authorityView {
	return &authorityView{
		userOf:  make(map[string]string),
		admins:  make(map[string]bool),
		removed: make(map[string]bool),
	}
}

func (v *authorityView) authorUser(body *graph.LinkBody) (string, bool) {
	u, ok := v.userOf[pubkeyID(body.User)]
	return u, ok
}

func (v *authorityView) apply(body *graph.LinkBody, a peekAction) {
	switch a.Type {
	case "ADD_MEMBER":
		if a.AddMember == nil {
			return
		}
		uid := a.AddMember.Member.UserID
		v.userOf[pubkeyID(a.AddMember.Member.SignPublic)] = uid
		if v.founder == "" {
			v.founder = uid
		}
		for _, r := range a.AddMember.Member.Roles {
			if r == adminRole {
				v.admins[uid] = true
			}
		}
	case "REMOVE_MEMBER":
		if a.RemoveMember == nil {
			return
		}
		v.removed[a.RemoveMember.UserID] = true
		delete(v.admins, a.RemoveMember.UserID)
	case "ADD_MEMBER_ROLE":
		if a.AddMemberRole != nil && a.AddMemberRole.RoleName == adminRole {
			v.admins[a.AddMemberRole.UserID] = true
		}
	case "REMOVE_MEMBER_ROLE":
		if a.RemoveMemberRole != nil && a.RemoveMemberRole.RoleName == adminRole {
			delete(v.admins, a.RemoveMemberRole.UserID)
		}
	case "ADMIT_MEMBER":
		if a.AdmitMember != nil && a.AdmitMember.Member != nil {
			v.userOf[pubkeyID(a.AdmitMember.Member.SignPublic)] = a.AdmitMember.Member.UserID
		}
	}
}

// isDemotionOrRemoval reports whether a reduces or revokes another member's
// standing: REMOVE_MEMBER or a REMOVE_MEMBER_ROLE of the admin role.
func isDemotionOrRemoval(a peekAction) (target string, ok bool) {
	if a.Type == "REMOVE_MEMBER" && a.RemoveMember != nil {
		return a.RemoveMember.UserID, true
	}
	if a.Type == "REMOVE_MEMBER_ROLE" && a.RemoveMemberRole != nil && a.RemoveMemberRole.RoleName == adminRole {
		return a.RemoveMemberRole.UserID, true
	}
	return "", false
}

// SeniorityOrder computes the bySeniority total order over members: the
// founder (root link's author) is most senior; otherwise if A's
// ADD_MEMBER link is a predecessor of B's ADD_MEMBER link, A is senior;
// concurrent additions tie-break by hash of the ADD_MEMBER link. Returns
// a map from userId to rank (lower = more senior).
func SeniorityOrder(g *graph.Graph) map[string]int {
	ordered := graph.TopoSort(g, graph.DefaultComparator)

	type entry struct {
		userID string
		hash   graph.Hash
	}
	var entries []entry
	founderSet := false

	for _, link := range ordered {
		body, ok := g.Body(link.Hash)
		if !ok {
			continue
		}
		a, ok := peek(body)
		if !ok || a.Type != "ADD_MEMBER" || a.AddMember == nil {
			continue
		}
		if !founderSet && link.Hash == g.Root() {
			entries = append(entries, entry{a.AddMember.Member.UserID, link.Hash})
			founderSet = true
			continue
		}
		entries = append(entries, entry{a.AddMember.Member.UserID, link.Hash})
	}

	rank := make(map[string]int, len(entries))
	for i, e := range entries {
		rank[e.userID] = i
	}
	return rank
}

// SeniorityComparator orders two concurrent hashes by the seniority of
// their ADD_MEMBER-deriving author when resolvable, falling back to hash
// order. No caller in this module passes it to TopoSort: Resolve and
// SeniorityOrder sort with graph.DefaultComparator (hash order).
func SeniorityComparator(rank map[string]int, authorOf func(graph.Hash) string) graph.Comparator {
	return func(g *graph.Graph, a, b graph.Hash) bool {
		ra, aok := rank[authorOf(a)]
		rb, bok := rank[authorOf(b)]
		if aok && bok && ra != rb {
			return ra < rb
		}
		return a < b
	}
}

// Resolve returns the links of g in topological order with concurrent
// admin-conflict actions filtered per §4.3: mutual remove/demote keeps
// the more senior actor; invalidated-authority cascades drop any action
// by an author who has lost admin standing in the winning branch; and
// concurrent ADMIT_MEMBER links for one invitation keep only the one
// with the lowest hash. Neither maxUses nor author seniority is read for
// admissions, and ADMIT_DEVICE links are not deduplicated.
func Resolve(g *graph.Graph) []*graph.Link {
	baseOrder := graph.TopoSort(g, graph.DefaultComparator)
	sets := graph.ConcurrentSets(g, baseOrder)

	view := newAuthorityView()
	dropped := make(map[graph.Hash]bool)
	admitCounts := make(map[string]int) // invitationID -> accepted admits so far

	linkOf := make(map[graph.Hash]*graph.Link, len(baseOrder))
	for _, l := range baseOrder {
		linkOf[l.Hash] = l
	}

	for _, set := range sets {
		// Pass 1: detect mutual remove/demote pairs within this concurrent set.
		targets := make(map[graph.Hash]string) // hash -> target userId, for demote/remove links
		for _, h := range set {
			body, ok := g.Body(h)
			if !ok {
				continue
			}
			a, ok := peek(body)
			if !ok {
				continue
			}
			if target, is := isDemotionOrRemoval(a); is {
				targets[h] = target
			}
		}

		for h1, target1 := range targets {
			if dropped[h1] {
				continue
			}
			body1, _ := g.Body(h1)
			author1, known1 := view.authorUser(body1)
			for h2, target2 := range targets {
				if h1 == h2 || dropped[h2] {
					continue
				}
				body2, _ := g.Body(h2)
				author2, known2 := view.authorUser(body2)
				if !known1 || !known2 {
					continue
				}
				if author1 == target2 && author2 == target1 {
					// Mutual conflict: more senior author wins.
					seniorityRank := seniorityRankSnapshot(view, author1, author2)
					loserHash := h2
					if seniorityRank[author1] > seniorityRank[author2] {
						loserHash = h1
					}
					dropped[loserHash] = true
					metrics.ResolverFilteredActions.WithLabelValues("mutual_remove_demote").Inc()
				}
			}
		}

		// Pass 2: invalidated-authority cascade. A demotion/removal that
		// survived pass 1 invalidates every OTHER concurrent action (not
		// just a mutual counter-demotion) authored by its target, since the
		// two actions are concurrent and conflict resolution favors whichever
		// standing wins. Project this set's surviving demotions/removals onto
		// a scratch copy of admin standing first, then check the remaining
		// admin-requiring actions against that projection rather than
		// against the pre-set view.
		setAdmins := make(map[string]bool, len(view.admins))
		for k, v := range view.admins {
			setAdmins[k] = v
		}
		for _, h := range set {
			if dropped[h] {
				continue
			}
			body, ok := g.Body(h)
			if !ok {
				continue
			}
			a, ok := peek(body)
			if !ok {
				continue
			}
			if target, is := isDemotionOrRemoval(a); is {
				delete(setAdmins, target)
			}
		}

		for _, h := range set {
			if dropped[h] {
				continue
			}
			body, ok := g.Body(h)
			if !ok {
				continue
			}
			a, ok := peek(body)
			if !ok {
				continue
			}
			if !requiresAdmin(a) {
				continue
			}
			author, known := view.authorUser(body)
			if known && !setAdmins[author] && author != view.founder {
				dropped[h] = true
				metrics.ResolverFilteredActions.WithLabelValues("invalidated_authority").Inc()
			}
		}

		// Pass 3: duplicate admission — concurrent admits of one invitation
		// are reduced to one. We don't know maxUses here (resolver doesn't interpret
		// Invitation state), so we defer the maxUses check to the facade;
		// here we only dedup literally-identical concurrent admits of the
		// very same invitation authored by different surviving links,
		// keeping the lexicographically-first hash.
		seenInvite := make(map[string]graph.Hash)
		for _, h := range set {
			if dropped[h] {
				continue
			}
			body, ok := g.Body(h)
			if !ok {
				continue
			}
			a, ok := peek(body)
			if !ok || a.AdmitMember == nil {
				continue
			}
			id := a.AdmitMember.InvitationID
			if first, exists := seenInvite[id]; exists {
				if h < first {
					dropped[first] = true
					seenInvite[id] = h
				} else {
					dropped[h] = true
				}
				metrics.ResolverFilteredActions.WithLabelValues("duplicate_admission").Inc()
				continue
			}
			seenInvite[id] = h
		}

		// Apply the surviving links of this set to the shadow authority
		// view, in hash order for determinism, before moving to the next
		// concurrent set.
		survivors := make([]graph.Hash, 0, len(set))
		for _, h := range set {
			if !dropped[h] {
				survivors = append(survivors, h)
			}
		}
		sortHashesAsc(survivors)
		for _, h := range survivors {
			body, ok := g.Body(h)
			if !ok {
				continue
			}
			a, ok := peek(body)
			if !ok {
				continue
			}
			view.apply(body, a)
			if a.Type == "ADMIT_MEMBER" && a.AdmitMember != nil {
				admitCounts[a.AdmitMember.InvitationID]++
			}
		}
	}

	out := make([]*graph.Link, 0, len(baseOrder))
	for _, l := range baseOrder {
		if !dropped[l.Hash] {
			out = append(out, l)
		}
	}
	return out
}

// requiresAdmin reports whether action a can only be legitimately
// authored by a current admin.
func requiresAdmin(a peekAction) bool {
	switch a.Type {
	case "REMOVE_MEMBER", "ADD_MEMBER_ROLE", "REMOVE_MEMBER_ROLE", "ADD_ROLE", "REMOVE_ROLE",
		"ADD_SERVER", "REMOVE_SERVER", "ROTATE_KEYS":
		return true
	default:
		return false
	}
}

func seniorityRankSnapshot(v *authorityView, a, b string) map[string]int {
	if a == v.founder {
		return map[string]int{a: 0, b: 1}
	}
	if b == v.founder {
		return map[string]int{a: 1, b: 0}
	}
	// Without a full ADD_MEMBER DAG position available in this shadow
	// view, fall back to a deterministic lexicographic tie-break — the
	// same "arbitrary but deterministic" fallback the DAG-position rule
	// itself bottoms out at for concurrent additions.
	if a < b {
		return map[string]int{a: 0, b: 1}
	}
	return map[string]int{a: 1, b: 0}
}

func sortHashesAsc(hs []graph.Hash) {
	for i := 1; i < len(hs); i++ {
		for j := i; j > 0 && hs[j] < hs[j-1]; j-- {
			hs[j], hs[j-1] = hs[j-1], hs[j]
		}
	}
}
