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

package team

import (
	"github.com/sage-x-project/teamkeys/crypto/lockbox"
	"github.com/sage-x-project/teamkeys/graph"
)

// Reduce is a pure fold: given an initial state and a topologically
// ordered, resolver-filtered sequence of links, it applies one transform
// per link and returns the resulting state. Transforms are total and
// deterministic; they never fail on a well-formed TeamAction — malformed
// or policy-violating actions from a malicious peer are silently
// no-op'd, matching §7's "violations detected at reduce are ignored."
func Reduce(initial TeamState, links []*graph.Link, bodies map[graph.Hash]*graph.LinkBody) TeamState {
	state := initial
	for _, link := range links {
		body, ok := bodies[link.Hash]
		if !ok {
			continue
		}
		action, err := UnmarshalAction(body.Payload)
		if err != nil {
			continue
		}
		state = apply(state, link, action)
		state.Head = []graph.Hash{link.Hash}
	}
	return state
}

func apply(s TeamState, link *graph.Link, a TeamAction) TeamState {
	switch a.Type {
	case AddMember:
		return applyAddMember(s, a.AddMember)
	case RemoveMember:
		return applyRemoveMember(s, link, a.RemoveMember)
	case AddRole:
		return applyAddRole(s, a.AddRole)
	case RemoveRole:
		return applyRemoveRole(s, a.RemoveRole)
	case AddMemberRole:
		return applyAddMemberRole(s, a.AddMemberRole)
	case RemoveMemberRole:
		return applyRemoveMemberRole(s, a.RemoveMemberRole)
	case AddDevice:
		return applyAddDevice(s, a.AddDevice)
	case RemoveDevice:
		return applyRemoveDevice(s, a.RemoveDevice)
	case InviteMember, InviteDevice:
		return applyInvite(s, a)
	case RevokeInvitation:
		return applyRevokeInvitation(s, a.RevokeInvitation)
	case AdmitMember, AdmitDevice:
		return applyAdmit(s, a)
	case ChangeMemberKeys:
		return applyChangeMemberKeys(s, a.ChangeMemberKeys)
	case ChangeDeviceKeys:
		return applyChangeDeviceKeys(s, a.ChangeDeviceKeys)
	case ChangeServerKeys:
		return applyChangeServerKeys(s, a.ChangeServerKeys)
	case AddServer:
		return applyAddServer(s, a.AddServer)
	case RemoveServer:
		return applyRemoveServer(s, a.RemoveServer)
	case RotateKeys:
		return applyRotateKeys(s, a.RotateKeys)
	default:
		return s
	}
}

func findMemberIndex(s TeamState, userID string) int {
	for i, m := range s.Members {
		if m.UserID == userID {
			return i
		}
	}
	return -1
}

func isRemovedMember(s TeamState, userID string) bool {
	for _, m := range s.RemovedMembers {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func applyAddMember(s TeamState, p *AddMemberPayload) TeamState {
	if p == nil {
		return s
	}
	if findMemberIndex(s, p.Member.UserID) >= 0 || isRemovedMember(s, p.Member.UserID) {
		return s // already present (or previously removed): no-op, per spec 4.2
	}
	s.Members = append(append([]Member{}, s.Members...), p.Member)
	s.Lockboxes = appendLockboxes(s.Lockboxes, p.Lockboxes)
	return s
}

// appendLockboxes defensively copies before appending so transforms never
// alias the caller's backing array.
func appendLockboxes(existing, add []lockbox.Lockbox) []lockbox.Lockbox {
	out := make([]lockbox.Lockbox, len(existing), len(existing)+len(add))
	copy(out, existing)
	return append(out, add...)
}
