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
	"bytes"
	"time"

	"github.com/sage-x-project/teamkeys/crypto/lockbox"
	"github.com/sage-x-project/teamkeys/teamerr"
)

// Has reports whether userID is a current (non-removed) member.
func (s TeamState) Has(userID string) bool {
	return findMemberIndex(s, userID) >= 0
}

// MembersList returns the current member list.
func (s TeamState) MembersList() []Member {
	return s.Members
}

// Member looks up a current member by id.
func (s TeamState) Member(userID string) (Member, bool) {
	idx := findMemberIndex(s, userID)
	if idx < 0 {
		return Member{}, false
	}
	return s.Members[idx], true
}

// RolesList returns the team's defined roles.
func (s TeamState) RolesList() []Role {
	return s.Roles
}

// MemberIsAdmin reports whether userID currently holds the admin role.
func (s TeamState) MemberIsAdmin(userID string) bool {
	m, ok := s.Member(userID)
	return ok && m.HasRole(AdminRole)
}

// AdminCount returns the number of current admins, used by the facade to
// enforce "cannot remove the last admin".
func (s TeamState) AdminCount() int {
	n := 0
	for _, m := range s.Members {
		if m.HasRole(AdminRole) {
			n++
		}
	}
	return n
}

// MemberWasRemoved reports whether userID appears in removedMembers.
func (s TeamState) MemberWasRemoved(userID string) bool {
	return isRemovedMember(s, userID)
}

// TeamKeys returns the current (highest-generation) team keyset.
func (s TeamState) TeamKeys() (lockbox.Keyset, bool) {
	return s.keysetAtLatest()
}

func (s TeamState) keysetAtLatest() (lockbox.Keyset, bool) {
	var best *lockbox.Keyset
	for gen, ks := range s.TeamKeyring {
		k := ks
		if best == nil || gen > best.Generation {
			best = &k
		}
	}
	if best == nil {
		return lockbox.Keyset{}, false
	}
	return *best, true
}

// AdminKeys returns the current team keyset (admins share the team
// keyset generation in this scheme; a dedicated admin-scope keyset is
// not modeled separately).
func (s TeamState) AdminKeys() (lockbox.Keyset, bool) {
	return s.TeamKeys()
}

// Invitation looks up a pending invitation by id.
func (s TeamState) Invitation(id string) (Invitation, bool) {
	inv, ok := s.Invitations[id]
	return inv, ok
}

// InvitationCanBeUsed reports VALID iff the invitation is not revoked,
// under its max-use count, and not expired relative to now.
func InvitationCanBeUsed(inv Invitation, now time.Time) bool {
	if inv.Revoked {
		return false
	}
	if inv.Uses >= inv.MaxUses {
		return false
	}
	if inv.Expiration != 0 && now.Unix() >= inv.Expiration {
		return false
	}
	return true
}

// DeviceLookup finds the member owning devicePublic (a device Ed25519
// signature public key) and classifies the result the way a Connection's
// identity verifier needs to respond to CHALLENGE_IDENTITY/PROVE_IDENTITY:
// an empty Kind means the device belongs to a current member in good
// standing; any other Kind names why the proof cannot be accepted.
func (s TeamState) DeviceLookup(devicePublic []byte) (Member, Device, teamerr.Kind) {
	for _, m := range s.Members {
		for _, d := range m.Devices {
			if bytes.Equal(d.SignPublic, devicePublic) {
				return m, d, ""
			}
		}
	}
	for _, m := range s.RemovedMembers {
		for _, d := range m.Devices {
			if bytes.Equal(d.SignPublic, devicePublic) {
				return m, d, teamerr.MemberRemoved
			}
		}
	}
	for _, d := range s.RemovedDevices {
		if bytes.Equal(d.SignPublic, devicePublic) {
			return Member{UserID: d.UserID}, d, teamerr.DeviceRemoved
		}
	}
	return Member{}, Device{}, teamerr.DeviceUnknown
}

// VisibleScopes returns every scope reachable from fromScope via
// lockbox can-read edges: fromScope sees contentsScope for every
// lockbox whose Recipient is fromScope or a scope already known
// visible, transitively.
func (s TeamState) VisibleScopes(fromScope lockbox.Scope) map[string]lockbox.Scope {
	visible := map[string]lockbox.Scope{fromScope.String(): fromScope}
	changed := true
	for changed {
		changed = false
		for _, lb := range s.Lockboxes {
			if _, fromVisible := visible[lb.Recipient.String()]; !fromVisible {
				continue
			}
			if _, already := visible[lb.ContentsScope.String()]; already {
				continue
			}
			visible[lb.ContentsScope.String()] = lb.ContentsScope
			changed = true
		}
	}
	return visible
}
