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

func applyRemoveMember(s TeamState, link *graph.Link, p *RemoveMemberPayload) TeamState {
	if p == nil {
		return s
	}
	idx := findMemberIndex(s, p.UserID)
	if idx < 0 {
		return s
	}
	member := s.Members[idx]

	members := make([]Member, 0, len(s.Members)-1)
	members = append(members, s.Members[:idx]...)
	members = append(members, s.Members[idx+1:]...)
	s.Members = members

	s.RemovedMembers = append(append([]Member{}, s.RemovedMembers...), member)
	s.RemovedDevices = append(append([]Device{}, s.RemovedDevices...), member.Devices...)
	s.Lockboxes = appendLockboxes(s.Lockboxes, p.Lockboxes)

	// The author's own device key removing another member's admin status
	// does not itself require rotation bookkeeping here; pendingKeyRotations
	// tracks the removed member so the facade knows to issue fresh keysets.
	if member.HasRole(AdminRole) || memberIsOnlyAdminSource(s, member) {
		s.PendingKeyRotations = append(append([]string{}, s.PendingKeyRotations...), p.UserID)
	}
	return s
}

func memberIsOnlyAdminSource(s TeamState, m Member) bool {
	_ = s
	return m.HasRole(AdminRole)
}

func applyAddRole(s TeamState, p *AddRolePayload) TeamState {
	if p == nil {
		return s
	}
	for _, r := range s.Roles {
		if r.RoleName == p.Role.RoleName {
			return s
		}
	}
	s.Roles = append(append([]Role{}, s.Roles...), p.Role)
	return s
}

func applyRemoveRole(s TeamState, p *RemoveRolePayload) TeamState {
	if p == nil {
		return s
	}
	roles := make([]Role, 0, len(s.Roles))
	for _, r := range s.Roles {
		if r.RoleName != p.RoleName {
			roles = append(roles, r)
		}
	}
	s.Roles = roles
	return s
}

func applyAddMemberRole(s TeamState, p *AddMemberRolePayload) TeamState {
	if p == nil {
		return s
	}
	idx := findMemberIndex(s, p.UserID)
	if idx < 0 {
		return s
	}
	if s.Members[idx].HasRole(p.RoleName) {
		return s
	}
	members := append([]Member{}, s.Members...)
	m := members[idx]
	m.Roles = append(append([]string{}, m.Roles...), p.RoleName)
	members[idx] = m
	s.Members = members
	s.Lockboxes = appendLockboxes(s.Lockboxes, p.Lockboxes)
	return s
}

// applyRemoveMemberRole drops a role from a member. The "not the last
// admin" invariant is enforced by the facade at dispatch time (§4.2) and
// again here: removing the admin role from the only remaining admin is a
// no-op, so a peer's link that would leave no admin changes nothing.
func applyRemoveMemberRole(s TeamState, p *RemoveMemberRolePayload) TeamState {
	if p == nil {
		return s
	}
	idx := findMemberIndex(s, p.UserID)
	if idx < 0 {
		return s
	}
	if p.RoleName == AdminRole && s.Members[idx].HasRole(AdminRole) && s.AdminCount() <= 1 {
		return s
	}
	members := append([]Member{}, s.Members...)
	m := members[idx]
	roles := make([]string, 0, len(m.Roles))
	for _, r := range m.Roles {
		if r != p.RoleName {
			roles = append(roles, r)
		}
	}
	m.Roles = roles
	members[idx] = m
	s.Members = members
	return s
}

func applyAddDevice(s TeamState, p *AddDevicePayload) TeamState {
	if p == nil {
		return s
	}
	idx := findMemberIndex(s, p.Device.UserID)
	if idx < 0 {
		return s
	}
	members := append([]Member{}, s.Members...)
	m := members[idx]
	for _, d := range m.Devices {
		if d.DeviceName == p.Device.DeviceName {
			return s
		}
	}
	m.Devices = append(append([]Device{}, m.Devices...), p.Device)
	members[idx] = m
	s.Members = members
	return s
}

func applyRemoveDevice(s TeamState, p *RemoveDevicePayload) TeamState {
	if p == nil {
		return s
	}
	idx := findMemberIndex(s, p.UserID)
	if idx < 0 {
		return s
	}
	members := append([]Member{}, s.Members...)
	m := members[idx]
	devices := make([]Device, 0, len(m.Devices))
	var removed *Device
	for _, d := range m.Devices {
		if d.DeviceName == p.DeviceName {
			dCopy := d
			removed = &dCopy
			continue
		}
		devices = append(devices, d)
	}
	if removed == nil {
		return s
	}
	m.Devices = devices
	members[idx] = m
	s.Members = members
	s.RemovedDevices = append(append([]Device{}, s.RemovedDevices...), *removed)
	s.Lockboxes = appendLockboxes(s.Lockboxes, p.Lockboxes)
	return s
}

func applyInvite(s TeamState, a TeamAction) TeamState {
	var p *InvitePayload
	if a.Type == InviteMember {
		p = a.InviteMember
	} else {
		p = a.InviteDevice
	}
	if p == nil {
		return s
	}
	if _, exists := s.Invitations[p.Invitation.ID]; exists {
		return s
	}
	invitations := copyInvitations(s.Invitations)
	invitations[p.Invitation.ID] = p.Invitation
	s.Invitations = invitations
	return s
}

func copyInvitations(in map[string]Invitation) map[string]Invitation {
	out := make(map[string]Invitation, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func applyRevokeInvitation(s TeamState, p *RevokeInvitationPayload) TeamState {
	if p == nil {
		return s
	}
	inv, ok := s.Invitations[p.ID]
	if !ok {
		return s
	}
	inv.Revoked = true
	invitations := copyInvitations(s.Invitations)
	invitations[p.ID] = inv
	s.Invitations = invitations
	return s
}

func applyAdmit(s TeamState, a TeamAction) TeamState {
	var p *AdmitPayload
	if a.Type == AdmitMember {
		p = a.AdmitMember
	} else {
		p = a.AdmitDevice
	}
	if p == nil {
		return s
	}
	inv, ok := s.Invitations[p.InvitationID]
	if !ok || inv.Revoked || inv.Uses >= inv.MaxUses {
		return s
	}

	inv.Uses++
	invitations := copyInvitations(s.Invitations)
	invitations[p.InvitationID] = inv
	s.Invitations = invitations

	switch {
	case a.Type == AdmitMember && p.Member != nil:
		if findMemberIndex(s, p.Member.UserID) >= 0 || isRemovedMember(s, p.Member.UserID) {
			return s
		}
		s.Members = append(append([]Member{}, s.Members...), *p.Member)
	case a.Type == AdmitDevice && p.Device != nil && inv.UserID != nil:
		idx := findMemberIndex(s, *inv.UserID)
		if idx < 0 {
			return s
		}
		members := append([]Member{}, s.Members...)
		m := members[idx]
		m.Devices = append(append([]Device{}, m.Devices...), *p.Device)
		members[idx] = m
		s.Members = members
	}
	return s
}

func applyChangeMemberKeys(s TeamState, p *ChangeKeysPayload) TeamState {
	if p == nil {
		return s
	}
	idx := findMemberIndex(s, p.UserID)
	if idx < 0 {
		return s
	}
	members := append([]Member{}, s.Members...)
	m := members[idx]
	m.SignPublic = p.SignPublic
	m.EncryptPublic = p.EncryptPublic
	members[idx] = m
	s.Members = members
	return s
}

func applyChangeDeviceKeys(s TeamState, p *ChangeKeysPayload) TeamState {
	if p == nil {
		return s
	}
	idx := findMemberIndex(s, p.UserID)
	if idx < 0 {
		return s
	}
	members := append([]Member{}, s.Members...)
	m := members[idx]
	devices := append([]Device{}, m.Devices...)
	for i, d := range devices {
		if d.DeviceName == p.DeviceName {
			d.SignPublic = p.SignPublic
			d.EncryptPublic = p.EncryptPublic
			devices[i] = d
		}
	}
	m.Devices = devices
	members[idx] = m
	s.Members = members
	return s
}

func applyChangeServerKeys(s TeamState, p *ChangeKeysPayload) TeamState {
	if p == nil {
		return s
	}
	servers := append([]Server{}, s.Servers...)
	for i, srv := range servers {
		if srv.Host == p.Host {
			srv.SignPublic = p.SignPublic
			srv.EncryptPublic = p.EncryptPublic
			servers[i] = srv
		}
	}
	s.Servers = servers
	return s
}

func applyAddServer(s TeamState, p *AddServerPayload) TeamState {
	if p == nil {
		return s
	}
	for _, srv := range s.Servers {
		if srv.Host == p.Server.Host {
			return s
		}
	}
	s.Servers = append(append([]Server{}, s.Servers...), p.Server)
	return s
}

func applyRemoveServer(s TeamState, p *RemoveServerPayload) TeamState {
	if p == nil {
		return s
	}
	servers := make([]Server, 0, len(s.Servers))
	var removed *Server
	for _, srv := range s.Servers {
		if srv.Host == p.Host {
			c := srv
			removed = &c
			continue
		}
		servers = append(servers, srv)
	}
	if removed == nil {
		return s
	}
	s.Servers = servers
	s.RemovedServers = append(append([]Server{}, s.RemovedServers...), *removed)
	return s
}

func applyRotateKeys(s TeamState, p *RotateKeysPayload) TeamState {
	if p == nil {
		return s
	}
	keyring := make(map[uint64]lockbox.Keyset, len(s.TeamKeyring)+1)
	for gen, ks := range s.TeamKeyring {
		keyring[gen] = ks
	}
	keyring[p.Generation] = p.TeamKeyset
	s.TeamKeyring = keyring
	s.Lockboxes = appendLockboxes(s.Lockboxes, p.Lockboxes)
	s.PendingKeyRotations = nil
	return s
}
