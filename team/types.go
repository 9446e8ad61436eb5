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

// Package team implements the membership reducer, conflict resolver,
// selectors, and the public Team façade built on top of package graph.
package team

import (
	"encoding/json"

	"github.com/sage-x-project/teamkeys/crypto/lockbox"
	"github.com/sage-x-project/teamkeys/graph"
)

// ActionType tags the variant carried by a TeamAction / LinkBody.Payload.
type ActionType string

const (
	AddMember         ActionType = "ADD_MEMBER"
	RemoveMember      ActionType = "REMOVE_MEMBER"
	AddRole           ActionType = "ADD_ROLE"
	RemoveRole        ActionType = "REMOVE_ROLE"
	AddMemberRole     ActionType = "ADD_MEMBER_ROLE"
	RemoveMemberRole  ActionType = "REMOVE_MEMBER_ROLE"
	AddDevice         ActionType = "ADD_DEVICE"
	RemoveDevice      ActionType = "REMOVE_DEVICE"
	InviteMember      ActionType = "INVITE_MEMBER"
	InviteDevice      ActionType = "INVITE_DEVICE"
	RevokeInvitation  ActionType = "REVOKE_INVITATION"
	AdmitMember       ActionType = "ADMIT_MEMBER"
	AdmitDevice       ActionType = "ADMIT_DEVICE"
	ChangeMemberKeys  ActionType = "CHANGE_MEMBER_KEYS"
	ChangeDeviceKeys  ActionType = "CHANGE_DEVICE_KEYS"
	ChangeServerKeys  ActionType = "CHANGE_SERVER_KEYS"
	AddServer         ActionType = "ADD_SERVER"
	RemoveServer      ActionType = "REMOVE_SERVER"
	RotateKeys        ActionType = "ROTATE_KEYS"
)

// AdminRole is the built-in role name every founder receives and that
// memberIsAdmin checks for.
const AdminRole = "admin"

// Device is one signature+encryption keypair pair bound to a member.
type Device struct {
	UserID        string    `json:"user_id"`
	DeviceName    string    `json:"device_name"`
	SignPublic    []byte    `json:"sign_public"`
	EncryptPublic []byte    `json:"encrypt_public"`
	Scope         lockbox.Scope `json:"scope"`
}

// Member is one team participant: identity, devices, and role assignments.
type Member struct {
	UserID   string   `json:"user_id"`
	UserName string   `json:"user_name"`
	SignPublic    []byte   `json:"sign_public"`
	EncryptPublic []byte   `json:"encrypt_public"`
	Devices  []Device `json:"devices"`
	Roles    []string `json:"roles"`
}

// HasRole reports whether m has been granted roleName.
func (m Member) HasRole(roleName string) bool {
	for _, r := range m.Roles {
		if r == roleName {
			return true
		}
	}
	return false
}

// Role is a named permission bundle.
type Role struct {
	RoleName    string   `json:"role_name"`
	Permissions []string `json:"permissions"`
}

// Server is a non-human team participant (e.g. a sync relay) with its
// own keyset but no membership roles.
type Server struct {
	Host          string `json:"host"`
	SignPublic    []byte `json:"sign_public"`
	EncryptPublic []byte `json:"encrypt_public"`
}

// Invitation is a pending Seitan-style admission ticket.
type Invitation struct {
	ID         string  `json:"id"`
	PublicKey  []byte  `json:"public_key"`
	Expiration int64   `json:"expiration"` // unix seconds; 0 = no expiration
	MaxUses    int     `json:"max_uses"`
	Uses       int     `json:"uses"`
	Revoked    bool    `json:"revoked"`
	UserID     *string `json:"user_id,omitempty"` // set for device invitations
}

// TeamState is the fully derived, in-memory view of a team: the result
// of Reduce over a topologically ordered, resolver-filtered link set.
// It is never persisted directly — Graph is the source of truth.
type TeamState struct {
	TeamName string

	Members        []Member
	Roles          []Role
	Servers        []Server
	Lockboxes      []lockbox.Lockbox
	Invitations    map[string]Invitation

	RemovedMembers []Member
	RemovedDevices []Device
	RemovedServers []Server

	PendingKeyRotations []string // userIds awaiting a rotation lockbox

	TeamKeyring   map[uint64]lockbox.Keyset // generation -> public keyset
	Head          []graph.Hash
}

// NewTeamState returns an empty, ready-to-fold state.
func NewTeamState() TeamState {
	return TeamState{
		Invitations: make(map[string]Invitation),
		TeamKeyring: make(map[uint64]lockbox.Keyset),
	}
}

// TeamAction is the tagged-sum payload carried inside a graph.LinkBody.
// Exactly one of the Add*/Remove*/... fields is populated, selected by
// Type.
type TeamAction struct {
	Type ActionType `json:"type"`

	AddMember        *AddMemberPayload        `json:"add_member,omitempty"`
	RemoveMember     *RemoveMemberPayload     `json:"remove_member,omitempty"`
	AddRole          *AddRolePayload          `json:"add_role,omitempty"`
	RemoveRole       *RemoveRolePayload       `json:"remove_role,omitempty"`
	AddMemberRole    *AddMemberRolePayload    `json:"add_member_role,omitempty"`
	RemoveMemberRole *RemoveMemberRolePayload `json:"remove_member_role,omitempty"`
	AddDevice        *AddDevicePayload        `json:"add_device,omitempty"`
	RemoveDevice     *RemoveDevicePayload     `json:"remove_device,omitempty"`
	InviteMember     *InvitePayload           `json:"invite_member,omitempty"`
	InviteDevice     *InvitePayload           `json:"invite_device,omitempty"`
	RevokeInvitation *RevokeInvitationPayload `json:"revoke_invitation,omitempty"`
	AdmitMember      *AdmitPayload            `json:"admit_member,omitempty"`
	AdmitDevice      *AdmitPayload            `json:"admit_device,omitempty"`
	ChangeMemberKeys *ChangeKeysPayload       `json:"change_member_keys,omitempty"`
	ChangeDeviceKeys *ChangeKeysPayload       `json:"change_device_keys,omitempty"`
	ChangeServerKeys *ChangeKeysPayload       `json:"change_server_keys,omitempty"`
	AddServer        *AddServerPayload        `json:"add_server,omitempty"`
	RemoveServer     *RemoveServerPayload     `json:"remove_server,omitempty"`
	RotateKeys       *RotateKeysPayload       `json:"rotate_keys,omitempty"`
}

type AddMemberPayload struct {
	Member    Member            `json:"member"`
	Lockboxes []lockbox.Lockbox `json:"lockboxes"`
}

type RemoveMemberPayload struct {
	UserID    string            `json:"user_id"`
	Lockboxes []lockbox.Lockbox `json:"lockboxes"`
}

type AddRolePayload struct {
	Role Role `json:"role"`
}

type RemoveRolePayload struct {
	RoleName string `json:"role_name"`
}

type AddMemberRolePayload struct {
	UserID    string            `json:"user_id"`
	RoleName  string            `json:"role_name"`
	Lockboxes []lockbox.Lockbox `json:"lockboxes"`
}

type RemoveMemberRolePayload struct {
	UserID   string `json:"user_id"`
	RoleName string `json:"role_name"`
}

type AddDevicePayload struct {
	Device Device `json:"device"`
}

type RemoveDevicePayload struct {
	UserID     string            `json:"user_id"`
	DeviceName string            `json:"device_name"`
	Lockboxes  []lockbox.Lockbox `json:"lockboxes"`
}

type InvitePayload struct {
	Invitation Invitation `json:"invitation"`
}

type RevokeInvitationPayload struct {
	ID string `json:"id"`
}

type AdmitPayload struct {
	InvitationID string  `json:"invitation_id"`
	Member       *Member `json:"member,omitempty"` // ADMIT_MEMBER
	Device       *Device `json:"device,omitempty"` // ADMIT_DEVICE
}

type ChangeKeysPayload struct {
	UserID        string `json:"user_id,omitempty"`
	DeviceName    string `json:"device_name,omitempty"`
	Host          string `json:"host,omitempty"`
	SignPublic    []byte `json:"sign_public"`
	EncryptPublic []byte `json:"encrypt_public"`
}

type AddServerPayload struct {
	Server Server `json:"server"`
}

type RemoveServerPayload struct {
	Host string `json:"host"`
}

type RotateKeysPayload struct {
	Generation uint64            `json:"generation"`
	Lockboxes  []lockbox.Lockbox `json:"lockboxes"`
	TeamKeyset lockbox.Keyset    `json:"team_keyset"`
}

// Marshal encodes a TeamAction to the JSON payload carried by a graph
// link body.
func (a TeamAction) Marshal() (json.RawMessage, error) {
	return json.Marshal(a)
}

// UnmarshalAction decodes a graph link body payload back into a TeamAction.
func UnmarshalAction(raw json.RawMessage) (TeamAction, error) {
	var a TeamAction
	err := json.Unmarshal(raw, &a)
	return a, err
}
