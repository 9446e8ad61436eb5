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
	"crypto/ecdh"
	"time"

	"github.com/sage-x-project/teamkeys/crypto/lockbox"
	"github.com/sage-x-project/teamkeys/crypto/primitives"
	"github.com/sage-x-project/teamkeys/internal/obs/log"
	"github.com/sage-x-project/teamkeys/team/invitation"
	"github.com/sage-x-project/teamkeys/teamerr"
)

// Members returns the current member list.
func (t *Team) Members() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.MembersList()
}

// MemberIsAdmin reports whether userID currently holds the admin role.
func (t *Team) MemberIsAdmin(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.MemberIsAdmin(userID)
}

// MemberWasRemoved reports whether userID was ever removed.
func (t *Team) MemberWasRemoved(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.MemberWasRemoved(userID)
}

// TeamKeys returns the current team keyset.
func (t *Team) TeamKeys() (lockbox.Keyset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.TeamKeys()
}

// AdminKeys returns the current admin-visible keyset (aliases TeamKeys
// in this scheme; there is no separate admin-scope keyset).
func (t *Team) AdminKeys() (lockbox.Keyset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.AdminKeys()
}

func (t *Team) requireAdmin(userID string) error {
	if !t.state.MemberIsAdmin(userID) {
		return teamerr.New(teamerr.NotAdmin)
	}
	return nil
}

// Add admits a new member directly (no invitation), attaching an initial
// lockbox carrying the current team keyset to their encryption key.
// Requires the local device's user to be an admin.
func (t *Team) Add(member Member) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireAdmin(t.self.UserID); err != nil {
		return err
	}

	encPub, err := ecdh.X25519().NewPublicKey(member.EncryptPublic)
	if err != nil {
		return teamerr.Wrap(teamerr.EncryptionFailed, err)
	}
	lb, err := t.lockboxCurrentTeamKeyTo(lockbox.Scope{Type: lockbox.ScopeUser, Name: member.UserID}, encPub)
	if err != nil {
		return err
	}

	_, err = t.dispatch(TeamAction{
		Type: AddMember,
		AddMember: &AddMemberPayload{
			Member:    member,
			Lockboxes: []lockbox.Lockbox{*lb},
		},
	})
	return err
}

// lockboxCurrentTeamKeyTo seals the current generation's team keyset
// secrets to recipientPublic. Teams only ever distribute the symmetric
// key material they already hold locally.
func (t *Team) lockboxCurrentTeamKeyTo(recipient lockbox.Scope, recipientPublic *ecdh.PublicKey) (*lockbox.Lockbox, error) {
	ks, ok := t.state.TeamKeys()
	if !ok {
		return nil, teamerr.New(teamerr.GraphCorrupt)
	}
	secrets := lockbox.KeysetWithSecrets{
		Keyset:        ks,
		SignSecret:    nil, // the team scope has no signing role of its own in this scheme
		EncryptSecret: t.teamSymmetricKeys[ks.Generation],
	}
	return lockbox.Create(secrets, recipient, ks.Generation, recipientPublic)
}

// Remove removes userID and rotates the team keyset: a fresh generation
// is issued and re-sealed to every remaining member, so no lockbox
// survives that would let the removed member decrypt current-generation
// material.
func (t *Team) Remove(userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireAdmin(t.self.UserID); err != nil {
		return err
	}
	member, ok := t.state.Member(userID)
	if !ok {
		return teamerr.New(teamerr.MemberUnknown)
	}
	if member.HasRole(AdminRole) && t.state.AdminCount() <= 1 {
		return teamerr.New(teamerr.CannotRemoveLastAdmin)
	}

	if _, err := t.dispatch(TeamAction{
		Type: RemoveMember,
		RemoveMember: &RemoveMemberPayload{
			UserID: userID,
		},
	}); err != nil {
		return err
	}

	return t.rotateKeysLocked(userID)
}

// rotateKeysLocked issues a fresh team keyset generation and seals it to
// every current member except excludeUserID (the just-removed member, if
// any — pass "" when rotating for a role/device revocation that does not
// remove a member outright).
func (t *Team) rotateKeysLocked(excludeUserID string) error {
	newGen := t.currentGeneration + 1
	scope := lockbox.Scope{Type: lockbox.ScopeTeam, Name: t.state.TeamName}
	teamKeyset, secrets, err := newKeyset(scope, newGen)
	if err != nil {
		return err
	}

	var lockboxes []lockbox.Lockbox
	for _, m := range t.state.MembersList() {
		if m.UserID == excludeUserID {
			continue
		}
		encPub, err := ecdh.X25519().NewPublicKey(m.EncryptPublic)
		if err != nil {
			return teamerr.Wrap(teamerr.EncryptionFailed, err)
		}
		lb, err := lockbox.Create(secrets, lockbox.Scope{Type: lockbox.ScopeUser, Name: m.UserID}, newGen, encPub)
		if err != nil {
			return err
		}
		lockboxes = append(lockboxes, *lb)
	}

	// ROTATE_KEYS is dispatched under the OLD generation: peers who have
	// not yet opened the new lockbox can still decrypt this announcement.
	if _, err := t.dispatchLocked(TeamAction{
		Type: RotateKeys,
		RotateKeys: &RotateKeysPayload{
			Generation: newGen,
			Lockboxes:  lockboxes,
			TeamKeyset: teamKeyset,
		},
	}, t.currentGeneration); err != nil {
		return err
	}

	t.teamSymmetricKeys[newGen] = secrets.EncryptSecret
	t.currentGeneration = newGen
	return nil
}

// AddRole defines a new team role.
func (t *Team) AddRole(role Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireAdmin(t.self.UserID); err != nil {
		return err
	}
	_, err := t.dispatch(TeamAction{Type: AddRole, AddRole: &AddRolePayload{Role: role}})
	return err
}

// RemoveRole deletes a team role definition.
func (t *Team) RemoveRole(roleName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireAdmin(t.self.UserID); err != nil {
		return err
	}
	_, err := t.dispatch(TeamAction{Type: RemoveRole, RemoveRole: &RemoveRolePayload{RoleName: roleName}})
	return err
}

// AddMemberRole grants roleName to userID ("promote" when roleName is
// AdminRole).
func (t *Team) AddMemberRole(userID, roleName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireAdmin(t.self.UserID); err != nil {
		return err
	}
	if _, ok := t.state.Member(userID); !ok {
		return teamerr.New(teamerr.MemberUnknown)
	}
	_, err := t.dispatch(TeamAction{
		Type: AddMemberRole,
		AddMemberRole: &AddMemberRolePayload{
			UserID:   userID,
			RoleName: roleName,
		},
	})
	return err
}

// RemoveMemberRole revokes roleName from userID ("demote" when roleName
// is AdminRole). Refuses to strip the last admin's admin role.
func (t *Team) RemoveMemberRole(userID, roleName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireAdmin(t.self.UserID); err != nil {
		return err
	}
	member, ok := t.state.Member(userID)
	if !ok {
		return teamerr.New(teamerr.MemberUnknown)
	}
	if roleName == AdminRole && member.HasRole(AdminRole) && t.state.AdminCount() <= 1 {
		return teamerr.New(teamerr.CannotRemoveLastAdmin)
	}
	_, err := t.dispatch(TeamAction{
		Type: RemoveMemberRole,
		RemoveMemberRole: &RemoveMemberRolePayload{
			UserID:   userID,
			RoleName: roleName,
		},
	})
	return err
}

// AddDevice attaches a new device to an existing member.
func (t *Team) AddDevice(device Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.state.Member(device.UserID); !ok {
		return teamerr.New(teamerr.MemberUnknown)
	}
	_, err := t.dispatch(TeamAction{Type: AddDevice, AddDevice: &AddDevicePayload{Device: device}})
	return err
}

// RemoveDevice removes one of a member's devices and rotates keys (a
// compromised device must lose access the same way a removed member
// does).
func (t *Team) RemoveDevice(userID, deviceName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.state.Member(userID); !ok {
		return teamerr.New(teamerr.MemberUnknown)
	}
	if _, err := t.dispatch(TeamAction{
		Type: RemoveDevice,
		RemoveDevice: &RemoveDevicePayload{
			UserID:     userID,
			DeviceName: deviceName,
		},
	}); err != nil {
		return err
	}
	return t.rotateKeysLocked("")
}

// AddServer registers a non-human server participant.
func (t *Team) AddServer(server Server) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireAdmin(t.self.UserID); err != nil {
		return err
	}
	_, err := t.dispatch(TeamAction{Type: AddServer, AddServer: &AddServerPayload{Server: server}})
	return err
}

// RemoveServer removes a registered server.
func (t *Team) RemoveServer(host string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireAdmin(t.self.UserID); err != nil {
		return err
	}
	_, err := t.dispatch(TeamAction{Type: RemoveServer, RemoveServer: &RemoveServerPayload{Host: host}})
	return err
}

// InvitationResult is returned by InviteMember/InviteDevice: the public
// ticket id to share and the seed the inviter must also transmit out of
// band (e.g. spoken aloud or over a side channel).
type InvitationResult struct {
	ID   string
	Seed string
}

// InviteMember creates a member invitation from seed, with an optional
// expiration (zero = none) and maxUses (<=0 defaults to 1).
func (t *Team) InviteMember(seed string, expiration time.Time, maxUses int) (InvitationResult, error) {
	return t.invite(seed, expiration, maxUses, nil)
}

// InviteDevice creates a device invitation bound to userID: the
// admitting peer can then confirm the invitee is extending an existing
// member rather than creating a new one. Device invitations always have
// maxUses=1.
func (t *Team) InviteDevice(seed string, userID string, expiration time.Time) (InvitationResult, error) {
	return t.invite(seed, expiration, 1, &userID)
}

func (t *Team) invite(seed string, expiration time.Time, maxUses int, userID *string) (InvitationResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireAdmin(t.self.UserID); err != nil {
		return InvitationResult{}, err
	}
	if userID != nil {
		maxUses = 1
	} else if maxUses <= 0 {
		maxUses = 1
	}

	ticket := invitation.Create(seed)
	var expUnix int64
	if !expiration.IsZero() {
		expUnix = expiration.Unix()
	}

	inv := Invitation{
		ID:         ticket.ID,
		PublicKey:  ticket.PublicKey,
		Expiration: expUnix,
		MaxUses:    maxUses,
		UserID:     userID,
	}

	actionType := InviteMember
	if userID != nil {
		actionType = InviteDevice
	}

	var action TeamAction
	action.Type = actionType
	payload := &InvitePayload{Invitation: inv}
	if actionType == InviteMember {
		action.InviteMember = payload
	} else {
		action.InviteDevice = payload
	}

	if _, err := t.dispatch(action); err != nil {
		return InvitationResult{}, err
	}
	return InvitationResult{ID: ticket.ID, Seed: invitation.NormalizeSeed(seed)}, nil
}

// RevokeInvitation revokes a pending invitation by id.
func (t *Team) RevokeInvitation(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireAdmin(t.self.UserID); err != nil {
		return err
	}
	_, err := t.dispatch(TeamAction{Type: RevokeInvitation, RevokeInvitation: &RevokeInvitationPayload{ID: id}})
	return err
}

// ValidateInvitation verifies proof against the stored invitation ticket
// and usability policy (not revoked, under maxUses, not expired).
func (t *Team) ValidateInvitation(proof invitation.Proof, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.state.Invitation(proof.ID)
	if !ok {
		return teamerr.New(teamerr.InvalidInvitation)
	}
	if err := invitation.Validate(proof, invitation.Ticket{ID: inv.ID, PublicKey: inv.PublicKey}); err != nil {
		return err
	}
	if ok, kind := invitation.CanBeUsed(inv.Revoked, inv.Uses, inv.MaxUses, inv.Expiration, now); !ok {
		return teamerr.New(kind)
	}
	return nil
}

// AdmitMember validates proof, then admits newMember with their real
// keys, consuming one use of the invitation.
func (t *Team) AdmitMember(proof invitation.Proof, newMember Member) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.state.Invitation(proof.ID)
	if !ok {
		return teamerr.New(teamerr.InvalidInvitation)
	}
	if err := invitation.Validate(proof, invitation.Ticket{ID: inv.ID, PublicKey: inv.PublicKey}); err != nil {
		return err
	}
	if ok, kind := invitation.CanBeUsed(inv.Revoked, inv.Uses, inv.MaxUses, inv.Expiration, time.Now()); !ok {
		return teamerr.New(kind)
	}

	_, err := t.dispatch(TeamAction{
		Type: AdmitMember,
		AdmitMember: &AdmitPayload{
			InvitationID: proof.ID,
			Member:       &newMember,
		},
	})
	return err
}

// AdmitDevice validates proof against a device invitation and attaches
// newDevice to the invitation's bound userID.
func (t *Team) AdmitDevice(proof invitation.Proof, newDevice Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.state.Invitation(proof.ID)
	if !ok {
		return teamerr.New(teamerr.InvalidInvitation)
	}
	if err := invitation.Validate(proof, invitation.Ticket{ID: inv.ID, PublicKey: inv.PublicKey}); err != nil {
		return err
	}
	if ok, kind := invitation.CanBeUsed(inv.Revoked, inv.Uses, inv.MaxUses, inv.Expiration, time.Now()); !ok {
		return teamerr.New(kind)
	}

	_, err := t.dispatch(TeamAction{
		Type: AdmitDevice,
		AdmitDevice: &AdmitPayload{
			InvitationID: proof.ID,
			Device:       &newDevice,
		},
	})
	return err
}

// ChangeKeys replaces a member's long-lived keys (CHANGE_MEMBER_KEYS).
func (t *Team) ChangeKeys(userID string, signPublic, encryptPublic []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.state.Member(userID); !ok {
		return teamerr.New(teamerr.MemberUnknown)
	}
	_, err := t.dispatch(TeamAction{
		Type: ChangeMemberKeys,
		ChangeMemberKeys: &ChangeKeysPayload{
			UserID:        userID,
			SignPublic:    signPublic,
			EncryptPublic: encryptPublic,
		},
	})
	return err
}

// Encrypt is a convenience wrapper encrypting plaintext under the
// current team keyset generation's symmetric key.
func (t *Team) Encrypt(plaintext []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.teamSymmetricKeys[t.currentGeneration]
	if !ok {
		return nil, teamerr.New(teamerr.GraphCorrupt)
	}
	return primitives.SymmetricEncrypt(key, plaintext, []byte("team-payload"))
}

// Decrypt reverses Encrypt, trying every known generation (newest
// first) so historical payloads remain readable.
func (t *Team) Decrypt(ciphertext []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lastErr error
	for gen := t.currentGeneration; ; gen-- {
		if key, ok := t.teamSymmetricKeys[gen]; ok {
			if pt, err := primitives.SymmetricDecrypt(key, ciphertext, []byte("team-payload")); err == nil {
				return pt, nil
			} else {
				lastErr = err
			}
		}
		if gen == 0 {
			break
		}
	}
	if lastErr == nil {
		lastErr = teamerr.New(teamerr.DecryptionFailed)
	}
	return nil, lastErr
}

// Sign signs message with the local device's signature secret key.
func (t *Team) Sign(message []byte) []byte {
	return primitives.Sign(t.self.DeviceSignSecret, message)
}

// Verify checks message against signature using signerPublic (e.g. a
// member's or device's recorded SignPublic).
func (t *Team) Verify(signerPublic, message, signature []byte) error {
	return primitives.Verify(signerPublic, message, signature)
}

// SetLogger swaps the injected logger (tests and hosts that construct a
// Team before a logger is available may call this once wiring is ready).
func (t *Team) SetLogger(logger log.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = logger
}
