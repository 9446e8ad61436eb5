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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/teamkeys/graph"
	"github.com/sage-x-project/teamkeys/internal/obs/log"
	"github.com/sage-x-project/teamkeys/team/invitation"
)

func mustIdentity(t *testing.T, userID, name string) Identity {
	t.Helper()
	id, err := NewIdentity(userID, name, name+"-device")
	require.NoError(t, err)
	return id
}

// forkView returns an independent in-memory replica of src's graph, as a
// separate device would hold after syncing up to this point, under the
// given local identity. It models what a Connection sync delivers without
// requiring a full transport round trip in these tests.
func forkView(t *testing.T, src *Team, self Identity) *Team {
	t.Helper()
	data, err := graph.Save(src.g)
	require.NoError(t, err)

	keys := make(map[uint64][]byte, len(src.teamSymmetricKeys))
	for gen, k := range src.teamSymmetricKeys {
		keys[gen] = k
	}

	g2, err := graph.Load(data, func(generation uint64) ([]byte, bool) {
		k, ok := keys[generation]
		return k, ok
	})
	require.NoError(t, err)

	fork := &Team{
		g:                 g2,
		self:              self,
		teamSymmetricKeys: keys,
		currentGeneration: src.currentGeneration,
		log:               log.NewNop(),
	}
	fork.state = NewTeamState()
	fork.rereduceLocked()
	return fork
}

func TestScenario1_RootTeam(t *testing.T) {
	alice := mustIdentity(t, "alice", "Alice")
	team, err := Create("t", alice, nil)
	require.NoError(t, err)

	members := team.Members()
	require.Len(t, members, 1)
	require.Equal(t, "alice", members[0].UserID)
	require.True(t, team.MemberIsAdmin("alice"))

	teamKeys, ok := team.TeamKeys()
	require.True(t, ok)
	require.EqualValues(t, 0, teamKeys.Generation)

	adminKeys, ok := team.AdminKeys()
	require.True(t, ok)
	require.EqualValues(t, 0, adminKeys.Generation)
}

func TestScenario2_RemoveRotatesKeys(t *testing.T) {
	alice := mustIdentity(t, "alice", "Alice")
	bob := mustIdentity(t, "bob", "Bob")

	aliceTeam, err := Create("t", alice, nil)
	require.NoError(t, err)

	bobMember := bob.Member()
	bobMember.Roles = []string{AdminRole}
	require.NoError(t, aliceTeam.Add(bobMember))

	require.NoError(t, aliceTeam.Remove("bob"))

	teamKeys, ok := aliceTeam.TeamKeys()
	require.True(t, ok)
	require.EqualValues(t, 1, teamKeys.Generation)

	adminKeys, ok := aliceTeam.AdminKeys()
	require.True(t, ok)
	require.EqualValues(t, 1, adminKeys.Generation)

	require.True(t, aliceTeam.MemberWasRemoved("bob"))
	for _, m := range aliceTeam.Members() {
		require.NotEqual(t, "bob", m.UserID)
	}
}

func TestScenario3_ConcurrentMutualDemote(t *testing.T) {
	alice := mustIdentity(t, "alice", "Alice")
	bob := mustIdentity(t, "bob", "Bob")

	aliceTeam, err := Create("t", alice, nil)
	require.NoError(t, err)

	bobMember := bob.Member()
	bobMember.Roles = []string{AdminRole}
	require.NoError(t, aliceTeam.Add(bobMember))

	// Fork a bob-side replica at this point ("disconnect").
	bobTeam := forkView(t, aliceTeam, bob)

	// Concurrently, each demotes the other.
	require.NoError(t, aliceTeam.RemoveMemberRole("bob", AdminRole))
	require.NoError(t, bobTeam.RemoveMemberRole("alice", AdminRole))

	require.NoError(t, aliceTeam.Merge(bobTeam.g))

	require.True(t, aliceTeam.MemberIsAdmin("alice"), "founder alice should remain admin")
	require.False(t, aliceTeam.MemberIsAdmin("bob"), "alice's demotion of bob must stand")
}

func TestScenario4_ConcurrentMutualRemoveThirdObserver(t *testing.T) {
	alice := mustIdentity(t, "alice", "Alice")
	bob := mustIdentity(t, "bob", "Bob")
	charlie := mustIdentity(t, "charlie", "Charlie")

	aliceTeam, err := Create("t", alice, nil)
	require.NoError(t, err)

	bobMember := bob.Member()
	bobMember.Roles = []string{AdminRole}
	require.NoError(t, aliceTeam.Add(bobMember))

	charlieMember := charlie.Member()
	charlieMember.Roles = []string{AdminRole}
	require.NoError(t, aliceTeam.Add(charlieMember))

	bobTeam := forkView(t, aliceTeam, bob)
	charlieTeam := forkView(t, aliceTeam, charlie)

	require.NoError(t, aliceTeam.Remove("bob"))
	require.NoError(t, bobTeam.Remove("alice"))

	// Charlie receives bob's graph first: only bob's removal is known, so
	// alice appears removed (no conflicting link has reached charlie yet).
	require.NoError(t, charlieTeam.Merge(bobTeam.g))
	require.True(t, charlieTeam.MemberWasRemoved("alice"))

	// Then charlie receives alice's graph too: the mutual conflict
	// resolves in alice's favor (founder), converging to bob removed,
	// alice present.
	require.NoError(t, charlieTeam.Merge(aliceTeam.g))
	require.True(t, charlieTeam.MemberWasRemoved("bob"))
	require.False(t, charlieTeam.MemberWasRemoved("alice"))
	require.True(t, charlieTeam.State().Has(charlie.UserID))

	require.NoError(t, aliceTeam.Merge(bobTeam.g))
	require.True(t, aliceTeam.MemberWasRemoved("bob"))
	require.False(t, aliceTeam.MemberWasRemoved("alice"))
	require.True(t, aliceTeam.State().Has(charlie.UserID))
}

func TestScenario5_DemotedThenActed(t *testing.T) {
	alice := mustIdentity(t, "alice", "Alice")
	bob := mustIdentity(t, "bob", "Bob")
	charlie := mustIdentity(t, "charlie", "Charlie")

	aliceTeam, err := Create("t", alice, nil)
	require.NoError(t, err)

	bobMember := bob.Member()
	bobMember.Roles = []string{AdminRole}
	require.NoError(t, aliceTeam.Add(bobMember))

	require.NoError(t, aliceTeam.Add(charlie.Member()))

	bobTeam := forkView(t, aliceTeam, bob)

	// Bob promotes charlie offline, concurrently with alice demoting bob.
	require.NoError(t, bobTeam.AddMemberRole("charlie", AdminRole))
	require.NoError(t, aliceTeam.RemoveMemberRole("bob", AdminRole))

	require.NoError(t, aliceTeam.Merge(bobTeam.g))

	require.False(t, aliceTeam.MemberIsAdmin("bob"))
	require.False(t, aliceTeam.MemberIsAdmin("charlie"), "bob's promotion of charlie must be invalidated")
}

func TestScenario6_InvitationRoundTrip(t *testing.T) {
	alice := mustIdentity(t, "alice", "Alice")
	aliceTeam, err := Create("t", alice, nil)
	require.NoError(t, err)

	result, err := aliceTeam.InviteMember("abc 123", time.Time{}, 1)
	require.NoError(t, err)
	require.Equal(t, "abc123", result.Seed)

	proof := invitation.GenerateProof("abc123")
	require.Equal(t, result.ID, proof.ID)

	require.NoError(t, aliceTeam.ValidateInvitation(proof, time.Now()))

	bob := mustIdentity(t, "bob", "Bob")
	require.NoError(t, aliceTeam.AdmitMember(proof, bob.Member()))

	member, ok := aliceTeam.State().Member("bob")
	require.True(t, ok)
	require.Equal(t, "bob", member.UserID)
}
