package lockbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/teamkeys/crypto/primitives"
	"github.com/sage-x-project/teamkeys/teamerr"
)

func newTestKeyset(t *testing.T, scope Scope, gen uint64) KeysetWithSecrets {
	t.Helper()
	signPub, signPriv, err := primitives.GenerateSigningKeyPair()
	require.NoError(t, err)
	encPub, encPriv, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)

	return KeysetWithSecrets{
		Keyset: Keyset{
			Scope:         scope,
			Generation:    gen,
			SignPublic:    signPub,
			EncryptPublic: encPub.Bytes(),
		},
		SignSecret:    signPriv,
		EncryptSecret: encPriv.Bytes(),
	}
}

func TestCreateOpenRoundTrip(t *testing.T) {
	recipientScope := Scope{Type: ScopeUser, Name: "alice"}
	recipientPub, recipientPriv, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)

	contents := newTestKeyset(t, Scope{Type: ScopeTeam, Name: "acme"}, 1)

	lb, err := Create(contents, recipientScope, 1, recipientPub)
	require.NoError(t, err)
	assert.Equal(t, recipientScope, lb.Recipient)
	assert.Equal(t, contents.Scope, lb.ContentsScope)

	opened, err := Open(lb, recipientPriv)
	require.NoError(t, err)
	assert.Equal(t, contents.Generation, opened.Generation)
	assert.Equal(t, contents.SignPublic, opened.SignPublic)
	assert.Equal(t, contents.EncryptSecret, opened.EncryptSecret)
}

func TestOpenWithWrongSecretFails(t *testing.T) {
	recipientScope := Scope{Type: ScopeUser, Name: "alice"}
	recipientPub, _, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	_, wrongPriv, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)

	contents := newTestKeyset(t, Scope{Type: ScopeTeam, Name: "acme"}, 1)
	lb, err := Create(contents, recipientScope, 1, recipientPub)
	require.NoError(t, err)

	_, err = Open(lb, wrongPriv)
	require.Error(t, err)
	assert.Equal(t, teamerr.DecryptionFailed, teamerr.KindOf(err))
}

func TestRotateAdvancesGenerationAndRecipient(t *testing.T) {
	recipientScope := Scope{Type: ScopeUser, Name: "alice"}
	recipientPub, recipientPriv, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)

	oldContents := newTestKeyset(t, Scope{Type: ScopeTeam, Name: "acme"}, 1)
	old, err := Create(oldContents, recipientScope, 1, recipientPub)
	require.NoError(t, err)

	newContents := newTestKeyset(t, Scope{Type: ScopeTeam, Name: "acme"}, 2)
	newRecipientPub, newRecipientPriv, err := primitives.GenerateEncryptionKeyPair()
	require.NoError(t, err)

	rotated, err := Rotate(old, newContents, 2, newRecipientPub)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rotated.ContentsGeneration)
	assert.Equal(t, uint64(2), rotated.RecipientGeneration)

	opened, err := Open(rotated, newRecipientPriv)
	require.NoError(t, err)
	assert.Equal(t, newContents.SignPublic, opened.SignPublic)

	// Old lockbox's secrets are unaffected by rotation.
	openedOld, err := Open(old, recipientPriv)
	require.NoError(t, err)
	assert.Equal(t, oldContents.Generation, openedOld.Generation)
}
