package invitation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sage-x-project/teamkeys/teamerr"
)

func TestNormalizeSeed(t *testing.T) {
	assert.Equal(t, "abc123", NormalizeSeed("abc 123"))
	assert.Equal(t, "abc123", NormalizeSeed("ABC-123!"))
	assert.Equal(t, "abc123", NormalizeSeed("abc123"))
}

func TestCreateAndGenerateProofAgree(t *testing.T) {
	ticket := Create("abc 123")
	proof := GenerateProof("abc123")
	assert.Equal(t, ticket.ID, proof.ID)
	assert.NoError(t, Validate(proof, ticket))
}

func TestValidateRejectsWrongSeed(t *testing.T) {
	ticket := Create("abc 123")
	proof := GenerateProof("wrong seed")
	err := Validate(proof, ticket)
	assert.Error(t, err)
	assert.Equal(t, teamerr.InvalidInvitation, teamerr.KindOf(err))
}

func TestCanBeUsed(t *testing.T) {
	now := time.Unix(1000, 0)

	ok, kind := CanBeUsed(false, 0, 1, 0, now)
	assert.True(t, ok)
	assert.Equal(t, teamerr.Kind(""), kind)

	ok, kind = CanBeUsed(true, 0, 1, 0, now)
	assert.False(t, ok)
	assert.Equal(t, teamerr.RevokedInvitation, kind)

	ok, kind = CanBeUsed(false, 1, 1, 0, now)
	assert.False(t, ok)
	assert.Equal(t, teamerr.UsedInvitation, kind)

	ok, kind = CanBeUsed(false, 0, 1, 500, now)
	assert.False(t, ok)
	assert.Equal(t, teamerr.ExpiredInvitation, kind)
}
