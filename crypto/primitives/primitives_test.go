package primitives

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/teamkeys/teamerr"
)

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	msg := []byte("append link body")
	sig := Sign(priv, msg)
	assert.Len(t, sig, SignatureSize)
	assert.NoError(t, Verify(pub, msg, sig))

	err = Verify(pub, []byte("tampered"), sig)
	assert.Error(t, err)
	assert.Equal(t, teamerr.SignatureInvalid, teamerr.KindOf(err))
}

func TestSymmetricEncryptDecryptRoundTrip(t *testing.T) {
	key, err := RandomKey(32)
	require.NoError(t, err)

	plaintext := []byte("team keyset contents")
	aad := []byte("scope:team-keys")

	ct, err := SymmetricEncrypt(key, plaintext, aad)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	pt, err := SymmetricDecrypt(key, ct, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestSymmetricDecryptWrongKeyFails(t *testing.T) {
	key1, _ := RandomKey(32)
	key2, _ := RandomKey(32)

	ct, err := SymmetricEncrypt(key1, []byte("secret"), nil)
	require.NoError(t, err)

	_, err = SymmetricDecrypt(key2, ct, nil)
	require.Error(t, err)
	assert.Equal(t, teamerr.DecryptionFailed, teamerr.KindOf(err))
}

func TestSymmetricDecryptWrongAADFails(t *testing.T) {
	key, _ := RandomKey(32)
	ct, err := SymmetricEncrypt(key, []byte("secret"), []byte("a"))
	require.NoError(t, err)

	_, err = SymmetricDecrypt(key, ct, []byte("b"))
	assert.Error(t, err)
}

func TestSealedBoxRoundTrip(t *testing.T) {
	pub, priv, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)

	info := []byte("scope:lockbox")
	plaintext := []byte("keyset envelope")

	packet, err := SealedBoxEncrypt(pub, plaintext, info)
	require.NoError(t, err)

	pt, err := SealedBoxOpen(priv, packet, info)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestSealedBoxWrongInfoFails(t *testing.T) {
	pub, priv, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)

	packet, err := SealedBoxEncrypt(pub, []byte("data"), []byte("a"))
	require.NoError(t, err)

	_, err = SealedBoxOpen(priv, packet, []byte("b"))
	assert.Error(t, err)
}

func TestHashIsDeterministicAndScopeSeparated(t *testing.T) {
	data := []byte("link body")
	h1 := Hash("graph-link", data)
	h2 := Hash("graph-link", data)
	assert.Equal(t, h1, h2)

	h3 := Hash("lockbox-content", data)
	assert.NotEqual(t, h1, h3)
}

func TestEd25519ToX25519ConversionIsConsistent(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	xPub, err := Ed25519ToX25519Public(pub)
	require.NoError(t, err)
	xPriv, err := Ed25519ToX25519Private(priv)
	require.NoError(t, err)

	assert.Equal(t, xPub.Bytes(), xPriv.PublicKey().Bytes())
}

func TestSealedBoxAcrossConvertedEd25519Key(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	xPub, err := Ed25519ToX25519Public(pub)
	require.NoError(t, err)
	xPriv, err := Ed25519ToX25519Private(priv)
	require.NoError(t, err)

	info := []byte("scope:device-identity")
	packet, err := SealedBoxEncrypt(xPub, []byte("hello device"), info)
	require.NoError(t, err)

	pt, err := SealedBoxOpen(xPriv, packet, info)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello device"), pt)
}

func TestRandomKeyLength(t *testing.T) {
	k, err := RandomKey(32)
	require.NoError(t, err)
	assert.Len(t, k, 32)

	k2, err := RandomKey(32)
	require.NoError(t, err)
	assert.NotEqual(t, k, k2)
}
