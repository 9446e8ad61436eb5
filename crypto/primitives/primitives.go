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

// Package primitives is the one place the rest of the module touches raw
// cryptography. Everything above it (lockbox, graph, team) works in terms
// of Sign/Verify, SymmetricEncrypt/SymmetricDecrypt, SealedBoxEncrypt/Open
// and Hash, never directly against crypto/ed25519 or circl/hpke.
package primitives

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/cloudflare/circl/hpke"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sage-x-project/teamkeys/teamerr"
)

// SignatureSize is the length in bytes of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// hpkeSuite is the fixed HPKE ciphersuite used for SealedBoxEncrypt/Open:
// X25519 KEM, HKDF-SHA256 KDF, ChaCha20-Poly1305 AEAD.
var hpkeSuite = hpke.NewSuite(
	hpke.KEM_X25519_HKDF_SHA256,
	hpke.KDF_HKDF_SHA256,
	hpke.AEAD_ChaCha20Poly1305,
)

// GenerateSigningKeyPair creates a fresh Ed25519 signing key pair.
func GenerateSigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, teamerr.Wrap(teamerr.KeyGenerationFailed, err)
	}
	return pub, priv, nil
}

// GenerateEncryptionKeyPair creates a fresh X25519 key-agreement key pair.
func GenerateEncryptionKeyPair() (*ecdh.PublicKey, *ecdh.PrivateKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, teamerr.Wrap(teamerr.KeyGenerationFailed, err)
	}
	return priv.PublicKey(), priv, nil
}

// Sign signs message with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify checks an Ed25519 signature, returning teamerr.SignatureInvalid
// on mismatch.
func Verify(pub ed25519.PublicKey, message, signature []byte) error {
	if !ed25519.Verify(pub, message, signature) {
		return teamerr.New(teamerr.SignatureInvalid)
	}
	return nil
}

// SymmetricEncrypt encrypts plaintext with a 32-byte key using
// XChaCha20-Poly1305, prepending the 24-byte random nonce to the
// ciphertext. aad is authenticated but not encrypted.
func SymmetricEncrypt(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.EncryptionFailed, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, teamerr.Wrap(teamerr.EncryptionFailed, err)
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// SymmetricDecrypt reverses SymmetricEncrypt.
func SymmetricDecrypt(key, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.DecryptionFailed, err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, teamerr.New(teamerr.DecryptionFailed)
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.DecryptionFailed, err)
	}
	return pt, nil
}

// SealedBoxEncrypt performs an anonymous HPKE seal to recipientPub: no
// sender key is required or authenticated. info binds the context
// (e.g. the scope the seal is addressed to). Returns enc||ciphertext.
func SealedBoxEncrypt(recipientPub *ecdh.PublicKey, plaintext, info []byte) ([]byte, error) {
	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	rp, err := kem.UnmarshalBinaryPublicKey(recipientPub.Bytes())
	if err != nil {
		return nil, teamerr.Wrap(teamerr.EncryptionFailed, err)
	}

	sender, err := hpkeSuite.NewSender(rp, info)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.EncryptionFailed, err)
	}

	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.EncryptionFailed, err)
	}

	ct, err := sealer.Seal(plaintext, info)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.EncryptionFailed, err)
	}
	return append(append([]byte{}, enc...), ct...), nil
}

// SealedBoxOpen reverses SealedBoxEncrypt.
func SealedBoxOpen(recipientPriv *ecdh.PrivateKey, packet, info []byte) ([]byte, error) {
	const encLen = 32 // X25519 KEM encapsulated-key length
	if len(packet) < encLen {
		return nil, teamerr.New(teamerr.DecryptionFailed)
	}
	enc, ct := packet[:encLen], packet[encLen:]

	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	skR, err := kem.UnmarshalBinaryPrivateKey(recipientPriv.Bytes())
	if err != nil {
		return nil, teamerr.Wrap(teamerr.DecryptionFailed, err)
	}

	receiver, err := hpkeSuite.NewReceiver(skR, info)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.DecryptionFailed, err)
	}

	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.DecryptionFailed, err)
	}

	pt, err := opener.Open(ct, info)
	if err != nil {
		return nil, teamerr.Wrap(teamerr.DecryptionFailed, err)
	}
	return pt, nil
}

// Hash returns the base58-encoded SHA-256 digest of data, prefixed by
// scope so hashes of the same bytes under different scopes never
// collide (graph link hashes vs. lockbox content hashes, for example).
func Hash(scope string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0}) // separator: scope is not length-prefixed
	h.Write(data)
	sum := h.Sum(nil)
	return base58.Encode(sum)
}

// RandomKey returns n cryptographically random bytes.
func RandomKey(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, teamerr.Wrap(teamerr.KeyGenerationFailed, err)
	}
	return b, nil
}

// Ed25519ToX25519Public converts an Ed25519 public key to its X25519
// Montgomery-form counterpart, for signature keys that must also serve
// as Diffie-Hellman keys (e.g. a device's identity key receiving a
// lockbox addressed directly to it).
func Ed25519ToX25519Public(pub ed25519.PublicKey) (*ecdh.PublicKey, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("primitives: bad ed25519 public key length: %d", len(pub))
	}
	P, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("primitives: invalid ed25519 public key: %w", err)
	}
	return ecdh.X25519().NewPublicKey(P.BytesMontgomery())
}

// Ed25519ToX25519Private converts an Ed25519 private key to the X25519
// scalar derived per RFC 8032 §5.1.5.
func Ed25519ToX25519Private(priv ed25519.PrivateKey) (*ecdh.PrivateKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("primitives: bad ed25519 private key length: %d", len(priv))
	}
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var xPriv [32]byte
	copy(xPriv[:], h[:32])
	return ecdh.X25519().NewPrivateKey(xPriv[:])
}
