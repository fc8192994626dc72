// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package testsigner is the non-networked test double for the crypto
// façade: signing is plain Ed25519 from the standard library and
// identity ids are Keccak256 hashes from github.com/luxfi/crypto, so
// the core can compile and its tests can run without any production
// crypto adapter wired in.
package testsigner

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/luxfi/cellcredit/crypto"
	luxcrypto "github.com/luxfi/crypto"
)

// Signer implements crypto.Signer with Ed25519.
type Signer struct{}

// New returns the default test-double signer.
func New() *Signer { return &Signer{} }

func (Signer) GenerateKeyPair() (crypto.KeyPair, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	return crypto.KeyPair{PublicKey: []byte(pub), SecretKey: []byte(sec)}, nil
}

// DeriveIdentityID hashes the public key with Keccak256 and
// hex-encodes the last 20 bytes, the usual address-style way of
// turning a raw public key into a short stable identifier.
func (Signer) DeriveIdentityID(publicKey []byte) string {
	h := luxcrypto.Keccak256(publicKey)
	return fmt.Sprintf("id-%x", h[len(h)-20:])
}

func (Signer) Sign(message, secretKey []byte) ([]byte, error) {
	if len(secretKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("testsigner: bad secret key size %d", len(secretKey))
	}
	return ed25519.Sign(ed25519.PrivateKey(secretKey), message), nil
}

func (Signer) Verify(message, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

func (Signer) GenerateNonce() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
