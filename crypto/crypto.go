// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto is the crypto façade: key generation, identity
// derivation, signing, verification, and nonce generation.
// The algorithm behind Signer is implementation-defined; this package
// only fixes the contract components sign/verify against. A
// non-networked deterministic double lives in crypto/testsigner; a
// production adapter over github.com/cloudflare/circl lives in
// crypto/circlsigner.
package crypto

import "errors"

// ErrVerifyFailed is returned by Sign implementations that detect a key
// mismatch synchronously; Verify itself returns a bool per the façade
// contract and never errors.
var ErrVerifyFailed = errors.New("crypto: signature verification failed")

// KeyPair is an asymmetric key pair as produced by GenerateKeyPair.
type KeyPair struct {
	PublicKey []byte
	SecretKey []byte
}

// Signer is the crypto façade every component signs and verifies
// through. Implementations must be deterministic enough that signing
// the same canonical message with the same key always verifies, even
// after a JSON round-trip of the signing object.
type Signer interface {
	GenerateKeyPair() (KeyPair, error)
	DeriveIdentityID(publicKey []byte) string
	Sign(message []byte, secretKey []byte) ([]byte, error)
	Verify(message, signature, publicKey []byte) bool
	GenerateNonce() ([]byte, error)
}
