// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package circlsigner is a production crypto-façade adapter backed by
// github.com/cloudflare/circl's signature scheme registry. It plugs in
// behind the same crypto.Signer contract the non-networked test double
// satisfies.
package circlsigner

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
	"github.com/luxfi/cellcredit/crypto"
	luxcrypto "github.com/luxfi/crypto"
)

// DefaultScheme is a Dilithium-class post-quantum signature scheme,
// sized appropriately for a local cell rather than a public chain.
const DefaultScheme = "Ed448-Dilithium3"

// Signer implements crypto.Signer over a named circl sign.Scheme.
type Signer struct {
	scheme sign.Scheme
}

// New resolves schemeName (e.g. DefaultScheme) from circl's scheme
// registry. It returns an error if the name is unknown to the linked
// build of circl.
func New(schemeName string) (*Signer, error) {
	scheme := schemes.ByName(schemeName)
	if scheme == nil {
		return nil, fmt.Errorf("circlsigner: unknown scheme %q", schemeName)
	}
	return &Signer{scheme: scheme}, nil
}

func (s *Signer) GenerateKeyPair() (crypto.KeyPair, error) {
	pub, priv, err := s.scheme.GenerateKey()
	if err != nil {
		return crypto.KeyPair{}, err
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return crypto.KeyPair{}, err
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return crypto.KeyPair{}, err
	}
	return crypto.KeyPair{PublicKey: pubBytes, SecretKey: privBytes}, nil
}

func (s *Signer) DeriveIdentityID(publicKey []byte) string {
	h := luxcrypto.Keccak256(publicKey)
	return fmt.Sprintf("id-%x", h[len(h)-20:])
}

func (s *Signer) Sign(message, secretKey []byte) ([]byte, error) {
	priv, err := s.scheme.UnmarshalBinaryPrivateKey(secretKey)
	if err != nil {
		return nil, err
	}
	return s.scheme.Sign(priv, message, nil), nil
}

func (s *Signer) Verify(message, signature, publicKey []byte) bool {
	pub, err := s.scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false
	}
	return s.scheme.Verify(pub, message, signature, nil)
}

func (s *Signer) GenerateNonce() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
