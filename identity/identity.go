// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package identity binds public keys to ledger member ids and gates
// admission, freeze, and removal through the ledger rather than
// mutating member status directly.
package identity

import (
	"sync"
	"time"

	"github.com/luxfi/cellcredit/cellerr"
	"github.com/luxfi/cellcredit/crypto"
	"github.com/luxfi/cellcredit/ledger"
	log "github.com/luxfi/log"
	"go.uber.org/zap"
)

// Identity is a key-bound member record. MemberID is the Ledger's key
// for the same member; Identity never holds balance/reserve state,
// only the key binding.
type Identity struct {
	MemberID  string
	PublicKey []byte
	CreatedAt int64
}

// AdmissionPolicy is the narrow capability admission needs from the
// emergency engine's published policy vector: under stress, new
// members start with a scaled-down limit. The same late-binding
// pattern as scheduler.PriorityPolicy.
type AdmissionPolicy interface {
	NewMemberLimitFactor() float64
}

// Engine is the Identity/Membership component.
type Engine struct {
	mu            sync.RWMutex
	signer        crypto.Signer
	ledger        *ledger.Engine
	policy        AdmissionPolicy
	byID          map[string]*Identity
	byPubKeyIndex map[string]string // string(publicKey) -> memberId
	log           log.Logger
}

// New constructs an identity engine bound to a signer (for identity-id
// derivation) and the cell's ledger (for admission gating).
func New(signer crypto.Signer, ledgerEngine *ledger.Engine, logger log.Logger) *Engine {
	return &Engine{
		signer:        signer,
		ledger:        ledgerEngine,
		byID:          make(map[string]*Identity),
		byPubKeyIndex: make(map[string]string),
		log:           logger,
	}
}

// SetAdmissionPolicy wires the late-bound emergency reference; nil
// leaves new-member limits unscaled.
func (e *Engine) SetAdmissionPolicy(p AdmissionPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
}

func pubKeyIndexKey(publicKey []byte) string {
	return string(publicKey)
}

// CreateIdentity derives a member id from publicKey and registers the
// corresponding ledger member in PENDING status. initialLimit, if nil,
// uses the cell's default limit, scaled by the admission policy's
// NewMemberLimitFactor when a policy is set.
func (e *Engine) CreateIdentity(publicKey []byte, initialLimit *int64) (Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := pubKeyIndexKey(publicKey)
	if _, exists := e.byPubKeyIndex[key]; exists {
		return Identity{}, cellerr.New(cellerr.CodeMemberExists, "public key already bound to an identity")
	}

	memberID := e.signer.DeriveIdentityID(publicKey)
	if initialLimit == nil && e.policy != nil {
		scaled := int64(float64(e.ledger.GetParameters().DefaultLimit) * e.policy.NewMemberLimitFactor())
		initialLimit = &scaled
	}
	if _, err := e.ledger.AddMember(memberID, initialLimit); err != nil {
		return Identity{}, err
	}

	now := time.Now().UnixMilli()
	pkCopy := make([]byte, len(publicKey))
	copy(pkCopy, publicKey)
	identity := &Identity{MemberID: memberID, PublicKey: pkCopy, CreatedAt: now}
	e.byID[memberID] = identity
	e.byPubKeyIndex[key] = memberID

	e.log.Info("identity created", zap.String("memberId", memberID))
	return *identity, nil
}

// Admit transitions a PENDING identity to ACTIVE.
func (e *Engine) Admit(memberID string) error {
	if err := e.mustExist(memberID); err != nil {
		return err
	}
	return e.ledger.UpdateMemberStatus(memberID, ledger.StatusActive)
}

// Freeze transitions an ACTIVE or PROBATION identity to FROZEN.
func (e *Engine) Freeze(memberID string) error {
	if err := e.mustExist(memberID); err != nil {
		return err
	}
	return e.ledger.UpdateMemberStatus(memberID, ledger.StatusFrozen)
}

// Unfreeze transitions a FROZEN identity back to ACTIVE.
func (e *Engine) Unfreeze(memberID string) error {
	if err := e.mustExist(memberID); err != nil {
		return err
	}
	return e.ledger.UpdateMemberStatus(memberID, ledger.StatusActive)
}

// Probate transitions an ACTIVE identity to PROBATION.
func (e *Engine) Probate(memberID string) error {
	if err := e.mustExist(memberID); err != nil {
		return err
	}
	return e.ledger.UpdateMemberStatus(memberID, ledger.StatusProbation)
}

// Remove is the removal gate: it requires the ledger's zero-balance,
// zero-reserve precondition (enforced by ledger.RemoveMember) before
// dropping the key binding. The EXCLUDED status is reserved for
// members who are retired without leaving the ledger's member map; a
// member actually removed from the cell is simply gone.
func (e *Engine) Remove(memberID string) error {
	e.mu.Lock()
	identity, ok := e.byID[memberID]
	e.mu.Unlock()
	if !ok {
		return cellerr.Newf(cellerr.CodeMemberNotFound, "identity %s not found", memberID).WithDetail("memberId", memberID)
	}

	if err := e.ledger.RemoveMember(memberID); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.byID, memberID)
	delete(e.byPubKeyIndex, pubKeyIndexKey(identity.PublicKey))
	e.mu.Unlock()

	e.log.Info("identity removed", zap.String("memberId", memberID))
	return nil
}

// GetByID returns the identity bound to memberID.
func (e *Engine) GetByID(memberID string) (Identity, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	identity, ok := e.byID[memberID]
	if !ok {
		return Identity{}, cellerr.Newf(cellerr.CodeMemberNotFound, "identity %s not found", memberID).WithDetail("memberId", memberID)
	}
	return *identity, nil
}

// GetByPublicKey returns the identity bound to publicKey.
func (e *Engine) GetByPublicKey(publicKey []byte) (Identity, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	memberID, ok := e.byPubKeyIndex[pubKeyIndexKey(publicKey)]
	if !ok {
		return Identity{}, cellerr.New(cellerr.CodeMemberNotFound, "no identity bound to public key")
	}
	return *e.byID[memberID], nil
}

// List enumerates every identity in the cell.
func (e *Engine) List() []Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Identity, 0, len(e.byID))
	for _, identity := range e.byID {
		out = append(out, *identity)
	}
	return out
}

func (e *Engine) mustExist(memberID string) error {
	e.mu.RLock()
	_, ok := e.byID[memberID]
	e.mu.RUnlock()
	if !ok {
		return cellerr.Newf(cellerr.CodeMemberNotFound, "identity %s not found", memberID).WithDetail("memberId", memberID)
	}
	return nil
}
