// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transaction

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/cellcredit/cellerr"
	"github.com/luxfi/cellcredit/crypto"
	"github.com/luxfi/cellcredit/identity"
	"github.com/luxfi/cellcredit/ledger"
	log "github.com/luxfi/log"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Engine is the Transaction Engine (T). It never mutates balances
// itself; Execute composes exactly one balanced update set per
// transaction and submits it to the Ledger Engine.
type Engine struct {
	mu           sync.Mutex
	ledger       *ledger.Engine
	identities   *identity.Engine
	signer       crypto.Signer
	transactions map[string]*Transaction
	nonceSeen    map[string]bool // payer + "/" + nonce
	queue        []QueueEntry
	log          log.Logger
}

// New constructs a transaction engine wired to the cell's ledger,
// identity directory, and crypto façade.
func New(ledgerEngine *ledger.Engine, identities *identity.Engine, signer crypto.Signer, logger log.Logger) *Engine {
	return &Engine{
		ledger:       ledgerEngine,
		identities:   identities,
		signer:       signer,
		transactions: make(map[string]*Transaction),
		nonceSeen:    make(map[string]bool),
		log:          logger,
	}
}

func nonceKey(payer, nonce string) string { return payer + "/" + nonce }

// Create validates a proposed payment and persists it PENDING with a
// fresh nonce.
func (e *Engine) Create(payer, payee string, amount int64, description string) (Transaction, error) {
	if payer == payee {
		return Transaction{}, cellerr.New(cellerr.CodeSelfTransaction, "payer and payee must differ")
	}
	if amount <= 0 {
		return Transaction{}, cellerr.Newf(cellerr.CodeInvalidAmount, "amount %d must be positive", amount).WithDetail("amount", amount)
	}

	payerState, err := e.ledger.GetMemberState(payer)
	if err != nil {
		return Transaction{}, err
	}
	if payerState.Status != ledger.StatusActive {
		return Transaction{}, cellerr.Newf(cellerr.CodeMemberNotActive, "payer %s is not active", payer).WithDetail("memberId", payer)
	}
	payeeState, err := e.ledger.GetMemberState(payee)
	if err != nil {
		return Transaction{}, err
	}
	if payeeState.Status != ledger.StatusActive {
		return Transaction{}, cellerr.Newf(cellerr.CodeMemberNotActive, "payee %s is not active", payee).WithDetail("memberId", payee)
	}

	canSpend, err := e.ledger.CanSpend(payer, amount)
	if err != nil {
		return Transaction{}, err
	}
	if !canSpend {
		return Transaction{}, cellerr.Newf(cellerr.CodeInsufficientCapacity, "payer %s cannot spend %d", payer, amount).
			WithDetail("memberId", payer).WithDetail("amount", amount)
	}

	nonceBytes, err := e.signer.GenerateNonce()
	if err != nil {
		return Transaction{}, cellerr.Wrap(cellerr.CodeCryptoError, "nonce generation failed", err)
	}
	nonce := fmt.Sprintf("%x", nonceBytes)
	createdAt := time.Now().UnixMilli()

	e.mu.Lock()
	defer e.mu.Unlock()

	tx := &Transaction{
		ID:          derivID(payer, payee, amount, description, createdAt, nonce),
		Type:        TypeSpot,
		Payer:       payer,
		Payee:       payee,
		Amount:      amount,
		Description: description,
		Nonce:       nonce,
		CreatedAt:   createdAt,
		Status:      StatusPending,
	}
	e.transactions[tx.ID] = tx
	e.log.Info("transaction created", zap.String("txId", tx.ID), zap.String("payer", payer), zap.String("payee", payee), zap.Int64("amount", amount))
	return tx.Clone(), nil
}

func derivID(payer, payee string, amount int64, description string, createdAt int64, nonce string) string {
	h := blake3.New()
	h.Write([]byte(payer))
	h.Write([]byte(payee))
	h.Write([]byte(fmt.Sprintf("%d", amount)))
	h.Write([]byte(description))
	h.Write([]byte(fmt.Sprintf("%d", createdAt)))
	h.Write([]byte(nonce))
	var idBytes [16]byte
	h.Digest().Read(idBytes[:])
	return fmt.Sprintf("tx-%x", idBytes)
}

// canonicalMessage returns the JSON encoding of a transaction's
// canonical signing object.
func canonicalMessage(tx *Transaction) ([]byte, error) {
	return json.Marshal(signingObject{
		Payer:       tx.Payer,
		Payee:       tx.Payee,
		Amount:      tx.Amount,
		Description: tx.Description,
		CreatedAt:   tx.CreatedAt,
		Nonce:       tx.Nonce,
	})
}

// SignAsPayer attaches and verifies the payer's signature over the
// canonical signing object, against the payer's registered public key.
func (e *Engine) SignAsPayer(txID string, signature []byte) (Transaction, error) {
	return e.sign(txID, signature, true)
}

// SignAsPayee attaches and verifies the payee's signature.
func (e *Engine) SignAsPayee(txID string, signature []byte) (Transaction, error) {
	return e.sign(txID, signature, false)
}

func (e *Engine) sign(txID string, signature []byte, asPayer bool) (Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, ok := e.transactions[txID]
	if !ok {
		return Transaction{}, cellerr.Newf(cellerr.CodeInvalidTransactionState, "transaction %s not found", txID).WithDetail("txId", txID)
	}
	if tx.Status != StatusPending && tx.Status != StatusReady {
		return Transaction{}, cellerr.Newf(cellerr.CodeInvalidTransactionState, "transaction %s not signable in status %s", txID, tx.Status).
			WithDetail("txId", txID).WithDetail("status", string(tx.Status))
	}

	party := tx.Payee
	invalidCode := cellerr.CodeInvalidPayeeSignature
	if asPayer {
		party = tx.Payer
		invalidCode = cellerr.CodeInvalidPayerSignature
	}
	partyIdentity, err := e.identities.GetByID(party)
	if err != nil {
		return Transaction{}, err
	}

	message, err := canonicalMessage(tx)
	if err != nil {
		return Transaction{}, cellerr.Wrap(cellerr.CodeCryptoError, "canonical encoding failed", err)
	}
	if !e.signer.Verify(message, signature, partyIdentity.PublicKey) {
		return Transaction{}, cellerr.New(invalidCode, "signature does not verify against registered public key").WithDetail("txId", txID)
	}

	if asPayer {
		tx.PayerSignature = append([]byte(nil), signature...)
	} else {
		tx.PayeeSignature = append([]byte(nil), signature...)
	}
	if tx.PayerSignature != nil && tx.PayeeSignature != nil {
		tx.Status = StatusReady
	}
	e.log.Info("transaction signed", zap.String("txId", txID), zap.Bool("asPayer", asPayer), zap.String("status", string(tx.Status)))
	return tx.Clone(), nil
}

// Execute re-validates capacity (it may have drifted since creation)
// and submits the two balanced updates to the ledger.
func (e *Engine) Execute(txID string) (Transaction, error) {
	e.mu.Lock()
	tx, ok := e.transactions[txID]
	if !ok {
		e.mu.Unlock()
		return Transaction{}, cellerr.Newf(cellerr.CodeInvalidTransactionState, "transaction %s not found", txID).WithDetail("txId", txID)
	}
	if tx.Status != StatusReady {
		e.mu.Unlock()
		return Transaction{}, cellerr.Newf(cellerr.CodeTransactionNotReady, "transaction %s is not READY", txID).
			WithDetail("txId", txID).WithDetail("status", string(tx.Status))
	}
	payer, payee, amount := tx.Payer, tx.Payee, tx.Amount
	e.mu.Unlock()

	canSpend, err := e.ledger.CanSpend(payer, amount)
	if err != nil {
		return e.fail(txID, err)
	}
	if !canSpend {
		return e.fail(txID, cellerr.Newf(cellerr.CodeInsufficientCapacity, "payer %s can no longer spend %d", payer, amount).
			WithDetail("memberId", payer).WithDetail("amount", amount))
	}

	err = e.ledger.ApplyBalanceUpdates([]ledger.BalanceUpdate{
		{MemberID: payer, Delta: -amount, Reason: "spot_transaction", Ref: txID},
		{MemberID: payee, Delta: amount, Reason: "spot_transaction", Ref: txID},
	})
	if err != nil {
		return e.fail(txID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	tx.Status = StatusExecuted
	tx.ExecutedAt = time.Now().UnixMilli()
	e.log.Info("transaction executed", zap.String("txId", txID))
	return tx.Clone(), nil
}

// ExecuteGovernanceOrdered creates and immediately executes a
// privileged payment ordered by governance: it skips the
// dual-signature protocol, since the
// proposal's own threshold vote is the authorization, not the two
// parties' consent. Like Execute, it composes exactly one balanced
// update set and hands it to the Ledger Engine, so L's invariants and
// the transaction log see the payment the same way a signed spot
// payment would.
func (e *Engine) ExecuteGovernanceOrdered(payer, payee string, amount int64, reason, ref string) (Transaction, error) {
	if payer == payee {
		return Transaction{}, cellerr.New(cellerr.CodeSelfTransaction, "payer and payee must differ")
	}
	if amount <= 0 {
		return Transaction{}, cellerr.Newf(cellerr.CodeInvalidAmount, "amount %d must be positive", amount).WithDetail("amount", amount)
	}

	nonceBytes, err := e.signer.GenerateNonce()
	if err != nil {
		return Transaction{}, cellerr.Wrap(cellerr.CodeCryptoError, "nonce generation failed", err)
	}
	nonce := fmt.Sprintf("%x", nonceBytes)
	createdAt := time.Now().UnixMilli()

	e.mu.Lock()
	tx := &Transaction{
		ID:          derivID(payer, payee, amount, reason, createdAt, nonce),
		Type:        TypeGovernanceOrdered,
		Payer:       payer,
		Payee:       payee,
		Amount:      amount,
		Description: reason,
		Nonce:       nonce,
		CreatedAt:   createdAt,
		Status:      StatusReady,
	}
	e.transactions[tx.ID] = tx
	e.mu.Unlock()
	e.log.Info("governance-ordered transaction created", zap.String("txId", tx.ID), zap.String("payer", payer), zap.String("payee", payee), zap.Int64("amount", amount))

	if err := e.ledger.ApplyBalanceUpdates([]ledger.BalanceUpdate{
		{MemberID: payer, Delta: -amount, Reason: reason, Ref: ref},
		{MemberID: payee, Delta: amount, Reason: reason, Ref: ref},
	}); err != nil {
		return e.fail(tx.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	tx.Status = StatusExecuted
	tx.ExecutedAt = time.Now().UnixMilli()
	e.log.Info("governance-ordered transaction executed", zap.String("txId", tx.ID))
	return tx.Clone(), nil
}

func (e *Engine) fail(txID string, cause error) (Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := e.transactions[txID]
	tx.Status = StatusFailed
	if code, ok := cellerr.CodeOf(cause); ok {
		tx.FailureCode = string(code)
	}
	e.log.Error("transaction execution failed", zap.String("txId", txID), zap.Error(cause))
	return tx.Clone(), cause
}

// GetByID returns a snapshot of one transaction.
func (e *Engine) GetByID(txID string) (Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, ok := e.transactions[txID]
	if !ok {
		return Transaction{}, cellerr.Newf(cellerr.CodeInvalidTransactionState, "transaction %s not found", txID).WithDetail("txId", txID)
	}
	return tx.Clone(), nil
}

// ListByMember returns every transaction where memberID is payer or
// payee, newest first, with simple offset/limit pagination.
func (e *Engine) ListByMember(memberID string, offset, limit int) []Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()

	var matches []Transaction
	for _, tx := range e.transactions {
		if tx.Payer == memberID || tx.Payee == memberID {
			matches = append(matches, tx.Clone())
		}
	}
	sortByCreatedAtDesc(matches)
	if offset >= len(matches) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matches) {
		end = len(matches)
	}
	return matches[offset:end]
}

func sortByCreatedAtDesc(txs []Transaction) {
	for i := 1; i < len(txs); i++ {
		for j := i; j > 0 && txs[j].CreatedAt > txs[j-1].CreatedAt; j-- {
			txs[j], txs[j-1] = txs[j-1], txs[j]
		}
	}
}
