// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transaction implements the dual-signature spot-payment
// protocol. Construction, signing, and execution never touch balances
// directly; execution composes exactly one balanced update set and
// hands it to the ledger.
package transaction

// Status is a Transaction's position in the spot-payment lifecycle.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusReady    Status = "READY"
	StatusExecuted Status = "EXECUTED"
	StatusFailed   Status = "FAILED"
)

// TypeSpot is a normal dual-signature payment; TypeGovernanceOrdered
// is a privileged payment governance routes through this engine on a
// council's authority rather than the two parties' consent.
const (
	TypeSpot              = "SPOT"
	TypeGovernanceOrdered = "GOVERNANCE_ORDERED"
)

// Transaction is a dual-signature spot payment, or a privileged
// governance-ordered payment.
type Transaction struct {
	ID             string
	Type           string
	Payer          string
	Payee          string
	Amount         int64
	Description    string
	Nonce          string
	CreatedAt      int64
	Status         Status
	PayerSignature []byte
	PayeeSignature []byte
	ExecutedAt     int64
	FailureCode    string
}

// Clone returns a value copy with independent signature slices.
func (t Transaction) Clone() Transaction {
	cp := t
	if t.PayerSignature != nil {
		cp.PayerSignature = append([]byte(nil), t.PayerSignature...)
	}
	if t.PayeeSignature != nil {
		cp.PayeeSignature = append([]byte(nil), t.PayeeSignature...)
	}
	return cp
}

// signingObject is the canonical, order-stable encoding of a
// transaction's immutable fields. Field order is
// fixed by declaration order, so json.Marshal of this type is stable
// across calls for the same transaction.
type signingObject struct {
	Payer       string `json:"payer"`
	Payee       string `json:"payee"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"createdAt"`
	Nonce       string `json:"nonce"`
}

// QueueEntry is one item of the offline FIFO queue.
type QueueEntry struct {
	TransactionID string
	Attempts      int
	LastError     string
}
