// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package commitment implements soft and escrowed future obligations
// between members, including the escrow reserve hold/release dance
// around ledger settlement.
package commitment

// Type distinguishes a soft promise from one backed by an escrow hold.
type Type string

const (
	TypeSoft     Type = "SOFT"
	TypeEscrowed Type = "ESCROWED"
)

// Status is a Commitment's position in its lifecycle.
type Status string

const (
	StatusProposed  Status = "PROPOSED"
	StatusActive    Status = "ACTIVE"
	StatusFulfilled Status = "FULFILLED"
	StatusCancelled Status = "CANCELLED"
	StatusDisputed  Status = "DISPUTED"
)

// Commitment is a promise of future settlement.
type Commitment struct {
	ID        string
	Type      Type
	Promisor  string // service provider, receives value on settlement
	Promisee  string // payer on settlement
	Value     int64
	Category  string
	DueDate   *int64
	Status    Status
	CreatedAt int64
	UpdatedAt int64
}

// IsOverdue reports whether an ACTIVE commitment's due date has passed.
func (c Commitment) IsOverdue(now int64) bool {
	return c.Status == StatusActive && c.DueDate != nil && now > *c.DueDate
}

// Analytics is the commitment engine's diagnostic read surface.
type Analytics struct {
	ReservedByMember         map[string]int64
	CategoryFulfillmentRatio map[string]float64
	CommitmentCountByMember  map[string]int
	OverdueCommitmentIDs     []string
}
