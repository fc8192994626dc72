// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger implements the Ledger Engine: the sole owner of member
// balances and reserves, and the only component that mutates them. Every
// other engine composes its work out of balanced update sets submitted
// here.
package ledger

import "github.com/luxfi/cellcredit/cellconfig"

// Status is a MemberState's position in the membership lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusProbation Status = "PROBATION"
	StatusFrozen    Status = "FROZEN"
	StatusExcluded  Status = "EXCLUDED"
)

// validStatusTransitions enumerates the permitted member lifecycle
// edges. PENDING and EXCLUDED are endpoints; EXCLUDED has no outgoing
// edges.
var validStatusTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusActive: true},
	StatusActive:    {StatusProbation: true, StatusFrozen: true, StatusExcluded: true},
	StatusProbation: {StatusActive: true, StatusFrozen: true, StatusExcluded: true},
	StatusFrozen:    {StatusActive: true, StatusProbation: true, StatusExcluded: true},
	StatusExcluded:  {},
}

// CanTransition reports whether from -> to is a permitted member status
// edge.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	edges, ok := validStatusTransitions[from]
	return ok && edges[to]
}

// MemberState is one member's ledger-owned state.
type MemberState struct {
	MemberID  string
	Balance   int64
	Limit     int64
	Reserve   int64
	Status    Status
	CreatedAt int64
	UpdatedAt int64
}

// Clone returns a deep (value) copy; MemberState has no pointer fields
// so a plain copy suffices, but the helper keeps call sites explicit
// about intent when handing state out of the engine.
func (m MemberState) Clone() MemberState { return m }

// AvailableCapacity is limit + balance - reserve: what the member may
// still spend.
func (m MemberState) AvailableCapacity() int64 {
	return m.Limit + m.Balance - m.Reserve
}

// CellLedgerState is the aggregate the ledger owns.
type CellLedgerState struct {
	CellID     string
	Parameters cellconfig.LedgerParams
	Members    map[string]*MemberState
	Sequence   int64
	UpdatedAt  int64
}

// BalanceUpdate is one entry of a balanced update set submitted to
// ApplyBalanceUpdates.
type BalanceUpdate struct {
	MemberID string
	Delta    int64
	Reason   string
	Ref      string
}

// ReserveUpdate is the single-member reserve delta submitted to
// ApplyReserveUpdate.
type ReserveUpdate struct {
	MemberID     string
	Delta        int64
	Reason       string
	CommitmentID string
}

// Statistics is the ledger's aggregate read surface.
type Statistics struct {
	MemberCount       int
	ActiveCount       int
	AggregateCapacity int64
	BalanceSum        int64
	FloorMass         int64
	TotalReserved     int64
}
