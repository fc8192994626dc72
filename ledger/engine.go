// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"sync"
	"time"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/cellerr"
	"github.com/luxfi/cellcredit/events"
	log "github.com/luxfi/log"
	"go.uber.org/zap"
)

// Engine is the ledger: the sole writer of MemberState and reserves.
// Every public mutation is serialized by mu, making the per-cell
// single-writer critical section explicit rather than implied.
type Engine struct {
	mu    sync.Mutex
	state CellLedgerState
	sink  events.Sink
	log   log.Logger
}

// New constructs a ledger for a fresh cell with no members.
func New(cellID string, params cellconfig.LedgerParams, sink events.Sink, logger log.Logger) *Engine {
	return &Engine{
		state: CellLedgerState{
			CellID:     cellID,
			Parameters: params,
			Members:    make(map[string]*MemberState),
			Sequence:   0,
			UpdatedAt:  time.Now().UnixMilli(),
		},
		sink: sink,
		log:  logger,
	}
}

// GetCellId returns the owning cell's identifier.
func (e *Engine) GetCellId() string {
	return e.state.CellID
}

// GetParameters returns the ledger's bound parameters.
func (e *Engine) GetParameters() cellconfig.LedgerParams {
	return e.state.Parameters
}

// AddMember creates a new member at balance 0 with the given initial
// limit, or the cell's default limit if initialLimit is nil.
func (e *Engine) AddMember(id string, initialLimit *int64) (MemberState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.state.Members[id]; exists {
		return MemberState{}, cellerr.Newf(cellerr.CodeMemberExists, "member %s already exists", id).WithDetail("memberId", id)
	}

	limit := e.state.Parameters.DefaultLimit
	if initialLimit != nil {
		limit = *initialLimit
	}
	if limit < e.state.Parameters.MinLimit || limit > e.state.Parameters.MaxLimit {
		return MemberState{}, cellerr.Newf(cellerr.CodeLimitOutOfRange, "limit %d out of [%d, %d]", limit, e.state.Parameters.MinLimit, e.state.Parameters.MaxLimit).
			WithDetail("memberId", id).WithDetail("limit", limit)
	}

	now := time.Now().UnixMilli()
	member := &MemberState{
		MemberID:  id,
		Balance:   0,
		Limit:     limit,
		Reserve:   0,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.state.Members[id] = member
	e.state.Sequence++
	e.state.UpdatedAt = now

	e.publish(events.TypeMemberAdded, now, map[string]any{"memberId": id, "limit": limit})
	e.log.Info("member added", zap.String("memberId", id), zap.Int64("limit", limit))
	return member.Clone(), nil
}

// RemoveMember deletes a member, requiring zero balance and zero
// reserve.
func (e *Engine) RemoveMember(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	member, ok := e.state.Members[id]
	if !ok {
		return cellerr.Newf(cellerr.CodeMemberNotFound, "member %s not found", id).WithDetail("memberId", id)
	}
	if member.Balance != 0 || member.Reserve != 0 {
		return cellerr.Newf(cellerr.CodeMemberHasBalance, "member %s has non-zero balance or reserve", id).
			WithDetail("memberId", id).WithDetail("balance", member.Balance).WithDetail("reserve", member.Reserve)
	}

	delete(e.state.Members, id)
	e.state.Sequence++
	now := time.Now().UnixMilli()
	e.state.UpdatedAt = now

	e.publish(events.TypeMemberRemoved, now, map[string]any{"memberId": id})
	e.log.Info("member removed", zap.String("memberId", id))
	return nil
}

// ApplyBalanceUpdates is the one atomic write path for balances: a
// strict three-phase commit (conservation check, validation pass,
// commit pass). Any failure in any phase leaves state observably
// unchanged.
func (e *Engine) ApplyBalanceUpdates(updates []BalanceUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Phase 1: conservation check.
	var sum int64
	for _, u := range updates {
		sum += u.Delta
	}
	if sum != 0 {
		return cellerr.Newf(cellerr.CodeConservationViolation, "sum of deltas %d is not zero", sum).WithDetail("sum", sum)
	}

	// Phase 2: validation pass, no mutation.
	newBalances := make(map[string]int64, len(updates))
	for _, u := range updates {
		member, ok := e.state.Members[u.MemberID]
		if !ok {
			return cellerr.Newf(cellerr.CodeMemberNotFound, "member %s not found", u.MemberID).WithDetail("memberId", u.MemberID)
		}
		if member.Status != StatusActive {
			return cellerr.Newf(cellerr.CodeMemberNotActive, "member %s is not active", u.MemberID).
				WithDetail("memberId", u.MemberID).WithDetail("status", string(member.Status))
		}
		newBalance := member.Balance + u.Delta
		if newBalance < -member.Limit {
			return cellerr.Newf(cellerr.CodeFloorViolation, "member %s would breach floor", u.MemberID).
				WithDetail("memberId", u.MemberID).WithDetail("newBalance", newBalance).WithDetail("limit", member.Limit)
		}
		if e.state.Parameters.EnforceEscrowSafety && newBalance < -member.Limit+member.Reserve {
			return cellerr.Newf(cellerr.CodeEscrowViolation, "member %s would breach escrow safety", u.MemberID).
				WithDetail("memberId", u.MemberID).WithDetail("newBalance", newBalance).
				WithDetail("limit", member.Limit).WithDetail("reserve", member.Reserve)
		}
		newBalances[u.MemberID] = newBalance
	}

	// Phase 3: commit pass.
	now := time.Now().UnixMilli()
	deltas := make(map[string]int64, len(updates))
	resultBalances := make(map[string]int64, len(updates))
	var reason, ref string
	for _, u := range updates {
		member := e.state.Members[u.MemberID]
		member.Balance = newBalances[u.MemberID]
		member.UpdatedAt = now
		deltas[u.MemberID] += u.Delta
		resultBalances[u.MemberID] = member.Balance
		reason = u.Reason
		ref = u.Ref
	}
	e.state.Sequence++
	e.state.UpdatedAt = now

	e.publish(events.TypeBalanceUpdates, now, events.BalanceUpdatesPayload{
		Deltas:         deltas,
		ResultBalances: resultBalances,
		Reason:         reason,
		Ref:            ref,
		SequenceNumber: uint64(e.state.Sequence),
	})
	e.log.Info("balance updates applied", zap.Int("count", len(updates)), zap.String("reason", reason), zap.Int64("sequence", e.state.Sequence))
	return nil
}

// ApplyReserveUpdate increments or decrements a single member's
// reserve. Positive deltas re-validate escrow safety against the new
// reserve; every delta re-validates that the reserve stays
// non-negative.
func (e *Engine) ApplyReserveUpdate(update ReserveUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	member, ok := e.state.Members[update.MemberID]
	if !ok {
		return cellerr.Newf(cellerr.CodeMemberNotFound, "member %s not found", update.MemberID).WithDetail("memberId", update.MemberID)
	}

	newReserve := member.Reserve + update.Delta
	if newReserve < 0 {
		return cellerr.Newf(cellerr.CodeNegativeReserve, "member %s reserve would go negative", update.MemberID).
			WithDetail("memberId", update.MemberID).WithDetail("newReserve", newReserve)
	}
	if update.Delta > 0 && member.Balance < -member.Limit+newReserve {
		return cellerr.Newf(cellerr.CodeEscrowViolation, "member %s reserve increase would breach escrow safety", update.MemberID).
			WithDetail("memberId", update.MemberID).WithDetail("balance", member.Balance).
			WithDetail("limit", member.Limit).WithDetail("newReserve", newReserve)
	}

	now := time.Now().UnixMilli()
	member.Reserve = newReserve
	member.UpdatedAt = now
	e.state.Sequence++
	e.state.UpdatedAt = now

	e.publish(events.TypeReserveUpdate, now, events.ReserveUpdatePayload{
		MemberID:      update.MemberID,
		Delta:         update.Delta,
		ResultReserve: newReserve,
		Reason:        update.Reason,
		CommitmentID:  update.CommitmentID,
	})
	e.log.Info("reserve update applied", zap.String("memberId", update.MemberID), zap.Int64("delta", update.Delta), zap.Int64("newReserve", newReserve))
	return nil
}

// UpdateMemberLimit refuses to shrink a limit below -balance, which
// would retroactively put the member under its floor.
func (e *Engine) UpdateMemberLimit(id string, newLimit int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	member, ok := e.state.Members[id]
	if !ok {
		return cellerr.Newf(cellerr.CodeMemberNotFound, "member %s not found", id).WithDetail("memberId", id)
	}
	if newLimit < e.state.Parameters.MinLimit || newLimit > e.state.Parameters.MaxLimit {
		return cellerr.Newf(cellerr.CodeLimitOutOfRange, "limit %d out of [%d, %d]", newLimit, e.state.Parameters.MinLimit, e.state.Parameters.MaxLimit).
			WithDetail("memberId", id)
	}
	if newLimit < -member.Balance {
		return cellerr.Newf(cellerr.CodeLimitBelowBalance, "limit %d below -balance %d", newLimit, -member.Balance).
			WithDetail("memberId", id).WithDetail("balance", member.Balance)
	}

	now := time.Now().UnixMilli()
	oldLimit := member.Limit
	member.Limit = newLimit
	member.UpdatedAt = now
	e.state.Sequence++
	e.state.UpdatedAt = now

	e.publish(events.TypeLimitUpdated, now, map[string]any{"memberId": id, "oldLimit": oldLimit, "newLimit": newLimit})
	e.log.Info("limit updated", zap.String("memberId", id), zap.Int64("oldLimit", oldLimit), zap.Int64("newLimit", newLimit))
	return nil
}

// UpdateMemberStatus applies a status transition, rejecting any edge
// outside the member lifecycle.
func (e *Engine) UpdateMemberStatus(id string, newStatus Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	member, ok := e.state.Members[id]
	if !ok {
		return cellerr.Newf(cellerr.CodeMemberNotFound, "member %s not found", id).WithDetail("memberId", id)
	}
	if !CanTransition(member.Status, newStatus) {
		return cellerr.Newf(cellerr.CodeInvalidStatusTransition, "cannot transition member %s from %s to %s", id, member.Status, newStatus).
			WithDetail("memberId", id).WithDetail("from", string(member.Status)).WithDetail("to", string(newStatus))
	}
	if newStatus == StatusExcluded && (member.Balance != 0 || member.Reserve != 0) {
		return cellerr.Newf(cellerr.CodeMemberHasBalance, "member %s has non-zero balance or reserve", id).
			WithDetail("memberId", id).WithDetail("balance", member.Balance).WithDetail("reserve", member.Reserve)
	}

	now := time.Now().UnixMilli()
	oldStatus := member.Status
	member.Status = newStatus
	member.UpdatedAt = now
	e.state.Sequence++
	e.state.UpdatedAt = now

	e.publish(events.TypeStatusUpdated, now, map[string]any{"memberId": id, "from": string(oldStatus), "to": string(newStatus)})
	e.log.Info("status updated", zap.String("memberId", id), zap.String("from", string(oldStatus)), zap.String("to", string(newStatus)))
	return nil
}

// UpdateParameters replaces the cell's ledger parameters wholesale,
// used by governance's PARAMETER_CHANGE proposal execution.
// Already-admitted members keep their existing limit even if it now
// falls outside the new [minLimit, maxLimit] bounds; the new bounds
// apply going forward.
func (e *Engine) UpdateParameters(params cellconfig.LedgerParams) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Parameters = params
	e.state.UpdatedAt = time.Now().UnixMilli()
}

// GetMemberState returns a snapshot of one member's state.
func (e *Engine) GetMemberState(id string) (MemberState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	member, ok := e.state.Members[id]
	if !ok {
		return MemberState{}, cellerr.Newf(cellerr.CodeMemberNotFound, "member %s not found", id).WithDetail("memberId", id)
	}
	return member.Clone(), nil
}

// GetAllMemberStates returns a snapshot of every member, keyed by id.
func (e *Engine) GetAllMemberStates() map[string]MemberState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]MemberState, len(e.state.Members))
	for id, m := range e.state.Members {
		out[id] = m.Clone()
	}
	return out
}

// GetAvailableCapacity returns limit + balance - reserve for a member.
func (e *Engine) GetAvailableCapacity(id string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	member, ok := e.state.Members[id]
	if !ok {
		return 0, cellerr.Newf(cellerr.CodeMemberNotFound, "member %s not found", id).WithDetail("memberId", id)
	}
	return member.AvailableCapacity(), nil
}

// CanSpend reports whether amount (positive) is spendable by id: member
// must be ACTIVE and amount must not exceed available capacity.
func (e *Engine) CanSpend(id string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, cellerr.Newf(cellerr.CodeInvalidAmount, "amount %d must be positive", amount).WithDetail("amount", amount)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	member, ok := e.state.Members[id]
	if !ok {
		return false, cellerr.Newf(cellerr.CodeMemberNotFound, "member %s not found", id).WithDetail("memberId", id)
	}
	if member.Status != StatusActive {
		return false, nil
	}
	return amount <= member.AvailableCapacity(), nil
}

// GetStatistics aggregates counts, capacity, balance sums, floor mass,
// and total reserved across every member.
func (e *Engine) GetStatistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Statistics{MemberCount: len(e.state.Members)}
	for _, m := range e.state.Members {
		if m.Status == StatusActive {
			stats.ActiveCount++
			stats.AggregateCapacity += m.AvailableCapacity()
		}
		stats.BalanceSum += m.Balance
		stats.FloorMass += m.Limit
		stats.TotalReserved += m.Reserve
	}
	return stats
}

// VerifyConservation checks that balances sum to zero across the cell.
func (e *Engine) VerifyConservation() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sum int64
	for _, m := range e.state.Members {
		sum += m.Balance
	}
	return sum == 0
}

// VerifyAllFloors checks the debt floor and, if enforced, escrow
// safety for every member.
func (e *Engine) VerifyAllFloors() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.state.Members {
		if m.Balance < -m.Limit {
			return false
		}
		if e.state.Parameters.EnforceEscrowSafety && m.Balance-m.Reserve < -m.Limit {
			return false
		}
		if m.Reserve < 0 {
			return false
		}
	}
	return true
}

// Sequence returns the ledger's current monotonic sequence number.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Sequence
}

// ExportState returns a deep copy of the ledger-owned aggregate,
// suitable for marshaling into a storage.KVStore bucket.
func (e *Engine) ExportState() CellLedgerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	members := make(map[string]*MemberState, len(e.state.Members))
	for id, m := range e.state.Members {
		cp := m.Clone()
		members[id] = &cp
	}
	return CellLedgerState{
		CellID:     e.state.CellID,
		Parameters: e.state.Parameters,
		Members:    members,
		Sequence:   e.state.Sequence,
		UpdatedAt:  e.state.UpdatedAt,
	}
}

// ImportState replaces the ledger-owned aggregate wholesale, used to
// restore a cell from a persisted snapshot. It
// does not publish events: restoration is not itself a domain mutation.
func (e *Engine) ImportState(state CellLedgerState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	members := make(map[string]*MemberState, len(state.Members))
	for id, m := range state.Members {
		cp := m.Clone()
		members[id] = &cp
	}
	e.state = CellLedgerState{
		CellID:     state.CellID,
		Parameters: state.Parameters,
		Members:    members,
		Sequence:   state.Sequence,
		UpdatedAt:  state.UpdatedAt,
	}
}

func (e *Engine) publish(typ events.Type, timestamp int64, payload any) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(events.New(e.state.CellID, typ, timestamp, uint64(e.state.Sequence), payload))
}
