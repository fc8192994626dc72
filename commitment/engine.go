// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package commitment

import (
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/cellcredit/cellerr"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/ledger"
	log "github.com/luxfi/log"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Engine is the Commitment Engine (C).
type Engine struct {
	mu          sync.Mutex
	cellID      string
	ledger      *ledger.Engine
	sink        events.Sink
	commitments map[string]*Commitment
	seq         uint64
	log         log.Logger
}

// New constructs a commitment engine bound to the cell's ledger.
func New(cellID string, ledgerEngine *ledger.Engine, sink events.Sink, logger log.Logger) *Engine {
	return &Engine{
		cellID:      cellID,
		ledger:      ledgerEngine,
		sink:        sink,
		commitments: make(map[string]*Commitment),
		log:         logger,
	}
}

func derivID(promisor, promisee string, value int64, category string, createdAt int64, seq uint64) string {
	h := blake3.New()
	h.Write([]byte(promisor))
	h.Write([]byte(promisee))
	h.Write([]byte(fmt.Sprintf("%d", value)))
	h.Write([]byte(category))
	h.Write([]byte(fmt.Sprintf("%d-%d", createdAt, seq)))
	var idBytes [16]byte
	h.Digest().Read(idBytes[:])
	return fmt.Sprintf("cmt-%x", idBytes)
}

// Create validates both parties and, for ESCROWED commitments, places
// an immediate reserve hold on the promisee.
func (e *Engine) Create(typ Type, promisor, promisee string, value int64, category string, dueDate *int64) (Commitment, error) {
	if promisor == promisee {
		return Commitment{}, cellerr.New(cellerr.CodeSelfTransaction, "promisor and promisee must differ")
	}
	if value <= 0 {
		return Commitment{}, cellerr.Newf(cellerr.CodeInvalidAmount, "value %d must be positive", value).WithDetail("value", value)
	}
	now := time.Now().UnixMilli()
	if dueDate != nil && *dueDate <= now {
		return Commitment{}, cellerr.New(cellerr.CodeInvalidDueDate, "due date must be in the future")
	}

	promisorState, err := e.ledger.GetMemberState(promisor)
	if err != nil {
		return Commitment{}, err
	}
	if promisorState.Status != ledger.StatusActive {
		return Commitment{}, cellerr.Newf(cellerr.CodeMemberNotActive, "promisor %s is not active", promisor).WithDetail("memberId", promisor)
	}
	promiseeState, err := e.ledger.GetMemberState(promisee)
	if err != nil {
		return Commitment{}, err
	}
	if promiseeState.Status != ledger.StatusActive {
		return Commitment{}, cellerr.Newf(cellerr.CodeMemberNotActive, "promisee %s is not active", promisee).WithDetail("memberId", promisee)
	}

	if typ == TypeEscrowed {
		available, err := e.ledger.GetAvailableCapacity(promisee)
		if err != nil {
			return Commitment{}, err
		}
		if available < value {
			return Commitment{}, cellerr.Newf(cellerr.CodeInsufficientCapacity, "promisee %s lacks available capacity for escrow", promisee).
				WithDetail("memberId", promisee).WithDetail("value", value).WithDetail("available", available)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++

	id := derivID(promisor, promisee, value, category, now, e.seq)
	c := &Commitment{
		ID:        id,
		Type:      typ,
		Promisor:  promisor,
		Promisee:  promisee,
		Value:     value,
		Category:  category,
		DueDate:   dueDate,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if typ == TypeEscrowed {
		if err := e.ledger.ApplyReserveUpdate(ledger.ReserveUpdate{MemberID: promisee, Delta: value, Reason: "commitment_escrow", CommitmentID: id}); err != nil {
			// Nothing was persisted yet (c is not stored), so there is
			// no compensating write needed here; the reserve hold
			// itself never partially applied.
			return Commitment{}, err
		}
	}

	e.commitments[id] = c
	e.publish(events.TypeCommitmentCreated, now, map[string]any{"commitmentId": id, "type": string(typ), "promisor": promisor, "promisee": promisee, "value": value})
	e.log.Info("commitment created", zap.String("commitmentId", id), zap.String("type", string(typ)), zap.Int64("value", value))
	return *c, nil
}

// Fulfill may only be confirmed by the promisee. For ESCROWED
// commitments, the reserve is released before the settlement update
// set is submitted.
func (e *Engine) Fulfill(commitmentID, callerID string) (Commitment, error) {
	e.mu.Lock()
	c, ok := e.commitments[commitmentID]
	if !ok {
		e.mu.Unlock()
		return Commitment{}, cellerr.Newf(cellerr.CodeCommitmentNotFound, "commitment %s not found", commitmentID).WithDetail("commitmentId", commitmentID)
	}
	if callerID != c.Promisee {
		e.mu.Unlock()
		return Commitment{}, cellerr.New(cellerr.CodeUnauthorizedParty, "only the promisee may fulfill a commitment").WithDetail("commitmentId", commitmentID)
	}
	if c.Status != StatusActive {
		e.mu.Unlock()
		return Commitment{}, cellerr.Newf(cellerr.CodeCommitmentNotActive, "commitment %s is not ACTIVE", commitmentID).WithDetail("commitmentId", commitmentID)
	}
	typ, promisor, promisee, value := c.Type, c.Promisor, c.Promisee, c.Value
	e.mu.Unlock()

	if typ == TypeEscrowed {
		if err := e.ledger.ApplyReserveUpdate(ledger.ReserveUpdate{MemberID: promisee, Delta: -value, Reason: "commitment_fulfill", CommitmentID: commitmentID}); err != nil {
			return Commitment{}, err
		}
	}

	if err := e.ledger.ApplyBalanceUpdates([]ledger.BalanceUpdate{
		{MemberID: promisee, Delta: -value, Reason: "commitment_settlement", Ref: commitmentID},
		{MemberID: promisor, Delta: value, Reason: "commitment_settlement", Ref: commitmentID},
	}); err != nil {
		return Commitment{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UnixMilli()
	c.Status = StatusFulfilled
	c.UpdatedAt = now
	e.publish(events.TypeCommitmentFulfilled, now, map[string]any{"commitmentId": commitmentID})
	e.log.Info("commitment fulfilled", zap.String("commitmentId", commitmentID))
	return *c, nil
}

// Cancel may be called by either party while PROPOSED or ACTIVE. For
// ESCROWED commitments in ACTIVE, the reserve is released.
func (e *Engine) Cancel(commitmentID, callerID string) (Commitment, error) {
	e.mu.Lock()
	c, ok := e.commitments[commitmentID]
	if !ok {
		e.mu.Unlock()
		return Commitment{}, cellerr.Newf(cellerr.CodeCommitmentNotFound, "commitment %s not found", commitmentID).WithDetail("commitmentId", commitmentID)
	}
	if callerID != c.Promisor && callerID != c.Promisee {
		e.mu.Unlock()
		return Commitment{}, cellerr.New(cellerr.CodeUnauthorizedParty, "only a party to the commitment may cancel it").WithDetail("commitmentId", commitmentID)
	}
	if c.Status != StatusProposed && c.Status != StatusActive {
		e.mu.Unlock()
		return Commitment{}, cellerr.Newf(cellerr.CodeCommitmentNotActive, "commitment %s cannot be cancelled from %s", commitmentID, c.Status).WithDetail("commitmentId", commitmentID)
	}
	typ, promisee, value, wasActive := c.Type, c.Promisee, c.Value, c.Status == StatusActive
	e.mu.Unlock()

	if typ == TypeEscrowed && wasActive {
		if err := e.ledger.ApplyReserveUpdate(ledger.ReserveUpdate{MemberID: promisee, Delta: -value, Reason: "commitment_cancel", CommitmentID: commitmentID}); err != nil {
			return Commitment{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UnixMilli()
	c.Status = StatusCancelled
	c.UpdatedAt = now
	e.publish(events.TypeCommitmentCancelled, now, map[string]any{"commitmentId": commitmentID})
	e.log.Info("commitment cancelled", zap.String("commitmentId", commitmentID))
	return *c, nil
}

// ForceCancel is the governance-privileged cancellation path: it
// applies the same reserve-release semantics as Cancel but skips the
// party-membership check, since the caller here is the council acting
// on a passed CANCEL_COMMITMENT proposal or dispute resolution, not a
// party. Unlike Cancel it also accepts a DISPUTED commitment, releasing
// the reserve the dispute held.
func (e *Engine) ForceCancel(commitmentID string) (Commitment, error) {
	e.mu.Lock()
	c, ok := e.commitments[commitmentID]
	if !ok {
		e.mu.Unlock()
		return Commitment{}, cellerr.Newf(cellerr.CodeCommitmentNotFound, "commitment %s not found", commitmentID).WithDetail("commitmentId", commitmentID)
	}
	if c.Status != StatusProposed && c.Status != StatusActive && c.Status != StatusDisputed {
		e.mu.Unlock()
		return Commitment{}, cellerr.Newf(cellerr.CodeCommitmentNotActive, "commitment %s cannot be cancelled from %s", commitmentID, c.Status).WithDetail("commitmentId", commitmentID)
	}
	typ, promisee, value, holdsReserve := c.Type, c.Promisee, c.Value, c.Status == StatusActive || c.Status == StatusDisputed
	e.mu.Unlock()

	if typ == TypeEscrowed && holdsReserve {
		if err := e.ledger.ApplyReserveUpdate(ledger.ReserveUpdate{MemberID: promisee, Delta: -value, Reason: "commitment_cancel_governance", CommitmentID: commitmentID}); err != nil {
			return Commitment{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UnixMilli()
	c.Status = StatusCancelled
	c.UpdatedAt = now
	e.publish(events.TypeCommitmentCancelled, now, map[string]any{"commitmentId": commitmentID, "byGovernance": true})
	e.log.Info("commitment force-cancelled by governance", zap.String("commitmentId", commitmentID))
	return *c, nil
}

// Dispute moves an ACTIVE commitment to DISPUTED; any reserve is held
// until Governance resolves the dispute.
func (e *Engine) Dispute(commitmentID, callerID string) (Commitment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.commitments[commitmentID]
	if !ok {
		return Commitment{}, cellerr.Newf(cellerr.CodeCommitmentNotFound, "commitment %s not found", commitmentID).WithDetail("commitmentId", commitmentID)
	}
	if callerID != c.Promisor && callerID != c.Promisee {
		return Commitment{}, cellerr.New(cellerr.CodeUnauthorizedParty, "only a party to the commitment may dispute it").WithDetail("commitmentId", commitmentID)
	}
	if c.Status != StatusActive {
		return Commitment{}, cellerr.Newf(cellerr.CodeCommitmentNotActive, "commitment %s is not ACTIVE", commitmentID).WithDetail("commitmentId", commitmentID)
	}

	now := time.Now().UnixMilli()
	c.Status = StatusDisputed
	c.UpdatedAt = now
	e.publish(events.TypeCommitmentDisputed, now, map[string]any{"commitmentId": commitmentID})
	e.log.Info("commitment disputed", zap.String("commitmentId", commitmentID))
	return *c, nil
}

// GetByID returns a snapshot of one commitment.
func (e *Engine) GetByID(commitmentID string) (Commitment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.commitments[commitmentID]
	if !ok {
		return Commitment{}, cellerr.Newf(cellerr.CodeCommitmentNotFound, "commitment %s not found", commitmentID).WithDetail("commitmentId", commitmentID)
	}
	return *c, nil
}

// ListByMember returns every commitment where memberID is a party.
func (e *Engine) ListByMember(memberID string) []Commitment {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Commitment
	for _, c := range e.commitments {
		if c.Promisor == memberID || c.Promisee == memberID {
			out = append(out, *c)
		}
	}
	return out
}

// ListByCategory returns every commitment in the given category.
func (e *Engine) ListByCategory(category string) []Commitment {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Commitment
	for _, c := range e.commitments {
		if c.Category == category {
			out = append(out, *c)
		}
	}
	return out
}

// ListByStatus returns every commitment in the given status.
func (e *Engine) ListByStatus(status Status) []Commitment {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Commitment
	for _, c := range e.commitments {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	return out
}

// GetAnalytics aggregates reserved capacity, fulfillment ratio per
// category, commitment counts per member, and overdue detection.
func (e *Engine) GetAnalytics(now int64) Analytics {
	e.mu.Lock()
	defer e.mu.Unlock()

	analytics := Analytics{
		ReservedByMember:         make(map[string]int64),
		CategoryFulfillmentRatio: make(map[string]float64),
		CommitmentCountByMember:  make(map[string]int),
	}

	type tally struct{ fulfilled, total int }
	byCategory := make(map[string]*tally)

	for _, c := range e.commitments {
		analytics.CommitmentCountByMember[c.Promisor]++
		analytics.CommitmentCountByMember[c.Promisee]++
		if c.Type == TypeEscrowed && c.Status == StatusActive {
			analytics.ReservedByMember[c.Promisee] += c.Value
		}
		t, ok := byCategory[c.Category]
		if !ok {
			t = &tally{}
			byCategory[c.Category] = t
		}
		t.total++
		if c.Status == StatusFulfilled {
			t.fulfilled++
		}
		if c.IsOverdue(now) {
			analytics.OverdueCommitmentIDs = append(analytics.OverdueCommitmentIDs, c.ID)
		}
	}
	for category, t := range byCategory {
		if t.total == 0 {
			continue
		}
		analytics.CategoryFulfillmentRatio[category] = float64(t.fulfilled) / float64(t.total)
	}
	return analytics
}

func (e *Engine) publish(typ events.Type, timestamp int64, payload any) {
	if e.sink == nil {
		return
	}
	e.seq++
	e.sink.Publish(events.New(e.cellID, typ, timestamp, e.seq, payload))
}
