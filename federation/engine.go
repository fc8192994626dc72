// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package federation

import (
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/cellerr"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/ledger"
	log "github.com/luxfi/log"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Engine is the Federation Engine (F).
type Engine struct {
	mu                 sync.Mutex
	cellID             string
	clearingAccountID  string
	params             cellconfig.FederationParams
	ledger             *ledger.Engine
	emergency          EmergencyView
	links              map[string]*Link
	txs                map[string]*Transaction
	federationPosition int64
	exposureCap        int64
	status             CellStatus
	quarantineReason   QuarantineReason
	seq                uint64
	sink               events.Sink
	log                log.Logger
}

// New constructs the federation engine bound to the cell's ledger,
// provisioning the clearing account member. emergency may be nil until
// the emergency engine exists; wire it with SetEmergencyView once
// constructed.
func New(cellID string, params cellconfig.FederationParams, ledgerEngine *ledger.Engine, emergency EmergencyView, sink events.Sink, logger log.Logger) (*Engine, error) {
	clearingID := fmt.Sprintf("clearing-%s", cellID)
	zero := int64(0)
	if _, err := ledgerEngine.AddMember(clearingID, &zero); err != nil {
		return nil, err
	}
	if err := ledgerEngine.UpdateMemberStatus(clearingID, ledger.StatusActive); err != nil {
		return nil, err
	}

	e := &Engine{
		cellID:            cellID,
		clearingAccountID: clearingID,
		params:            params,
		ledger:            ledgerEngine,
		emergency:         emergency,
		links:             make(map[string]*Link),
		txs:               make(map[string]*Transaction),
		status:            CellActive,
		sink:              sink,
		log:               logger,
	}
	e.recomputeExposureCap(time.Now().UnixMilli())
	return e, nil
}

// SetEmergencyView wires the late-bound Emergency reference.
func (e *Engine) SetEmergencyView(v EmergencyView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emergency = v
}

func (e *Engine) betaFactor() float64 {
	base := e.params.BaseBetaFactor
	if e.emergency == nil {
		return base
	}
	return base * e.emergency.FederationBetaFactor()
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RecomputeExposureCap recomputes the exposure cap from the ledger's
// current aggregate capacity and the emergency-scaled beta factor,
// publishing an EXPOSURE_CAP_UPDATED event when it changes. Callers
// should invoke this after any ledger membership/limit change.
func (e *Engine) RecomputeExposureCap() int64 {
	return e.recomputeExposureCap(time.Now().UnixMilli())
}

func (e *Engine) recomputeExposureCap(now int64) int64 {
	stats := e.ledger.GetStatistics()
	beta := e.betaFactor()
	raw := int64(float64(stats.AggregateCapacity) * beta)
	newCap := clampInt64(raw, e.params.MinExposureCap, e.params.MaxExposureCap)

	e.mu.Lock()
	changed := newCap != e.exposureCap
	e.exposureCap = newCap
	position := e.federationPosition
	e.mu.Unlock()

	if changed {
		e.publish(events.TypeExposureCapUpdated, now, map[string]any{"cap": newCap})
	}
	e.reconcileCapViolation(position, newCap, now)
	return newCap
}

// reconcileCapViolation quarantines the cell if a cap reduction has put
// the existing position out of bounds, and exits a CAP_VIOLATION
// quarantine once the position is back in bounds.
func (e *Engine) reconcileCapViolation(position, cap int64, now int64) {
	abs := position
	if abs < 0 {
		abs = -abs
	}
	e.mu.Lock()
	status, reason := e.status, e.quarantineReason
	e.mu.Unlock()

	if abs > cap {
		if status != CellQuarantined {
			e.quarantine(ReasonCapViolation, now)
		}
		return
	}
	if status == CellQuarantined && reason == ReasonCapViolation {
		e.mu.Lock()
		e.status = CellActive
		e.quarantineReason = ""
		e.mu.Unlock()
		e.publish(events.TypeFederationQuarantineExit, now, map[string]any{"reason": string(ReasonCapViolation)})
	}
}

func (e *Engine) quarantine(reason QuarantineReason, now int64) {
	e.mu.Lock()
	e.status = CellQuarantined
	e.quarantineReason = reason
	e.mu.Unlock()
	e.publish(events.TypeFederationQuarantined, now, map[string]any{"reason": string(reason)})
	e.log.Info("cell quarantined", zap.String("reason", string(reason)))
}

// Quarantine is the governance-triggered manual suspension path.
func (e *Engine) Quarantine(reason string) error {
	e.quarantine(QuarantineReason(reason), time.Now().UnixMilli())
	return nil
}

// ExitQuarantine refuses to exit while the triggering condition still
// holds, except MANUAL_SUSPENSION which may always be exited.
func (e *Engine) ExitQuarantine() error {
	e.mu.Lock()
	status, reason, position, cap := e.status, e.quarantineReason, e.federationPosition, e.exposureCap
	e.mu.Unlock()

	if status != CellQuarantined {
		return nil
	}
	switch reason {
	case ReasonManualSuspension:
		// always exitable
	case ReasonCapViolation:
		abs := position
		if abs < 0 {
			abs = -abs
		}
		if abs > cap {
			return cellerr.New(cellerr.CodeQuarantineStillTriggered, "exposure position still exceeds cap")
		}
	case ReasonPanicMode:
		if e.emergency != nil && e.emergency.IsFederationFrozen() {
			return cellerr.New(cellerr.CodeQuarantineStillTriggered, "federation still frozen by emergency policy")
		}
	}

	now := time.Now().UnixMilli()
	e.mu.Lock()
	e.status = CellActive
	e.quarantineReason = ""
	e.mu.Unlock()
	e.publish(events.TypeFederationQuarantineExit, now, map[string]any{"reason": string(reason)})
	return nil
}

// GetStatus returns the cell's federation status and, if quarantined,
// the reason.
func (e *Engine) GetStatus() (CellStatus, QuarantineReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.quarantineReason
}

// ProposeLink opens a 7-day (configurable TTL) link proposal to a
// target cell.
func (e *Engine) ProposeLink(targetCellID, terms string) (Link, error) {
	now := time.Now().UnixMilli()
	l := &Link{
		TargetCellID: targetCellID,
		Status:       LinkPending,
		Terms:        terms,
		ProposedAt:   now,
		ExpiresAt:    now + e.params.LinkProposalTTL.Milliseconds(),
		LastActivity: now,
	}
	e.mu.Lock()
	e.links[targetCellID] = l
	out := *l
	e.mu.Unlock()

	e.publish(events.TypeLinkProposed, now, map[string]any{"targetCellId": targetCellID})
	return out, nil
}

// AcceptLink is the peer-side acceptance of a proposed link; transport
// is the caller's concern. It transitions PENDING -> ACTIVE.
func (e *Engine) AcceptLink(targetCellID string) (Link, error) {
	e.mu.Lock()
	l, ok := e.links[targetCellID]
	if !ok {
		e.mu.Unlock()
		return Link{}, cellerr.Newf(cellerr.CodeLinkNotFound, "no link with %s", targetCellID).WithDetail("targetCellId", targetCellID)
	}
	now := time.Now().UnixMilli()
	if l.Status != LinkPending || now > l.ExpiresAt {
		delete(e.links, targetCellID)
		e.mu.Unlock()
		return Link{}, cellerr.Newf(cellerr.CodeLinkNotFound, "link proposal to %s has expired or was rejected", targetCellID).WithDetail("targetCellId", targetCellID)
	}
	l.Status = LinkActive
	l.AcceptedAt = now
	l.LastActivity = now
	out := *l
	e.mu.Unlock()

	e.publish(events.TypeLinkAccepted, now, map[string]any{"targetCellId": targetCellID})
	return out, nil
}

// RejectLink removes a still-pending proposal.
func (e *Engine) RejectLink(targetCellID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.links[targetCellID]
	if !ok || l.Status != LinkPending {
		return cellerr.Newf(cellerr.CodeLinkNotFound, "no pending link proposal with %s", targetCellID).WithDetail("targetCellId", targetCellID)
	}
	delete(e.links, targetCellID)
	return nil
}

// SuspendLink moves an ACTIVE link to SUSPENDED, either side, with a
// reason.
func (e *Engine) SuspendLink(targetCellID, reason string) (Link, error) {
	e.mu.Lock()
	l, ok := e.links[targetCellID]
	if !ok {
		e.mu.Unlock()
		return Link{}, cellerr.Newf(cellerr.CodeLinkNotFound, "no link with %s", targetCellID).WithDetail("targetCellId", targetCellID)
	}
	if l.Status != LinkActive {
		e.mu.Unlock()
		return Link{}, cellerr.Newf(cellerr.CodeLinkNotActive, "link with %s is not ACTIVE", targetCellID).WithDetail("targetCellId", targetCellID)
	}
	l.Status = LinkSuspended
	l.SuspendReason = reason
	now := time.Now().UnixMilli()
	l.LastActivity = now
	out := *l
	e.mu.Unlock()

	e.publish(events.TypeLinkSuspended, now, map[string]any{"targetCellId": targetCellID, "reason": reason})
	return out, nil
}

// ResumeLink moves a SUSPENDED link back to ACTIVE.
func (e *Engine) ResumeLink(targetCellID string) (Link, error) {
	e.mu.Lock()
	l, ok := e.links[targetCellID]
	if !ok {
		e.mu.Unlock()
		return Link{}, cellerr.Newf(cellerr.CodeLinkNotFound, "no link with %s", targetCellID).WithDetail("targetCellId", targetCellID)
	}
	if l.Status != LinkSuspended {
		e.mu.Unlock()
		return Link{}, cellerr.Newf(cellerr.CodeLinkNotActive, "link with %s is not SUSPENDED", targetCellID).WithDetail("targetCellId", targetCellID)
	}
	l.Status = LinkActive
	l.SuspendReason = ""
	now := time.Now().UnixMilli()
	l.LastActivity = now
	out := *l
	e.mu.Unlock()

	e.publish(events.TypeLinkResumed, now, map[string]any{"targetCellId": targetCellID})
	return out, nil
}

// GetLink returns a snapshot of the link to targetCellID.
func (e *Engine) GetLink(targetCellID string) (Link, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.links[targetCellID]
	if !ok {
		return Link{}, cellerr.Newf(cellerr.CodeLinkNotFound, "no link with %s", targetCellID).WithDetail("targetCellId", targetCellID)
	}
	return *l, nil
}

// ListLinks enumerates every link the cell holds.
func (e *Engine) ListLinks() []Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Link, 0, len(e.links))
	for _, l := range e.links {
		out = append(out, *l)
	}
	return out
}

func derivTxID(cellID, targetCellID, payer string, amount int64, createdAt int64, seq uint64) string {
	h := blake3.New()
	h.Write([]byte(cellID))
	h.Write([]byte(targetCellID))
	h.Write([]byte(payer))
	h.Write([]byte(fmt.Sprintf("%d-%d-%d", amount, createdAt, seq)))
	var idBytes [16]byte
	h.Digest().Read(idBytes[:])
	return fmt.Sprintf("ftx-%x", idBytes)
}

// ExecuteTransfer submits an outgoing inter-cell transfer, validating
// preconditions in a fixed order (frozen, quarantined, amount, link,
// capacity, cap) before landing one balanced ledger update.
func (e *Engine) ExecuteTransfer(targetCellID, payer string, amount int64, description string) (Transaction, error) {
	now := time.Now().UnixMilli()
	e.recomputeExposureCap(now)

	if e.emergency != nil && e.emergency.IsFederationFrozen() {
		return Transaction{}, cellerr.New(cellerr.CodeFederationFrozen, "federation is frozen by emergency policy")
	}

	e.mu.Lock()
	status := e.status
	e.mu.Unlock()
	if status == CellQuarantined {
		return Transaction{}, cellerr.New(cellerr.CodeCellQuarantined, "cell is quarantined")
	}

	if amount <= 0 {
		return Transaction{}, cellerr.Newf(cellerr.CodeInvalidAmount, "amount %d must be positive", amount).WithDetail("amount", amount)
	}

	e.mu.Lock()
	link, ok := e.links[targetCellID]
	e.mu.Unlock()
	if !ok {
		return Transaction{}, cellerr.Newf(cellerr.CodeLinkNotFound, "no link with %s", targetCellID).WithDetail("targetCellId", targetCellID)
	}
	if link.Status != LinkActive {
		return Transaction{}, cellerr.Newf(cellerr.CodeLinkNotActive, "link with %s is not ACTIVE", targetCellID).WithDetail("targetCellId", targetCellID)
	}

	canSpend, err := e.ledger.CanSpend(payer, amount)
	if err != nil {
		return Transaction{}, err
	}
	if !canSpend {
		return Transaction{}, cellerr.New(cellerr.CodeInsufficientCapacity, "payer lacks capacity for transfer").WithDetail("memberId", payer)
	}

	e.mu.Lock()
	newPosition := e.federationPosition + amount
	cap := e.exposureCap
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	abs := newPosition
	if abs < 0 {
		abs = -abs
	}
	if abs > cap {
		return Transaction{}, cellerr.Newf(cellerr.CodeCapExceeded, "transfer would push exposure to %d beyond cap %d", newPosition, cap).WithDetail("position", newPosition).WithDetail("cap", cap)
	}

	tx := &Transaction{
		ID:           derivTxID(e.cellID, targetCellID, payer, amount, now, seq),
		TargetCellID: targetCellID,
		Payer:        payer,
		Amount:       amount,
		Description:  description,
		CreatedAt:    now,
	}

	if err := e.ledger.ApplyBalanceUpdates([]ledger.BalanceUpdate{
		{MemberID: payer, Delta: -amount, Reason: "federation_transfer", Ref: tx.ID},
		{MemberID: e.clearingAccountID, Delta: amount, Reason: "federation_transfer", Ref: tx.ID},
	}); err != nil {
		tx.Status = TxFailed
		if code, ok := cellerr.CodeOf(err); ok {
			tx.FailureCode = string(code)
		}
		e.mu.Lock()
		e.txs[tx.ID] = tx
		e.mu.Unlock()
		return *tx, err
	}

	e.mu.Lock()
	e.federationPosition = newPosition
	link.BilateralPosition += amount
	link.LastActivity = now
	tx.Status = TxSourceConfirmed
	e.txs[tx.ID] = tx
	e.mu.Unlock()

	e.log.Info("federation transfer source-confirmed", zap.String("txId", tx.ID), zap.String("targetCellId", targetCellID), zap.Int64("amount", amount))
	return *tx, nil
}

// ConfirmCompletion records the remote cell's mirror-side confirmation
// of a transfer; without it the record stays SOURCE_CONFIRMED.
func (e *Engine) ConfirmCompletion(txID string) (Transaction, error) {
	e.mu.Lock()
	tx, ok := e.txs[txID]
	if !ok {
		e.mu.Unlock()
		return Transaction{}, cellerr.Newf(cellerr.CodeInvalidTransactionState, "federation transaction %s not found", txID).WithDetail("txId", txID)
	}
	if tx.Status != TxSourceConfirmed {
		e.mu.Unlock()
		return Transaction{}, cellerr.Newf(cellerr.CodeInvalidTransactionState, "federation transaction %s is not SOURCE_CONFIRMED", txID).WithDetail("txId", txID)
	}
	now := time.Now().UnixMilli()
	tx.Status = TxCompleted
	tx.CompletedAt = now
	e.mu.Unlock()

	e.publish(events.TypeFederationTxCompleted, now, map[string]any{"txId": txID})
	return *tx, nil
}

// Rollback reverses a transfer that has not yet COMPLETED, applying
// the compensating balanced update and decrementing both position
// counters.
func (e *Engine) Rollback(txID, reason string) (Transaction, error) {
	e.mu.Lock()
	tx, ok := e.txs[txID]
	if !ok {
		e.mu.Unlock()
		return Transaction{}, cellerr.Newf(cellerr.CodeInvalidTransactionState, "federation transaction %s not found", txID).WithDetail("txId", txID)
	}
	if tx.Status != TxSourceConfirmed {
		e.mu.Unlock()
		return Transaction{}, cellerr.Newf(cellerr.CodeTransferNotRollbackable, "federation transaction %s is %s, not rollbackable", txID, tx.Status).WithDetail("txId", txID)
	}
	targetCellID, payer, amount := tx.TargetCellID, tx.Payer, tx.Amount
	e.mu.Unlock()

	if err := e.ledger.ApplyBalanceUpdates([]ledger.BalanceUpdate{
		{MemberID: payer, Delta: amount, Reason: "federation_rollback", Ref: txID},
		{MemberID: e.clearingAccountID, Delta: -amount, Reason: "federation_rollback", Ref: txID},
	}); err != nil {
		return Transaction{}, err
	}

	now := time.Now().UnixMilli()
	e.mu.Lock()
	e.federationPosition -= amount
	if link, ok := e.links[targetCellID]; ok {
		link.BilateralPosition -= amount
		link.LastActivity = now
	}
	tx.Status = TxRolledBack
	tx.RolledBackAt = now
	tx.RollbackReason = reason
	e.mu.Unlock()

	e.publish(events.TypeFederationTxRolledBack, now, map[string]any{"txId": txID, "reason": reason})
	e.log.Info("federation transfer rolled back", zap.String("txId", txID), zap.String("reason", reason))
	return *tx, nil
}

// GetTransaction returns a snapshot of one federation transaction.
func (e *Engine) GetTransaction(txID string) (Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, ok := e.txs[txID]
	if !ok {
		return Transaction{}, cellerr.Newf(cellerr.CodeInvalidTransactionState, "federation transaction %s not found", txID).WithDetail("txId", txID)
	}
	return *tx, nil
}

// ListTransactions enumerates every federation transaction.
func (e *Engine) ListTransactions() []Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transaction, 0, len(e.txs))
	for _, tx := range e.txs {
		out = append(out, *tx)
	}
	return out
}

// ExposureAnalysis reports position, cap, available capacity,
// utilization, and warning/critical flags.
func (e *Engine) ExposureAnalysis() ExposureAnalysis {
	e.mu.Lock()
	position, cap := e.federationPosition, e.exposureCap
	e.mu.Unlock()

	abs := position
	if abs < 0 {
		abs = -abs
	}
	util := 0.0
	if cap > 0 {
		util = float64(abs) / float64(cap)
	}
	return ExposureAnalysis{
		Position:          position,
		Cap:               cap,
		AvailableCapacity: cap - abs,
		Utilization:       util,
		Warning:           util >= e.params.WarningThreshold,
		Critical:          util >= e.params.CriticalThreshold,
	}
}

// GetFederationPosition returns the cell's current signed position.
func (e *Engine) GetFederationPosition() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.federationPosition
}

// GetExposureCap returns the cell's current exposure cap.
func (e *Engine) GetExposureCap() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exposureCap
}

// GetClearingAccountID returns the synthetic member id backing this
// cell's clearing account.
func (e *Engine) GetClearingAccountID() string {
	return e.clearingAccountID
}

func (e *Engine) publish(typ events.Type, timestamp int64, payload any) {
	if e.sink == nil {
		return
	}
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()
	e.sink.Publish(events.New(e.cellID, typ, timestamp, seq, payload))
}
