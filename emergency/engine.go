// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package emergency

import (
	"math"
	"sync"
	"time"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/cellerr"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/ledger"
	log "github.com/luxfi/log"
	"go.uber.org/zap"
)

// Engine is the Emergency Engine (E): recomputes stress indicators on
// demand, drives the three-state risk machine, and publishes the
// policy vector Federation and Admission consume.
type Engine struct {
	mu               sync.Mutex
	cellID           string
	params           cellconfig.EmergencyParams
	ledger           *ledger.Engine
	disputes         DisputeSource
	energyStress     float64
	state            RiskState
	indicators       Indicators
	lastTransitionAt int64
	panicEnteredAt   int64
	history          []TransitionEntry
	sink             events.Sink
	log              log.Logger
}

// New constructs an Emergency Engine starting in NORMAL. disputes may
// be nil until Governance exists; disputeRate reads 0 until it is set
// via SetDisputeSource.
func New(cellID string, params cellconfig.EmergencyParams, ledgerEngine *ledger.Engine, disputes DisputeSource, sink events.Sink, logger log.Logger) *Engine {
	return &Engine{
		cellID:   cellID,
		params:   params,
		ledger:   ledgerEngine,
		disputes: disputes,
		state:    StateNormal,
		sink:     sink,
		log:      logger,
	}
}

// SetDisputeSource wires the late-bound Governance reference.
func (e *Engine) SetDisputeSource(d DisputeSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disputes = d
}

// SetEnergyStress records an externally supplied energy-stress
// reading; it stays 0 until a supplier reports one.
func (e *Engine) SetEnergyStress(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.energyStress = v
}

// GetState returns the current risk state.
func (e *Engine) GetState() RiskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GetPolicy returns the policy vector for the current state.
func (e *Engine) GetPolicy() PolicyVector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return policyByState[e.state]
}

// FederationBetaFactor and IsFederationFrozen implement
// federation.EmergencyView.
func (e *Engine) FederationBetaFactor() float64 {
	return e.GetPolicy().FederationBetaFactor
}

func (e *Engine) IsFederationFrozen() bool {
	return e.FederationBetaFactor() == 0
}

// GetIndicators returns the last-computed (cached) indicator snapshot.
func (e *Engine) GetIndicators() Indicators {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.indicators
}

// RecomputeIndicators recomputes stress indicators from the ledger's
// current state and the injected dispute source.
func (e *Engine) RecomputeIndicators() Indicators {
	stats := e.ledger.GetStatistics()
	members := e.ledger.GetAllMemberStates()

	var floorLimitMass int64
	for _, m := range members {
		if m.Status != ledger.StatusActive {
			continue
		}
		if float64(m.Balance) <= -0.95*float64(m.Limit) {
			floorLimitMass += m.Limit
		}
	}
	floorMass := 0.0
	if stats.AggregateCapacity > 0 {
		floorMass = float64(floorLimitMass) / float64(stats.AggregateCapacity)
	}

	balanceVariance := coefficientOfVariation(members)

	disputeRate := 0.0
	if e.disputes != nil && stats.MemberCount > 0 {
		disputeRate = float64(e.disputes.ActiveDisputeCount()) / float64(stats.MemberCount)
	}
	disputeRate = clamp01(disputeRate)

	e.mu.Lock()
	energyStress := e.energyStress
	e.mu.Unlock()

	economicStress := 0.5*floorMass + 0.3*disputeRate + 0.2*balanceVariance
	overallStress := math.Max(economicStress, energyStress)

	ind := Indicators{
		FloorMass:       floorMass,
		BalanceVariance: balanceVariance,
		DisputeRate:     disputeRate,
		EnergyStress:    energyStress,
		EconomicStress:  economicStress,
		OverallStress:   overallStress,
		ComputedAt:      time.Now().UnixMilli(),
	}

	e.mu.Lock()
	e.indicators = ind
	e.mu.Unlock()
	return ind
}

// coefficientOfVariation computes the std-dev/mean of active-member
// balances. It returns 0 when the mean is exactly 0; callers must
// treat that 0 as inconclusive, not healthy.
func coefficientOfVariation(members map[string]ledger.MemberState) float64 {
	if len(members) == 0 {
		return 0
	}
	var sum float64
	n := 0
	for _, m := range members {
		if m.Status != ledger.StatusActive {
			continue
		}
		sum += float64(m.Balance)
		n++
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	if mean == 0 {
		return 0
	}
	var sqDiff float64
	for _, m := range members {
		if m.Status != ledger.StatusActive {
			continue
		}
		d := float64(m.Balance) - mean
		sqDiff += d * d
	}
	stddev := math.Sqrt(sqDiff / float64(n))
	return math.Abs(stddev / mean)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Evaluate recomputes indicators and applies at most one automatic
// transition if thresholds warrant it; automatic transitions only move
// to a neighbouring state on the chain. It reports the resulting state
// and whether a transition occurred.
func (e *Engine) Evaluate() (RiskState, bool) {
	ind := e.RecomputeIndicators()

	e.mu.Lock()
	current := e.state
	e.mu.Unlock()

	target, reason, ok := e.automaticTarget(current, ind)
	if !ok {
		return current, false
	}
	if err := e.transition(target, reason, "", ""); err != nil {
		return current, false
	}
	return target, true
}

func (e *Engine) automaticTarget(current RiskState, ind Indicators) (RiskState, string, bool) {
	now := time.Now().UnixMilli()
	switch current {
	case StateNormal:
		if ind.FloorMass >= e.params.StressedFloorMass || ind.DisputeRate >= e.params.StressedDisputeRate {
			return StateStressed, "stress thresholds crossed", true
		}
	case StateStressed:
		if ind.FloorMass >= e.params.PanicFloorMass || ind.EnergyStress >= e.params.PanicEnergyStress {
			return StatePanic, "panic thresholds crossed", true
		}
		if ind.FloorMass < e.params.NormalFloorMass && ind.OverallStress < e.params.NormalOverallStress {
			return StateNormal, "indicators below de-escalation thresholds", true
		}
	case StatePanic:
		e.mu.Lock()
		dwellElapsed := now-e.panicEnteredAt >= e.params.PanicStabilizationPeriod.Milliseconds()
		e.mu.Unlock()
		if dwellElapsed && ind.FloorMass < e.params.NormalFloorMass && ind.OverallStress < e.params.NormalOverallStress {
			return StateStressed, "stabilization period elapsed and indicators below de-escalation thresholds", true
		}
	}
	return "", "", false
}

// transition applies from->to regardless of caller, recording history
// and publishing the observable event.
func (e *Engine) transition(to RiskState, reason, approvalID, initiator string) error {
	e.mu.Lock()
	from := e.state
	if from == to {
		e.mu.Unlock()
		return cellerr.Newf(cellerr.CodeEmergencySameState, "already in %s", to)
	}
	ind := e.indicators
	now := time.Now().UnixMilli()
	e.state = to
	e.lastTransitionAt = now
	if to == StatePanic {
		e.panicEnteredAt = now
	}
	entry := TransitionEntry{From: from, To: to, Reason: reason, Indicators: ind, ApprovalID: approvalID, Initiator: initiator, Timestamp: now}
	e.history = append(e.history, entry)
	e.mu.Unlock()

	e.publish(events.TypeEmergencyStateChange, now, map[string]any{
		"from": string(from), "to": string(to), "reason": reason,
	})
	e.log.Info("emergency state transition", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("reason", reason))
	return nil
}

// ForceTransition is the governance-overridden path: it may skip chain
// levels and, for a forced PANIC->STRESSED de-escalation, bypasses the
// stabilization dwell (ForceTransition never checks dwell; only
// Evaluate does). It implements governance.EmergencyTransitioner.
func (e *Engine) ForceTransition(newState, reason, approvalID string) error {
	target := RiskState(newState)
	if _, ok := chainOrder[target]; !ok {
		return cellerr.Newf(cellerr.CodeEmergencyTransitionInvalid, "unknown risk state %s", newState)
	}
	e.mu.Lock()
	from := e.state
	forcedDown := chainOrder[target] < chainOrder[from]
	e.mu.Unlock()

	if err := e.transition(target, reason, approvalID, "governance"); err != nil {
		return err
	}
	if forcedDown {
		now := time.Now().UnixMilli()
		e.publish(events.TypeForcedDeescalation, now, map[string]any{"from": string(from), "to": string(target), "approvalId": approvalID})
	}
	return nil
}

// GetHistory returns the append-only transition log in chronological
// order.
func (e *Engine) GetHistory() []TransitionEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TransitionEntry, len(e.history))
	copy(out, e.history)
	return out
}

// ThresholdProximityReport reports distances to the next escalation
// and de-escalation boundary, the indicator driving the current
// classification, and, in PANIC, remaining stabilization-window time.
func (e *Engine) ThresholdProximityReport() ProximityReport {
	ind := e.GetIndicators()
	e.mu.Lock()
	current := e.state
	panicEnteredAt := e.panicEnteredAt
	e.mu.Unlock()

	report := ProximityReport{CurrentState: current, CriticalIndicator: "floorMass"}
	switch current {
	case StateNormal:
		report.DistanceToEscalation = e.params.StressedFloorMass - ind.FloorMass
		if d := e.params.StressedDisputeRate - ind.DisputeRate; d < report.DistanceToEscalation {
			report.DistanceToEscalation = d
			report.CriticalIndicator = "disputeRate"
		}
	case StateStressed:
		report.DistanceToEscalation = e.params.PanicFloorMass - ind.FloorMass
		if d := e.params.PanicEnergyStress - ind.EnergyStress; d < report.DistanceToEscalation {
			report.DistanceToEscalation = d
			report.CriticalIndicator = "energyStress"
		}
		report.DistanceToDeescalation = ind.FloorMass - e.params.NormalFloorMass
	case StatePanic:
		report.DistanceToDeescalation = ind.FloorMass - e.params.NormalFloorMass
		remaining := e.params.PanicStabilizationPeriod.Milliseconds() - (time.Now().UnixMilli() - panicEnteredAt)
		if remaining > 0 {
			report.StabilizationRemainingMs = remaining
		}
	}
	return report
}

func (e *Engine) publish(typ events.Type, timestamp int64, payload any) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(events.New(e.cellID, typ, timestamp, uint64(timestamp), payload))
}
