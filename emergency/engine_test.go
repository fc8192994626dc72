// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package emergency

import (
	"testing"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/ledger"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

type fixedDisputes struct{ n int }

func (f fixedDisputes) ActiveDisputeCount() int { return f.n }

func newTestEngine(t *testing.T, l *ledger.Engine, disputes DisputeSource) *Engine {
	t.Helper()
	return New("cell-1", cellconfig.Default().Emergency, l, disputes, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
}

func TestEvaluate_StaysNormalWhenHealthy(t *testing.T) {
	l := ledger.New("cell-1", cellconfig.Default().Ledger, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	for _, id := range []string{"alice", "bob"} {
		_, err := l.AddMember(id, nil)
		require.NoError(t, err)
		require.NoError(t, l.UpdateMemberStatus(id, ledger.StatusActive))
	}
	e := newTestEngine(t, l, fixedDisputes{0})

	state, transitioned := e.Evaluate()
	require.Equal(t, StateNormal, state)
	require.False(t, transitioned)
}

func TestEvaluate_EscalatesOnFloorMass(t *testing.T) {
	l := ledger.New("cell-1", cellconfig.Default().Ledger, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	limit := int64(100)
	_, err := l.AddMember("alice", &limit)
	require.NoError(t, err)
	require.NoError(t, l.UpdateMemberStatus("alice", ledger.StatusActive))
	_, err = l.AddMember("bob", &limit)
	require.NoError(t, err)
	require.NoError(t, l.UpdateMemberStatus("bob", ledger.StatusActive))

	// Drive alice to within 5% of her floor (balance <= -95).
	require.NoError(t, l.ApplyBalanceUpdates([]ledger.BalanceUpdate{
		{MemberID: "alice", Delta: -96, Reason: "test"},
		{MemberID: "bob", Delta: 96, Reason: "test"},
	}))

	e := newTestEngine(t, l, fixedDisputes{0})
	state, transitioned := e.Evaluate()
	require.True(t, transitioned)
	require.Equal(t, StateStressed, state)

	hist := e.GetHistory()
	require.Len(t, hist, 1)
	require.Equal(t, StateNormal, hist[0].From)
	require.Equal(t, StateStressed, hist[0].To)
}

func TestForceTransition_SkipsLevelsAndRejectsSameState(t *testing.T) {
	l := ledger.New("cell-1", cellconfig.Default().Ledger, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	e := newTestEngine(t, l, fixedDisputes{0})

	require.NoError(t, e.ForceTransition(string(StatePanic), "governance_override", "prop-1"))
	require.Equal(t, StatePanic, e.GetState())
	require.True(t, e.IsFederationFrozen())

	err := e.ForceTransition(string(StatePanic), "noop", "")
	require.Error(t, err)
}

func TestForceTransition_PanicDeescalationBypassesDwell(t *testing.T) {
	l := ledger.New("cell-1", cellconfig.Default().Ledger, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	e := newTestEngine(t, l, fixedDisputes{0})
	require.NoError(t, e.ForceTransition(string(StatePanic), "governance_override", "prop-1"))
	// No dwell time has passed; ForceTransition still succeeds.
	require.NoError(t, e.ForceTransition(string(StateStressed), "governance_override", "prop-2"))
	require.Equal(t, StateStressed, e.GetState())
}

func TestThresholdProximityReport_PanicReportsStabilizationWindow(t *testing.T) {
	l := ledger.New("cell-1", cellconfig.Default().Ledger, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	e := newTestEngine(t, l, fixedDisputes{0})
	require.NoError(t, e.ForceTransition(string(StatePanic), "governance_override", "prop-1"))
	e.RecomputeIndicators()
	report := e.ThresholdProximityReport()
	require.Equal(t, StatePanic, report.CurrentState)
	require.Greater(t, report.StabilizationRemainingMs, int64(0))
}
