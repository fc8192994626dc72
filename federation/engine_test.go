// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package federation

import (
	"testing"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/ledger"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

type fixedEmergency struct {
	frozen bool
	beta   float64
}

func (f fixedEmergency) IsFederationFrozen() bool      { return f.frozen }
func (f fixedEmergency) FederationBetaFactor() float64 { return f.beta }

func newTestLedger(t *testing.T) *ledger.Engine {
	t.Helper()
	l := ledger.New("cell-1", cellconfig.Default().Ledger, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	limit := int64(1_000)
	for _, id := range []string{"alice", "bob"} {
		_, err := l.AddMember(id, &limit)
		require.NoError(t, err)
		require.NoError(t, l.UpdateMemberStatus(id, ledger.StatusActive))
	}
	return l
}

func newTestEngine(t *testing.T, l *ledger.Engine, em EmergencyView) *Engine {
	t.Helper()
	e, err := New("cell-1", cellconfig.Default().Federation, l, em, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	require.NoError(t, err)
	return e
}

func withLink(t *testing.T, e *Engine, target string) {
	t.Helper()
	_, err := e.ProposeLink(target, "reciprocal")
	require.NoError(t, err)
	_, err = e.AcceptLink(target)
	require.NoError(t, err)
}

func TestExecuteTransferAndRollback(t *testing.T) {
	l := newTestLedger(t)
	e := newTestEngine(t, l, fixedEmergency{beta: 1.0})
	withLink(t, e, "cell-2")

	tx, err := e.ExecuteTransfer("cell-2", "alice", 100, "goods")
	require.NoError(t, err)
	require.Equal(t, TxSourceConfirmed, tx.Status)

	aliceState, err := l.GetMemberState("alice")
	require.NoError(t, err)
	require.Equal(t, int64(-100), aliceState.Balance)

	clearingState, err := l.GetMemberState(e.GetClearingAccountID())
	require.NoError(t, err)
	require.Equal(t, int64(100), clearingState.Balance)

	require.Equal(t, int64(100), e.GetFederationPosition())

	rolled, err := e.Rollback(tx.ID, "peer declined")
	require.NoError(t, err)
	require.Equal(t, TxRolledBack, rolled.Status)
	require.Equal(t, int64(0), e.GetFederationPosition())

	aliceState, err = l.GetMemberState("alice")
	require.NoError(t, err)
	require.Equal(t, int64(0), aliceState.Balance)
}

func TestExecuteTransferRejectedWhenFederationFrozen(t *testing.T) {
	l := newTestLedger(t)
	e := newTestEngine(t, l, fixedEmergency{frozen: true})
	withLink(t, e, "cell-2")

	_, err := e.ExecuteTransfer("cell-2", "alice", 50, "goods")
	require.Error(t, err)
}

func TestExecuteTransferRejectedWithoutActiveLink(t *testing.T) {
	l := newTestLedger(t)
	e := newTestEngine(t, l, fixedEmergency{beta: 1.0})

	_, err := e.ExecuteTransfer("cell-2", "alice", 50, "goods")
	require.Error(t, err)
}

func TestConfirmCompletionRequiresSourceConfirmed(t *testing.T) {
	l := newTestLedger(t)
	e := newTestEngine(t, l, fixedEmergency{beta: 1.0})
	withLink(t, e, "cell-2")

	tx, err := e.ExecuteTransfer("cell-2", "alice", 25, "goods")
	require.NoError(t, err)

	done, err := e.ConfirmCompletion(tx.ID)
	require.NoError(t, err)
	require.Equal(t, TxCompleted, done.Status)

	_, err = e.Rollback(tx.ID, "too late")
	require.Error(t, err)
}

func TestExposureCapExceededBlocksTransferWithoutQuarantine(t *testing.T) {
	l := newTestLedger(t)
	params := cellconfig.Default().Federation
	params.MaxExposureCap = 10
	params.BaseBetaFactor = 1.0
	e, err := New("cell-1", params, l, fixedEmergency{beta: 1.0}, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	require.NoError(t, err)
	withLink(t, e, "cell-2")

	_, err = e.ExecuteTransfer("cell-2", "alice", 100, "goods")
	require.Error(t, err)

	status, reason := e.GetStatus()
	require.Equal(t, CellActive, status)
	require.Empty(t, reason)
}

func TestQuarantineBlocksTransfersUntilExited(t *testing.T) {
	l := newTestLedger(t)
	e := newTestEngine(t, l, fixedEmergency{beta: 1.0})
	withLink(t, e, "cell-2")

	require.NoError(t, e.Quarantine("MANUAL_SUSPENSION"))
	status, reason := e.GetStatus()
	require.Equal(t, CellQuarantined, status)
	require.Equal(t, ReasonManualSuspension, reason)

	_, err := e.ExecuteTransfer("cell-2", "alice", 10, "goods")
	require.Error(t, err)

	require.NoError(t, e.ExitQuarantine())
	status, _ = e.GetStatus()
	require.Equal(t, CellActive, status)

	_, err = e.ExecuteTransfer("cell-2", "alice", 10, "goods")
	require.NoError(t, err)
}

func TestExposureAnalysisReportsUtilization(t *testing.T) {
	l := newTestLedger(t)
	params := cellconfig.Default().Federation
	params.MaxExposureCap = 1000
	params.BaseBetaFactor = 1.0
	params.WarningThreshold = 0.5
	e, err := New("cell-1", params, l, fixedEmergency{beta: 1.0}, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	require.NoError(t, err)
	withLink(t, e, "cell-2")

	_, err = e.ExecuteTransfer("cell-2", "alice", 600, "goods")
	require.NoError(t, err)

	analysis := e.ExposureAnalysis()
	require.Equal(t, int64(600), analysis.Position)
	require.True(t, analysis.Warning)
	require.False(t, analysis.Critical)
}

func TestSuspendAndResumeLink(t *testing.T) {
	l := newTestLedger(t)
	e := newTestEngine(t, l, fixedEmergency{beta: 1.0})
	withLink(t, e, "cell-2")

	_, err := e.SuspendLink("cell-2", "maintenance")
	require.NoError(t, err)

	_, err = e.ExecuteTransfer("cell-2", "alice", 10, "goods")
	require.Error(t, err)

	_, err = e.ResumeLink("cell-2")
	require.NoError(t, err)

	_, err = e.ExecuteTransfer("cell-2", "alice", 10, "goods")
	require.NoError(t, err)
}
