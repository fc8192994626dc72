// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"testing"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/cellerr"
	"github.com/luxfi/cellcredit/events"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	params := cellconfig.Default().Ledger
	return New("cell-1", params, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
}

func activate(t *testing.T, e *Engine, id string) {
	t.Helper()
	_, err := e.AddMember(id, nil)
	require.NoError(t, err)
	require.NoError(t, e.UpdateMemberStatus(id, StatusActive))
}

func TestApplyBalanceUpdates_SimplePayment(t *testing.T) {
	e := newTestEngine(t)
	activate(t, e, "alice")
	activate(t, e, "bob")

	err := e.ApplyBalanceUpdates([]BalanceUpdate{
		{MemberID: "alice", Delta: -50, Reason: "spot"},
		{MemberID: "bob", Delta: 50, Reason: "spot"},
	})
	require.NoError(t, err)

	alice, err := e.GetMemberState("alice")
	require.NoError(t, err)
	bob, err := e.GetMemberState("bob")
	require.NoError(t, err)
	require.EqualValues(t, -50, alice.Balance)
	require.EqualValues(t, 50, bob.Balance)
	require.True(t, e.VerifyConservation())
	require.True(t, e.VerifyAllFloors())
}

// A refused update set must leave state untouched.
func TestApplyBalanceUpdates_FloorViolation(t *testing.T) {
	e := newTestEngine(t)
	aliceLimit := int64(50)
	bobLimit := int64(100)
	_, err := e.AddMember("alice", &aliceLimit)
	require.NoError(t, err)
	_, err = e.AddMember("bob", &bobLimit)
	require.NoError(t, err)
	require.NoError(t, e.UpdateMemberStatus("alice", StatusActive))
	require.NoError(t, e.UpdateMemberStatus("bob", StatusActive))

	err = e.ApplyBalanceUpdates([]BalanceUpdate{
		{MemberID: "alice", Delta: -51, Reason: "spot"},
		{MemberID: "bob", Delta: 51, Reason: "spot"},
	})
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeFloorViolation))

	alice, err := e.GetMemberState("alice")
	require.NoError(t, err)
	require.EqualValues(t, 0, alice.Balance)
}

func TestApplyBalanceUpdates_ConservationViolation(t *testing.T) {
	e := newTestEngine(t)
	activate(t, e, "alice")
	activate(t, e, "bob")

	err := e.ApplyBalanceUpdates([]BalanceUpdate{
		{MemberID: "alice", Delta: -50, Reason: "spot"},
		{MemberID: "bob", Delta: 40, Reason: "spot"},
	})
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeConservationViolation))
}

func TestApplyBalanceUpdates_MemberNotActive(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.AddMember("alice", nil)
	require.NoError(t, err)
	activate(t, e, "bob")

	err = e.ApplyBalanceUpdates([]BalanceUpdate{
		{MemberID: "alice", Delta: -10, Reason: "spot"},
		{MemberID: "bob", Delta: 10, Reason: "spot"},
	})
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeMemberNotActive))
}

// Exactly available capacity is spendable; one more unit is not.
func TestCanSpend_Boundary(t *testing.T) {
	e := newTestEngine(t)
	limit := int64(100)
	_, err := e.AddMember("alice", &limit)
	require.NoError(t, err)
	require.NoError(t, e.UpdateMemberStatus("alice", StatusActive))

	ok, err := e.CanSpend("alice", 100)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.CanSpend("alice", 101)
	require.NoError(t, err)
	require.False(t, ok)
}

// A limit is reducible to exactly -balance, not below.
func TestUpdateMemberLimit_Boundary(t *testing.T) {
	e := newTestEngine(t)
	activate(t, e, "alice")
	activate(t, e, "bob")
	require.NoError(t, e.ApplyBalanceUpdates([]BalanceUpdate{
		{MemberID: "alice", Delta: -30, Reason: "spot"},
		{MemberID: "bob", Delta: 30, Reason: "spot"},
	}))

	require.NoError(t, e.UpdateMemberLimit("alice", 30))

	err := e.UpdateMemberLimit("alice", 29)
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeLimitBelowBalance))
}

func TestApplyReserveUpdate_EscrowSafety(t *testing.T) {
	e := newTestEngine(t)
	limit := int64(100)
	_, err := e.AddMember("bob", &limit)
	require.NoError(t, err)
	require.NoError(t, e.UpdateMemberStatus("bob", StatusActive))

	require.NoError(t, e.ApplyReserveUpdate(ReserveUpdate{MemberID: "bob", Delta: 100, Reason: "escrow"}))

	err = e.ApplyReserveUpdate(ReserveUpdate{MemberID: "bob", Delta: 1, Reason: "escrow"})
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeEscrowViolation))

	require.NoError(t, e.ApplyReserveUpdate(ReserveUpdate{MemberID: "bob", Delta: -100, Reason: "release"}))
	bob, err := e.GetMemberState("bob")
	require.NoError(t, err)
	require.EqualValues(t, 0, bob.Reserve)
}

func TestApplyReserveUpdate_NegativeReserve(t *testing.T) {
	e := newTestEngine(t)
	activate(t, e, "bob")

	err := e.ApplyReserveUpdate(ReserveUpdate{MemberID: "bob", Delta: -1, Reason: "release"})
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeNegativeReserve))
}

func TestRemoveMember_RequiresZeroBalanceAndReserve(t *testing.T) {
	e := newTestEngine(t)
	activate(t, e, "alice")
	activate(t, e, "bob")
	require.NoError(t, e.ApplyBalanceUpdates([]BalanceUpdate{
		{MemberID: "alice", Delta: -10, Reason: "spot"},
		{MemberID: "bob", Delta: 10, Reason: "spot"},
	}))

	err := e.RemoveMember("alice")
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeMemberHasBalance))

	require.NoError(t, e.ApplyBalanceUpdates([]BalanceUpdate{
		{MemberID: "alice", Delta: 10, Reason: "reverse"},
		{MemberID: "bob", Delta: -10, Reason: "reverse"},
	}))
	require.NoError(t, e.RemoveMember("alice"))
}

func TestUpdateMemberStatus_RejectsInvalidTransitions(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.AddMember("alice", nil)
	require.NoError(t, err)

	err = e.UpdateMemberStatus("alice", StatusExcluded)
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeInvalidStatusTransition))

	require.NoError(t, e.UpdateMemberStatus("alice", StatusActive))
	require.NoError(t, e.UpdateMemberStatus("alice", StatusFrozen))
	require.NoError(t, e.UpdateMemberStatus("alice", StatusExcluded))
}

func TestUpdateMemberStatus_ExcludedRequiresZeroBalanceAndReserve(t *testing.T) {
	e := newTestEngine(t)
	activate(t, e, "alice")
	activate(t, e, "bob")
	require.NoError(t, e.ApplyBalanceUpdates([]BalanceUpdate{
		{MemberID: "alice", Delta: -10, Reason: "spot"},
		{MemberID: "bob", Delta: 10, Reason: "spot"},
	}))

	err := e.UpdateMemberStatus("alice", StatusExcluded)
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeMemberHasBalance))

	require.NoError(t, e.ApplyBalanceUpdates([]BalanceUpdate{
		{MemberID: "alice", Delta: 10, Reason: "reverse"},
		{MemberID: "bob", Delta: -10, Reason: "reverse"},
	}))
	require.NoError(t, e.UpdateMemberStatus("alice", StatusExcluded))
}

func TestAddMember_DuplicateAndLimitOutOfRange(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.AddMember("alice", nil)
	require.NoError(t, err)

	_, err = e.AddMember("alice", nil)
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeMemberExists))

	badLimit := int64(-1)
	_, err = e.AddMember("bob", &badLimit)
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeLimitOutOfRange))
}
