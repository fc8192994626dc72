// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"testing"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/commitment"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/ledger"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

type fixedPriority struct{ enabled bool }

func (f fixedPriority) DebtorPriorityEnabled() bool { return f.enabled }

func newTestFixture(t *testing.T, debtorPriority bool) (*Engine, *ledger.Engine, *commitment.Engine) {
	t.Helper()
	l := ledger.New("cell-1", cellconfig.Default().Ledger, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	c := commitment.New("cell-1", l, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	s := New("cell-1", cellconfig.Default().Scheduler, l, c, fixedPriority{debtorPriority}, events.NopSink{}, log.NewTestLogger(log.InfoLevel))
	return s, l, c
}

func TestMatchSlotsPrefersHigherSkill(t *testing.T) {
	s, l, _ := newTestFixture(t, false)
	limit := int64(100)
	for _, id := range []string{"alice", "bob"} {
		_, err := l.AddMember(id, &limit)
		require.NoError(t, err)
		require.NoError(t, l.UpdateMemberStatus(id, ledger.StatusActive))
	}
	s.SetMemberSupply("alice", 10, map[string]float64{"MEDICAL": 0.9}, nil, nil)
	s.SetMemberSupply("bob", 10, map[string]float64{"MEDICAL": 0.2}, nil, nil)

	slot, err := s.CreateSlot("tpl-1", "MEDICAL", 0, 3600_000, 4, 1, "")
	require.NoError(t, err)

	results := s.MatchSlots(0, 7*24*3600_000)
	require.Len(t, results, 1)
	require.Equal(t, "alice", results[0].MemberID)

	updated, err := s.GetSlot(slot.ID)
	require.NoError(t, err)
	require.Equal(t, SlotFilled, updated.Status)
}

func TestMatchSlotsDebtorPriorityBreaksEqualSkillTie(t *testing.T) {
	s, l, _ := newTestFixture(t, true)
	limit := int64(100)
	_, err := l.AddMember("debtor", &limit)
	require.NoError(t, err)
	require.NoError(t, l.UpdateMemberStatus("debtor", ledger.StatusActive))
	_, err = l.AddMember("saver", &limit)
	require.NoError(t, err)
	require.NoError(t, l.UpdateMemberStatus("saver", ledger.StatusActive))

	require.NoError(t, l.ApplyBalanceUpdates([]ledger.BalanceUpdate{
		{MemberID: "debtor", Delta: -80, Reason: "test"},
		{MemberID: "saver", Delta: 80, Reason: "test"},
	}))

	s.SetMemberSupply("debtor", 10, map[string]float64{"GENERAL": 0.5}, nil, nil)
	s.SetMemberSupply("saver", 10, map[string]float64{"GENERAL": 0.5}, nil, nil)

	_, err = s.CreateSlot("tpl-1", "GENERAL", 0, 3600_000, 2, 1, "")
	require.NoError(t, err)

	results := s.MatchSlots(0, 7*24*3600_000)
	require.Len(t, results, 1)
	require.Equal(t, "debtor", results[0].MemberID)
}

func TestRecordCompletionFulfillsAttachedCommitment(t *testing.T) {
	s, l, c := newTestFixture(t, false)
	limit := int64(100)
	for _, id := range []string{"alice", "bob"} {
		_, err := l.AddMember(id, &limit)
		require.NoError(t, err)
		require.NoError(t, l.UpdateMemberStatus(id, ledger.StatusActive))
	}
	commit, err := c.Create(commitment.TypeSoft, "alice", "bob", 20, "GENERAL", nil)
	require.NoError(t, err)

	slot, err := s.CreateSlot("tpl-1", "GENERAL", 0, 3600_000, 1, 1, commit.ID)
	require.NoError(t, err)

	s.SetMemberSupply("alice", 10, map[string]float64{"GENERAL": 0.8}, nil, nil)
	results := s.MatchSlots(0, 7*24*3600_000)
	require.Len(t, results, 1)

	updated, err := s.RecordCompletion(slot.ID, "alice", nil)
	require.NoError(t, err)
	require.Equal(t, SlotCompleted, updated.Status)

	settled, err := c.GetByID(commit.ID)
	require.NoError(t, err)
	require.Equal(t, commitment.StatusFulfilled, settled.Status)

	aliceState, err := l.GetMemberState("alice")
	require.NoError(t, err)
	require.Equal(t, int64(20), aliceState.Balance)
}

func TestRecordNoShowCancelsAttachedCommitment(t *testing.T) {
	s, l, c := newTestFixture(t, false)
	limit := int64(100)
	for _, id := range []string{"alice", "bob"} {
		_, err := l.AddMember(id, &limit)
		require.NoError(t, err)
		require.NoError(t, l.UpdateMemberStatus(id, ledger.StatusActive))
	}
	commit, err := c.Create(commitment.TypeSoft, "alice", "bob", 20, "GENERAL", nil)
	require.NoError(t, err)

	slot, err := s.CreateSlot("tpl-1", "GENERAL", 0, 3600_000, 1, 1, commit.ID)
	require.NoError(t, err)
	s.SetMemberSupply("alice", 10, map[string]float64{"GENERAL": 0.8}, nil, nil)
	s.MatchSlots(0, 7*24*3600_000)

	updated, err := s.RecordNoShow(slot.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, SlotIncomplete, updated.Status)

	cancelled, err := c.GetByID(commit.ID)
	require.NoError(t, err)
	require.Equal(t, commitment.StatusCancelled, cancelled.Status)
}

func TestUnassignMemberReopensSlot(t *testing.T) {
	s, l, _ := newTestFixture(t, false)
	limit := int64(100)
	_, err := l.AddMember("alice", &limit)
	require.NoError(t, err)
	require.NoError(t, l.UpdateMemberStatus("alice", ledger.StatusActive))
	s.SetMemberSupply("alice", 10, map[string]float64{"GENERAL": 0.8}, nil, nil)

	slot, err := s.CreateSlot("tpl-1", "GENERAL", 0, 3600_000, 1, 1, "")
	require.NoError(t, err)
	results := s.MatchSlots(0, 7*24*3600_000)
	require.Len(t, results, 1)

	updated, err := s.UnassignMember(slot.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, SlotOpen, updated.Status)
	require.Empty(t, updated.Assignments)

	_, err = s.UnassignMember(slot.ID, "alice")
	require.Error(t, err)
}

func TestCheckCoverageFeasibilityReportsShortfall(t *testing.T) {
	s, l, _ := newTestFixture(t, false)
	limit := int64(100)
	_, err := l.AddMember("alice", &limit)
	require.NoError(t, err)
	require.NoError(t, l.UpdateMemberStatus("alice", ledger.StatusActive))
	s.SetMemberSupply("alice", 2, map[string]float64{"MEDICAL": 1.0}, nil, nil)

	_, err = s.CreateSlot("tpl-1", "MEDICAL", 0, 3600_000, 10, 1, "")
	require.NoError(t, err)

	report := s.CheckCoverageFeasibility(0, 7*24*3600_000)
	require.Len(t, report.Gaps, 1)
	require.Equal(t, "MEDICAL", report.Bottlenecks[0])
	require.Greater(t, report.Gaps[0].ShortfallHours, 0.0)
}
