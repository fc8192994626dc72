// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package commitment

import (
	"testing"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/cellerr"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/ledger"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*Engine, *ledger.Engine) {
	t.Helper()
	logger := log.NewTestLogger(log.InfoLevel)
	l := ledger.New("cell-1", cellconfig.Default().Ledger, events.NopSink{}, logger)
	_, err := l.AddMember("alice", nil)
	require.NoError(t, err)
	_, err = l.AddMember("bob", nil)
	require.NoError(t, err)
	require.NoError(t, l.UpdateMemberStatus("alice", ledger.StatusActive))
	require.NoError(t, l.UpdateMemberStatus("bob", ledger.StatusActive))

	c := New("cell-1", l, events.NopSink{}, logger)
	return c, l
}

// Create-then-cancel must restore reserve and balances exactly.
func TestEscrowedCommitment_CreateThenCancel(t *testing.T) {
	c, l := newFixture(t)
	commit, err := c.Create(TypeEscrowed, "alice", "bob", 30, "GENERAL", nil)
	require.NoError(t, err)

	bob, err := l.GetMemberState("bob")
	require.NoError(t, err)
	require.EqualValues(t, 30, bob.Reserve)
	require.EqualValues(t, 0, bob.Balance)

	_, err = c.Cancel(commit.ID, "alice")
	require.NoError(t, err)

	bob, err = l.GetMemberState("bob")
	require.NoError(t, err)
	require.EqualValues(t, 0, bob.Reserve)
	require.EqualValues(t, 0, bob.Balance)
}

// Fulfillment releases exactly value from the promisee's reserve and
// moves exactly value from promisee to promisor.
func TestEscrowedCommitment_Fulfill(t *testing.T) {
	c, l := newFixture(t)
	commit, err := c.Create(TypeEscrowed, "alice", "bob", 30, "GENERAL", nil)
	require.NoError(t, err)

	fulfilled, err := c.Fulfill(commit.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, StatusFulfilled, fulfilled.Status)

	bob, err := l.GetMemberState("bob")
	require.NoError(t, err)
	alice, err := l.GetMemberState("alice")
	require.NoError(t, err)
	require.EqualValues(t, 0, bob.Reserve)
	require.EqualValues(t, -30, bob.Balance)
	require.EqualValues(t, 30, alice.Balance)
}

func TestFulfill_OnlyPromiseeMayConfirm(t *testing.T) {
	c, _ := newFixture(t)
	commit, err := c.Create(TypeSoft, "alice", "bob", 10, "GENERAL", nil)
	require.NoError(t, err)

	_, err = c.Fulfill(commit.ID, "alice")
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeUnauthorizedParty))
}

// An escrow of exactly available capacity succeeds; one more unit
// fails.
func TestCreateEscrowed_CapacityBoundary(t *testing.T) {
	c, l := newFixture(t)
	available, err := l.GetAvailableCapacity("bob")
	require.NoError(t, err)

	_, err = c.Create(TypeEscrowed, "alice", "bob", available, "GENERAL", nil)
	require.NoError(t, err)

	_, err = c.Create(TypeEscrowed, "alice", "bob", 1, "GENERAL", nil)
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeInsufficientCapacity))
}

func TestDispute_HoldsReserveUntilResolved(t *testing.T) {
	c, l := newFixture(t)
	commit, err := c.Create(TypeEscrowed, "alice", "bob", 20, "GENERAL", nil)
	require.NoError(t, err)

	disputed, err := c.Dispute(commit.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, disputed.Status)

	bob, err := l.GetMemberState("bob")
	require.NoError(t, err)
	require.EqualValues(t, 20, bob.Reserve)
}

func TestGetAnalytics_OverdueAndFulfillmentRatio(t *testing.T) {
	c, _ := newFixture(t)
	past := int64(1)
	_, err := c.Create(TypeSoft, "alice", "bob", 10, "FOOD", &past)
	require.Error(t, err) // due date already in the past at creation time

	future := int64(1 << 62)
	commit, err := c.Create(TypeSoft, "alice", "bob", 10, "FOOD", &future)
	require.NoError(t, err)

	_, err = c.Fulfill(commit.ID, "bob")
	require.NoError(t, err)

	analytics := c.GetAnalytics(1)
	require.Equal(t, 1.0, analytics.CategoryFulfillmentRatio["FOOD"])
}
