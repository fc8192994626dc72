// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package governance

import (
	"testing"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/commitment"
	"github.com/luxfi/cellcredit/crypto/testsigner"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/identity"
	"github.com/luxfi/cellcredit/ledger"
	"github.com/luxfi/cellcredit/transaction"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*Engine, *ledger.Engine, *commitment.Engine, string) {
	t.Helper()
	logger := log.NewTestLogger(log.InfoLevel)
	l := ledger.New("cell-1", cellconfig.Default().Ledger, events.NopSink{}, logger)
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := l.AddMember(id, nil)
		require.NoError(t, err)
		require.NoError(t, l.UpdateMemberStatus(id, ledger.StatusActive))
	}
	signer := testsigner.New()
	ids := identity.New(signer, l, logger)
	kp, err := signer.GenerateKeyPair()
	require.NoError(t, err)
	daveIdentity, err := ids.CreateIdentity(kp.PublicKey, nil)
	require.NoError(t, err)
	require.NoError(t, ids.Admit(daveIdentity.MemberID))
	dave := daveIdentity.MemberID

	c := commitment.New("cell-1", l, events.NopSink{}, logger)
	txs := transaction.New(l, ids, signer, logger)
	g := New("cell-1", cellconfig.Default().Governance, l, ids, c, txs, events.NopSink{}, logger)
	require.NoError(t, g.AddCouncilMember("alice", RoleChair))
	require.NoError(t, g.AddCouncilMember("bob", RoleMember))
	require.NoError(t, g.AddCouncilMember("carol", RoleMember))
	return g, l, c, dave
}

func TestProposalLifecycle_SignificantQuorum(t *testing.T) {
	g, l, _, dave := newFixture(t)

	p, err := g.CreateProposal("alice", ProposalAdjustLimit, Payload{TargetMemberID: dave, NewLimit: int64Ptr(500)})
	require.NoError(t, err)
	require.Equal(t, CategorySignificant, p.Category)

	require.NoError(t, g.CastVote(p.ID, "alice", VoteApprove))
	require.NoError(t, g.CastVote(p.ID, "bob", VoteApprove))

	closed, err := g.CloseVoting(p.ID)
	require.NoError(t, err)
	require.Equal(t, ProposalPassed, closed.Status)

	executed, err := g.ExecuteProposal(p.ID)
	require.NoError(t, err)
	require.Equal(t, ProposalExecuted, executed.Status)
	require.Empty(t, executed.ThresholdReceipt)

	daveState, err := l.GetMemberState(dave)
	require.NoError(t, err)
	require.EqualValues(t, 500, daveState.Limit)
}

func TestProposalLifecycle_BelowQuorumRejects(t *testing.T) {
	g, _, _, dave := newFixture(t)

	p, err := g.CreateProposal("alice", ProposalAdjustLimit, Payload{TargetMemberID: dave, NewLimit: int64Ptr(500)})
	require.NoError(t, err)
	require.NoError(t, g.CastVote(p.ID, "alice", VoteApprove))

	closed, err := g.CloseVoting(p.ID)
	require.NoError(t, err)
	require.Equal(t, ProposalRejected, closed.Status)
}

func TestProposalLifecycle_CriticalNeedsSupermajorityAndRecordsReceipt(t *testing.T) {
	g, l, _, dave := newFixture(t)

	p, err := g.CreateProposal("alice", ProposalExcludeMember, Payload{TargetMemberID: dave})
	require.NoError(t, err)
	require.Equal(t, CategoryCritical, p.Category)

	require.NoError(t, g.CastVote(p.ID, "alice", VoteApprove))
	require.NoError(t, g.CastVote(p.ID, "bob", VoteApprove))
	require.NoError(t, g.CastVote(p.ID, "carol", VoteApprove))

	closed, err := g.CloseVoting(p.ID)
	require.NoError(t, err)
	require.Equal(t, ProposalPassed, closed.Status)

	executed, err := g.ExecuteProposal(p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, executed.ThresholdReceipt)

	_, err = l.GetMemberState(dave)
	require.Error(t, err)
}

func TestDuplicateVoteRejected(t *testing.T) {
	g, _, _, dave := newFixture(t)
	p, err := g.CreateProposal("alice", ProposalAdjustLimit, Payload{TargetMemberID: dave, NewLimit: int64Ptr(500)})
	require.NoError(t, err)
	require.NoError(t, g.CastVote(p.ID, "alice", VoteApprove))
	err = g.CastVote(p.ID, "alice", VoteApprove)
	require.Error(t, err)
}

func TestDisputeWorkflow_CancelCommitment(t *testing.T) {
	g, l, c, dave := newFixture(t)

	commit, err := c.Create(commitment.TypeEscrowed, dave, "alice", 20, "GENERAL", nil)
	require.NoError(t, err)
	_, err = c.Dispute(commit.ID, "alice")
	require.NoError(t, err)

	d, err := g.FileDispute(commit.ID, "alice", dave)
	require.NoError(t, err)
	require.Equal(t, DisputeFiled, d.Status)

	_, err = g.AssignReviewer(d.ID, "alice")
	require.Error(t, err, "filer may not review its own dispute")

	reviewed, err := g.AssignReviewer(d.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, DisputeUnderReview, reviewed.Status)

	require.NoError(t, g.AppendEvidence(d.ID, "alice", "photo of unfinished work"))

	resolved, err := g.ResolveDispute(d.ID, "bob", "commitment cancelled for cause", ActionCancelCommitment)
	require.NoError(t, err)
	require.Equal(t, DisputeResolved, resolved.Status)

	got, err := c.GetByID(commit.ID)
	require.NoError(t, err)
	require.Equal(t, commitment.StatusCancelled, got.Status)

	alice, err := l.GetMemberState("alice")
	require.NoError(t, err)
	require.EqualValues(t, 0, alice.Reserve)
}

func TestDisputeWorkflow_Compensation(t *testing.T) {
	g, l, c, dave := newFixture(t)

	commit, err := c.Create(commitment.TypeSoft, dave, "alice", 15, "GENERAL", nil)
	require.NoError(t, err)
	_, err = c.Dispute(commit.ID, dave)
	require.NoError(t, err)

	d, err := g.FileDispute(commit.ID, dave, "alice")
	require.NoError(t, err)
	_, err = g.AssignReviewer(d.ID, "bob")
	require.NoError(t, err)

	_, err = g.ResolveDispute(d.ID, "bob", "alice owes dave for incomplete delivery", ActionCompensation)
	require.NoError(t, err)

	alice, err := l.GetMemberState("alice")
	require.NoError(t, err)
	daveState, err := l.GetMemberState(dave)
	require.NoError(t, err)
	require.EqualValues(t, -15, alice.Balance)
	require.EqualValues(t, 15, daveState.Balance)
}

func int64Ptr(v int64) *int64 { return &v }
