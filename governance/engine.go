// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package governance

import (
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/cellerr"
	"github.com/luxfi/cellcredit/commitment"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/identity"
	"github.com/luxfi/cellcredit/ledger"
	"github.com/luxfi/cellcredit/transaction"
	log "github.com/luxfi/log"
	"github.com/luxfi/threshold/pkg/party"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// EmergencyTransitioner is the narrow capability governance needs on
// the emergency engine, injected after both are constructed since
// governance is built before emergency in the wiring order (the same
// late-binding resolution used for emergency<->federation).
type EmergencyTransitioner interface {
	ForceTransition(newState, reason, approvalID string) error
}

// Engine is Governance (G): council, proposals, votes, and disputes.
type Engine struct {
	mu          sync.Mutex
	cellID      string
	council     map[string]*CouncilMember
	proposals   map[string]*Proposal
	disputes    map[string]*Dispute
	params      cellconfig.GovernanceParams
	ledger       *ledger.Engine
	identities   *identity.Engine
	commitments  *commitment.Engine
	transactions *transaction.Engine
	emergency    EmergencyTransitioner
	sink        events.Sink
	seq         uint64
	log         log.Logger
}

// New constructs governance bound to the cell's ledger, identity
// directory, commitment engine, and transaction engine (compensation
// payouts go through it). SetEmergencyTransitioner must be called once
// the emergency engine exists, before any EMERGENCY_STATE_CHANGE
// proposal is executed.
func New(cellID string, params cellconfig.GovernanceParams, ledgerEngine *ledger.Engine, identities *identity.Engine, commitments *commitment.Engine, transactions *transaction.Engine, sink events.Sink, logger log.Logger) *Engine {
	return &Engine{
		cellID:       cellID,
		council:      make(map[string]*CouncilMember),
		proposals:    make(map[string]*Proposal),
		disputes:     make(map[string]*Dispute),
		params:       params,
		ledger:       ledgerEngine,
		identities:   identities,
		commitments:  commitments,
		transactions: transactions,
		sink:         sink,
		log:          logger,
	}
}

// SetEmergencyTransitioner wires the late-bound reference to the
// Emergency Engine.
func (e *Engine) SetEmergencyTransitioner(t EmergencyTransitioner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emergency = t
}

// AddCouncilMember seats a member on the council.
func (e *Engine) AddCouncilMember(memberID string, role Role) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.council[memberID]; exists {
		return cellerr.Newf(cellerr.CodeMemberExists, "%s already on council", memberID).WithDetail("memberId", memberID)
	}
	e.council[memberID] = &CouncilMember{MemberID: memberID, Role: role, JoinedAt: time.Now().UnixMilli()}
	return nil
}

// RemoveCouncilMember vacates a council seat.
func (e *Engine) RemoveCouncilMember(memberID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.council[memberID]; !exists {
		return cellerr.Newf(cellerr.CodeNotCouncilMember, "%s is not on council", memberID).WithDetail("memberId", memberID)
	}
	delete(e.council, memberID)
	return nil
}

func (e *Engine) isCouncilMember(memberID string) bool {
	_, ok := e.council[memberID]
	return ok
}

func thresholdFor(category ActionCategory, params cellconfig.GovernanceParams) float64 {
	switch category {
	case CategoryCritical, CategoryConstitutional:
		return params.SupermajorityRatio
	default:
		return params.QuorumRatio
	}
}

func derivProposalID(proposedBy string, typ ProposalType, createdAt int64, seq uint64) string {
	h := blake3.New()
	h.Write([]byte(proposedBy))
	h.Write([]byte(typ))
	h.Write([]byte(fmt.Sprintf("%d-%d", createdAt, seq)))
	var idBytes [16]byte
	h.Digest().Read(idBytes[:])
	return fmt.Sprintf("prop-%x", idBytes)
}

// CreateProposal opens a new proposal. proposedBy must be a council
// member.
func (e *Engine) CreateProposal(proposedBy string, typ ProposalType, payload Payload) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isCouncilMember(proposedBy) {
		return Proposal{}, cellerr.New(cellerr.CodeNotCouncilMember, "only council members may propose").WithDetail("memberId", proposedBy)
	}
	category, ok := categoryForType[typ]
	if !ok {
		return Proposal{}, cellerr.Newf(cellerr.CodeInvalidAmount, "unknown proposal type %s", typ)
	}

	e.seq++
	now := time.Now().UnixMilli()
	p := &Proposal{
		ID:         derivProposalID(proposedBy, typ, now, e.seq),
		Type:       typ,
		Category:   category,
		ProposedBy: proposedBy,
		Payload:    payload,
		Status:     ProposalOpen,
		Votes:      make(map[string]Vote),
		CreatedAt:  now,
		ClosesAt:   now + e.params.VotingDuration.Milliseconds(),
	}
	e.proposals[p.ID] = p
	e.publish(events.TypeProposalCreated, now, map[string]any{"proposalId": p.ID, "type": string(typ), "category": string(category)})
	e.log.Info("proposal created", zap.String("proposalId", p.ID), zap.String("type", string(typ)))
	return *p, nil
}

// CastVote records a council member's ballot; duplicate votes are
// rejected.
func (e *Engine) CastVote(proposalID, voterID string, vote Vote) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[proposalID]
	if !ok {
		return cellerr.Newf(cellerr.CodeProposalNotFound, "proposal %s not found", proposalID).WithDetail("proposalId", proposalID)
	}
	if p.Status != ProposalOpen {
		return cellerr.Newf(cellerr.CodeVotingClosed, "proposal %s voting is closed", proposalID).WithDetail("proposalId", proposalID)
	}
	now := time.Now().UnixMilli()
	if now > p.ClosesAt {
		return cellerr.Newf(cellerr.CodeProposalExpired, "proposal %s has expired", proposalID).WithDetail("proposalId", proposalID)
	}
	if !e.isCouncilMember(voterID) {
		return cellerr.New(cellerr.CodeNotCouncilMember, "only council members may vote").WithDetail("memberId", voterID)
	}
	if _, voted := p.Votes[voterID]; voted {
		return cellerr.Newf(cellerr.CodeAlreadyVoted, "%s has already voted on %s", voterID, proposalID).WithDetail("memberId", voterID)
	}

	p.Votes[voterID] = vote
	e.publish(events.TypeVoteCast, now, map[string]any{"proposalId": proposalID, "voterId": voterID, "vote": string(vote)})
	return nil
}

// CloseVoting tallies ballots: REJECTED if participation is below
// quorum, else PASSED iff the approval rate meets the category's
// threshold.
func (e *Engine) CloseVoting(proposalID string) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[proposalID]
	if !ok {
		return Proposal{}, cellerr.Newf(cellerr.CodeProposalNotFound, "proposal %s not found", proposalID).WithDetail("proposalId", proposalID)
	}
	if p.Status != ProposalOpen {
		return Proposal{}, cellerr.Newf(cellerr.CodeVotingClosed, "proposal %s voting is already closed", proposalID).WithDetail("proposalId", proposalID)
	}

	councilSize := len(e.council)
	participation := 0.0
	if councilSize > 0 {
		participation = float64(len(p.Votes)) / float64(councilSize)
	}

	now := time.Now().UnixMilli()
	if participation < e.params.QuorumRatio {
		p.Status = ProposalRejected
	} else {
		approvals := 0
		for _, v := range p.Votes {
			if v == VoteApprove {
				approvals++
			}
		}
		approvalRate := 0.0
		if len(p.Votes) > 0 {
			approvalRate = float64(approvals) / float64(len(p.Votes))
		}
		if approvalRate >= thresholdFor(p.Category, e.params) {
			p.Status = ProposalPassed
		} else {
			p.Status = ProposalRejected
		}
	}

	e.publish(events.TypeVotingClosed, now, map[string]any{"proposalId": proposalID, "status": string(p.Status)})
	e.log.Info("voting closed", zap.String("proposalId", proposalID), zap.String("status", string(p.Status)))
	return *p, nil
}

// ExecuteProposal dispatches a PASSED proposal to the authoritative
// operation on the ledger, identity, or commitment engine. CRITICAL
// and CONSTITUTIONAL proposals additionally record a council
// threshold-confirmation receipt over the approving members.
func (e *Engine) ExecuteProposal(proposalID string) (Proposal, error) {
	e.mu.Lock()
	p, ok := e.proposals[proposalID]
	if !ok {
		e.mu.Unlock()
		return Proposal{}, cellerr.Newf(cellerr.CodeProposalNotFound, "proposal %s not found", proposalID).WithDetail("proposalId", proposalID)
	}
	if p.Status != ProposalPassed {
		e.mu.Unlock()
		return Proposal{}, cellerr.Newf(cellerr.CodeProposalNotPassed, "proposal %s has not passed", proposalID).WithDetail("proposalId", proposalID)
	}
	typ, payload := p.Type, p.Payload
	approvers := make([]string, 0, len(p.Votes))
	for voter, v := range p.Votes {
		if v == VoteApprove {
			approvers = append(approvers, voter)
		}
	}
	category := p.Category
	e.mu.Unlock()

	if err := e.dispatch(typ, payload); err != nil {
		return Proposal{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UnixMilli()
	p.Status = ProposalExecuted
	p.ExecutedAt = now
	if category == CategoryCritical || category == CategoryConstitutional {
		p.ThresholdReceipt = councilReceipt(approvers)
	}
	e.publish(events.TypeProposalExecuted, now, map[string]any{"proposalId": proposalID, "type": string(typ)})
	e.log.Info("proposal executed", zap.String("proposalId", proposalID), zap.String("type", string(typ)))
	return *p, nil
}

// councilReceipt converts approving council members' ids into
// threshold party identifiers, recording which voters' confirmation
// backs a privileged execution. A receipt only; no live MPC round.
func councilReceipt(approverIDs []string) []party.ID {
	receipt := make([]party.ID, 0, len(approverIDs))
	for _, id := range approverIDs {
		receipt = append(receipt, party.ID(id))
	}
	return receipt
}

func (e *Engine) dispatch(typ ProposalType, payload Payload) error {
	switch typ {
	case ProposalAdmitMember:
		return e.identities.Admit(payload.TargetMemberID)
	case ProposalExcludeMember:
		return e.identities.Remove(payload.TargetMemberID)
	case ProposalAdjustLimit:
		if payload.NewLimit == nil {
			return cellerr.New(cellerr.CodeInvalidAmount, "ADJUST_LIMIT proposal missing newLimit")
		}
		return e.ledger.UpdateMemberLimit(payload.TargetMemberID, *payload.NewLimit)
	case ProposalCancelCommitment:
		_, err := e.commitments.ForceCancel(payload.CommitmentID)
		return err
	case ProposalEmergencyStateChange:
		if e.emergency == nil {
			return cellerr.New(cellerr.CodeEmergencyTransitionInvalid, "emergency engine not yet wired")
		}
		return e.emergency.ForceTransition(payload.NewEmergencyState, "governance_override", payload.TargetMemberID)
	case ProposalParameterChange:
		params := e.ledger.GetParameters()
		switch payload.ParameterName {
		case "defaultLimit":
			params.DefaultLimit = payload.ParameterValue
		case "minLimit":
			params.MinLimit = payload.ParameterValue
		case "maxLimit":
			params.MaxLimit = payload.ParameterValue
		default:
			return cellerr.Newf(cellerr.CodeInvalidAmount, "unknown parameter %s", payload.ParameterName)
		}
		e.ledger.UpdateParameters(params)
		return nil
	case ProposalDisputeResolution:
		_, err := e.doResolveDispute(payload.DisputeID, payload.DisputeOutcome, payload.DisputeAction)
		return err
	default:
		return cellerr.Newf(cellerr.CodeInvalidAmount, "unhandled proposal type %s", typ)
	}
}

// GetProposal returns a snapshot of one proposal.
func (e *Engine) GetProposal(proposalID string) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[proposalID]
	if !ok {
		return Proposal{}, cellerr.Newf(cellerr.CodeProposalNotFound, "proposal %s not found", proposalID).WithDetail("proposalId", proposalID)
	}
	return *p, nil
}

// publish must be called with e.mu held; it bumps seq so every event
// id is unique even within one millisecond.
func (e *Engine) publish(typ events.Type, timestamp int64, payload any) {
	if e.sink == nil {
		return
	}
	e.seq++
	e.sink.Publish(events.New(e.cellID, typ, timestamp, e.seq, payload))
}

func derivDisputeID(commitmentID, filedBy string, createdAt int64, seq uint64) string {
	h := blake3.New()
	h.Write([]byte(commitmentID))
	h.Write([]byte(filedBy))
	h.Write([]byte(fmt.Sprintf("%d-%d", createdAt, seq)))
	var idBytes [16]byte
	h.Digest().Read(idBytes[:])
	return fmt.Sprintf("dsp-%x", idBytes)
}

// FileDispute opens a Dispute over a commitment already moved to
// DISPUTED by commitment.Engine.Dispute; filedBy must be one of the
// commitment's two parties and againstID the other.
func (e *Engine) FileDispute(commitmentID, filedBy, againstID string) (Dispute, error) {
	c, err := e.commitments.GetByID(commitmentID)
	if err != nil {
		return Dispute{}, err
	}
	if c.Status != commitment.StatusDisputed {
		return Dispute{}, cellerr.Newf(cellerr.CodeCommitmentNotActive, "commitment %s is not under dispute", commitmentID).WithDetail("commitmentId", commitmentID)
	}
	if (filedBy != c.Promisor && filedBy != c.Promisee) || (againstID != c.Promisor && againstID != c.Promisee) || filedBy == againstID {
		return Dispute{}, cellerr.New(cellerr.CodeUnauthorizedParty, "filedBy/againstID must be the commitment's two distinct parties").WithDetail("commitmentId", commitmentID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	now := time.Now().UnixMilli()
	d := &Dispute{
		ID:           derivDisputeID(commitmentID, filedBy, now, e.seq),
		CommitmentID: commitmentID,
		FiledBy:      filedBy,
		AgainstID:    againstID,
		Status:       DisputeFiled,
		CreatedAt:    now,
	}
	e.disputes[d.ID] = d
	e.publish(events.TypeDisputeFiled, now, map[string]any{"disputeId": d.ID, "commitmentId": commitmentID})
	e.log.Info("dispute filed", zap.String("disputeId", d.ID), zap.String("commitmentId", commitmentID))
	return *d, nil
}

// AssignReviewer assigns a council member who is not a party to the
// dispute as its reviewer, moving it to UNDER_REVIEW.
func (e *Engine) AssignReviewer(disputeID, reviewerID string) (Dispute, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.disputes[disputeID]
	if !ok {
		return Dispute{}, cellerr.Newf(cellerr.CodeDisputeNotFound, "dispute %s not found", disputeID).WithDetail("disputeId", disputeID)
	}
	if d.Status != DisputeFiled {
		return Dispute{}, cellerr.Newf(cellerr.CodeDisputeUnauthorized, "dispute %s is not awaiting a reviewer", disputeID).WithDetail("disputeId", disputeID)
	}
	if !e.isCouncilMember(reviewerID) {
		return Dispute{}, cellerr.New(cellerr.CodeNotCouncilMember, "reviewer must be a council member").WithDetail("memberId", reviewerID)
	}
	if d.isParty(reviewerID) {
		return Dispute{}, cellerr.New(cellerr.CodeDisputeUnauthorized, "reviewer may not be a party to the dispute").WithDetail("memberId", reviewerID)
	}

	d.ReviewerID = reviewerID
	d.Status = DisputeUnderReview
	now := time.Now().UnixMilli()
	e.publish(events.TypeDisputeReviewerSet, now, map[string]any{"disputeId": disputeID, "reviewerId": reviewerID})
	return *d, nil
}

// AppendEvidence adds a note to a non-terminal dispute; only a party or
// the assigned reviewer may append.
func (e *Engine) AppendEvidence(disputeID, by, evidence string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.disputes[disputeID]
	if !ok {
		return cellerr.Newf(cellerr.CodeDisputeNotFound, "dispute %s not found", disputeID).WithDetail("disputeId", disputeID)
	}
	if d.isTerminal() {
		return cellerr.Newf(cellerr.CodeDisputeUnauthorized, "dispute %s is already resolved", disputeID).WithDetail("disputeId", disputeID)
	}
	if !d.isParty(by) && by != d.ReviewerID {
		return cellerr.New(cellerr.CodeDisputeUnauthorized, "only a party or the reviewer may append evidence").WithDetail("memberId", by)
	}
	d.Evidence = append(d.Evidence, evidence)
	return nil
}

// ResolveDispute lets the assigned reviewer resolve a dispute directly,
// outside the full proposal-vote path: the reviewer decides the
// outcome and optional action.
func (e *Engine) ResolveDispute(disputeID, reviewerID, outcome string, action DisputeAction) (Dispute, error) {
	e.mu.Lock()
	d, ok := e.disputes[disputeID]
	if !ok {
		e.mu.Unlock()
		return Dispute{}, cellerr.Newf(cellerr.CodeDisputeNotFound, "dispute %s not found", disputeID).WithDetail("disputeId", disputeID)
	}
	if d.Status != DisputeUnderReview || d.ReviewerID != reviewerID {
		e.mu.Unlock()
		return Dispute{}, cellerr.New(cellerr.CodeDisputeUnauthorized, "only the assigned reviewer may resolve this dispute").WithDetail("memberId", reviewerID)
	}
	e.mu.Unlock()
	return e.doResolveDispute(disputeID, outcome, action)
}

// doResolveDispute performs the resolution regardless of caller, used
// both by ResolveDispute (direct reviewer path) and by
// ExecuteProposal's DISPUTE_RESOLUTION dispatch (council-voted path).
func (e *Engine) doResolveDispute(disputeID, outcome string, action DisputeAction) (Dispute, error) {
	e.mu.Lock()
	d, ok := e.disputes[disputeID]
	if !ok {
		e.mu.Unlock()
		return Dispute{}, cellerr.Newf(cellerr.CodeDisputeNotFound, "dispute %s not found", disputeID).WithDetail("disputeId", disputeID)
	}
	if d.isTerminal() {
		e.mu.Unlock()
		return Dispute{}, cellerr.Newf(cellerr.CodeDisputeUnauthorized, "dispute %s is already resolved", disputeID).WithDetail("disputeId", disputeID)
	}
	commitmentID, against, filedBy := d.CommitmentID, d.AgainstID, d.FiledBy
	e.mu.Unlock()

	switch action {
	case ActionCancelCommitment:
		if _, err := e.commitments.ForceCancel(commitmentID); err != nil {
			return Dispute{}, err
		}
	case ActionCompensation:
		c, err := e.commitments.GetByID(commitmentID)
		if err != nil {
			return Dispute{}, err
		}
		if _, err := e.transactions.ExecuteGovernanceOrdered(against, filedBy, c.Value, "dispute_compensation", disputeID); err != nil {
			return Dispute{}, err
		}
	case "":
		// no side effect beyond recording the outcome
	default:
		return Dispute{}, cellerr.Newf(cellerr.CodeInvalidAmount, "unknown dispute action %s", action)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UnixMilli()
	d.Status = DisputeResolved
	d.Outcome = outcome
	d.ResolvedAction = action
	d.ResolvedAt = now
	e.publish(events.TypeDisputeResolved, now, map[string]any{"disputeId": disputeID, "outcome": outcome, "action": string(action)})
	e.log.Info("dispute resolved", zap.String("disputeId", disputeID), zap.String("outcome", outcome))
	return *d, nil
}

// ActiveDisputeCount reports the number of disputes not yet RESOLVED,
// the numerator of the emergency engine's dispute-rate indicator.
func (e *Engine) ActiveDisputeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, d := range e.disputes {
		if d.Status != DisputeResolved {
			n++
		}
	}
	return n
}

// GetDispute returns a snapshot of one dispute.
func (e *Engine) GetDispute(disputeID string) (Dispute, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.disputes[disputeID]
	if !ok {
		return Dispute{}, cellerr.Newf(cellerr.CodeDisputeNotFound, "dispute %s not found", disputeID).WithDetail("disputeId", disputeID)
	}
	return *d, nil
}
