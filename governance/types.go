// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package governance implements the council layer: council
// membership, proposals with category-scaled voting thresholds,
// execution dispatch onto the Ledger/Identity/Commitment/Transaction
// engines, and dispute review.
package governance

import "github.com/luxfi/threshold/pkg/party"

// Role is a council member's standing.
type Role string

const (
	RoleChair  Role = "CHAIR"
	RoleMember Role = "MEMBER"
)

// CouncilMember is one seat on the council.
type CouncilMember struct {
	MemberID string
	Role     Role
	JoinedAt int64
	TermEnds *int64
}

// ProposalType enumerates the kinds of privileged action governance
// can dispatch.
type ProposalType string

const (
	ProposalAdmitMember          ProposalType = "ADMIT_MEMBER"
	ProposalExcludeMember        ProposalType = "EXCLUDE_MEMBER"
	ProposalAdjustLimit          ProposalType = "ADJUST_LIMIT"
	ProposalCancelCommitment     ProposalType = "CANCEL_COMMITMENT"
	ProposalEmergencyStateChange ProposalType = "EMERGENCY_STATE_CHANGE"
	ProposalParameterChange      ProposalType = "PARAMETER_CHANGE"
	ProposalDisputeResolution    ProposalType = "DISPUTE_RESOLUTION"
)

// ActionCategory determines a proposal's voting threshold.
type ActionCategory string

const (
	CategoryRoutine        ActionCategory = "ROUTINE"
	CategorySignificant    ActionCategory = "SIGNIFICANT"
	CategoryCritical       ActionCategory = "CRITICAL"
	CategoryConstitutional ActionCategory = "CONSTITUTIONAL"
)

// categoryForType is the fixed ProposalType -> ActionCategory mapping.
var categoryForType = map[ProposalType]ActionCategory{
	ProposalAdmitMember:          CategoryRoutine,
	ProposalExcludeMember:        CategoryCritical,
	ProposalAdjustLimit:          CategorySignificant,
	ProposalCancelCommitment:     CategorySignificant,
	ProposalEmergencyStateChange: CategoryCritical,
	ProposalParameterChange:      CategoryConstitutional,
	ProposalDisputeResolution:    CategorySignificant,
}

// Vote is a council member's ballot on a proposal.
type Vote string

const (
	VoteApprove Vote = "APPROVE"
	VoteReject  Vote = "REJECT"
)

// ProposalStatus is a Proposal's lifecycle position.
type ProposalStatus string

const (
	ProposalOpen     ProposalStatus = "OPEN"
	ProposalPassed   ProposalStatus = "PASSED"
	ProposalRejected ProposalStatus = "REJECTED"
	ProposalExecuted ProposalStatus = "EXECUTED"
)

// Payload is a tagged variant over every field a proposal type might
// need, exhaustively dispatched by executeProposal rather than
// interpreted as an untyped map.
type Payload struct {
	TargetMemberID    string
	NewLimit          *int64
	CommitmentID      string
	NewEmergencyState string
	ParameterName     string
	ParameterValue    int64
	DisputeID         string
	DisputeOutcome    string
	DisputeAction     DisputeAction
}

// Proposal is one governance action under vote.
type Proposal struct {
	ID               string
	Type             ProposalType
	Category         ActionCategory
	ProposedBy       string
	Payload          Payload
	Status           ProposalStatus
	Votes            map[string]Vote
	CreatedAt        int64
	ClosesAt         int64
	ExecutedAt       int64
	ThresholdReceipt []party.ID // recorded on CRITICAL/CONSTITUTIONAL execution
}

// DisputeStatus is a governance Dispute's lifecycle position.
type DisputeStatus string

const (
	DisputeFiled       DisputeStatus = "FILED"
	DisputeUnderReview DisputeStatus = "UNDER_REVIEW"
	DisputeResolved    DisputeStatus = "RESOLVED"
)

// DisputeAction is an optional action a dispute resolution carries out.
type DisputeAction string

const (
	ActionCancelCommitment DisputeAction = "CANCEL_COMMITMENT"
	ActionCompensation     DisputeAction = "COMPENSATION"
)

// Dispute is a filed grievance under council review.
type Dispute struct {
	ID             string
	CommitmentID   string
	FiledBy        string
	AgainstID      string
	Status         DisputeStatus
	ReviewerID     string
	Evidence       []string
	Outcome        string
	ResolvedAction DisputeAction
	CreatedAt      int64
	ResolvedAt     int64
}

func (d Dispute) isTerminal() bool {
	return d.Status == DisputeResolved
}

func (d Dispute) isParty(memberID string) bool {
	return memberID == d.FiledBy || memberID == d.AgainstID
}
