// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package events defines the append-only event catalogue every engine
// publishes through. Events are owned by the event log; no component
// other than the storage façade mutates them after append.
package events

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// Type enumerates the observable event kinds.
type Type string

const (
	TypeMemberAdded              Type = "MEMBER_ADDED"
	TypeMemberRemoved            Type = "MEMBER_REMOVED"
	TypeBalanceUpdates           Type = "BALANCE_UPDATES"
	TypeReserveUpdate            Type = "RESERVE_UPDATE"
	TypeLimitUpdated             Type = "LIMIT_UPDATED"
	TypeStatusUpdated            Type = "STATUS_UPDATED"
	TypeCommitmentCreated        Type = "COMMITMENT_CREATED"
	TypeCommitmentFulfilled      Type = "COMMITMENT_FULFILLED"
	TypeCommitmentCancelled      Type = "COMMITMENT_CANCELLED"
	TypeCommitmentDisputed       Type = "COMMITMENT_DISPUTED"
	TypeProposalCreated          Type = "PROPOSAL_CREATED"
	TypeProposalExecuted         Type = "PROPOSAL_EXECUTED"
	TypeVoteCast                 Type = "VOTE_CAST"
	TypeVotingClosed             Type = "VOTING_CLOSED"
	TypeDisputeFiled             Type = "DISPUTE_FILED"
	TypeDisputeReviewerSet       Type = "DISPUTE_REVIEWER_ASSIGNED"
	TypeDisputeResolved          Type = "DISPUTE_RESOLVED"
	TypeEmergencyStateChange     Type = "EMERGENCY_STATE_CHANGE"
	TypeForcedDeescalation       Type = "FORCED_DEESCALATION"
	TypeLinkProposed             Type = "LINK_PROPOSED"
	TypeLinkAccepted             Type = "LINK_ACCEPTED"
	TypeLinkSuspended            Type = "LINK_SUSPENDED"
	TypeLinkResumed              Type = "LINK_RESUMED"
	TypeFederationTxCompleted    Type = "FEDERATION_TX_COMPLETED"
	TypeFederationTxRolledBack   Type = "FEDERATION_TX_ROLLED_BACK"
	TypeFederationQuarantined    Type = "FEDERATION_QUARANTINED"
	TypeFederationQuarantineExit Type = "FEDERATION_QUARANTINE_EXIT"
	TypeExposureCapUpdated       Type = "EXPOSURE_CAP_UPDATED"
	TypeMemberAssignedToSlot     Type = "MEMBER_ASSIGNED_TO_SLOT"
	TypeMemberUnassignedFromSlot Type = "MEMBER_UNASSIGNED_FROM_SLOT"
	TypeTaskCompleted            Type = "TASK_COMPLETED"
	TypeMemberNoShow             Type = "MEMBER_NO_SHOW"
)

// Event is one append-only entry in a cell's log. Every event carries
// the cell it belongs to, when it happened, its type, and a
// type-appropriate payload.
type Event struct {
	ID        string
	CellID    string
	Timestamp int64
	Type      Type
	Payload   any
}

// New derives a deterministic id from (cellID, type, timestamp, seq)
// so the storage façade can dedup a replayed append by id.
func New(cellID string, typ Type, timestamp int64, seq uint64, payload any) Event {
	h := blake3.New()
	h.Write([]byte(cellID))
	h.Write([]byte(typ))
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(timestamp))
	binary.BigEndian.PutUint64(buf[8:16], seq)
	h.Write(buf[:])
	sum := h.Digest()
	var idBytes [16]byte
	sum.Read(idBytes[:])
	return Event{
		ID:        fmt.Sprintf("evt-%x", idBytes),
		CellID:    cellID,
		Timestamp: timestamp,
		Type:      typ,
		Payload:   payload,
	}
}

// Sink is what every engine publishes committed events through. A cell
// wires a concrete Sink that marshals and forwards to the storage
// façade's EventStore; tests wire a recording Sink.
type Sink interface {
	Publish(Event)
}

// NopSink discards every event; useful for engine constructors in tests
// that don't assert on the event stream.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// BalanceUpdatesPayload is the payload of TypeBalanceUpdates: every
// delta applied in one atomic commit plus the resulting balances.
type BalanceUpdatesPayload struct {
	Deltas         map[string]int64
	ResultBalances map[string]int64
	Reason         string
	Ref            string
	SequenceNumber uint64
}

// ReserveUpdatePayload is the payload of TypeReserveUpdate.
type ReserveUpdatePayload struct {
	MemberID      string
	Delta         int64
	ResultReserve int64
	Reason        string
	CommitmentID  string
}
