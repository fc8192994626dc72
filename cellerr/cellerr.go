// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cellerr defines the error taxonomy shared by every engine in
// a cell: a stable code, a human-readable message, and a structured
// details map. Components never branch on error strings; they match on
// Code via errors.Is/errors.As or CodeOf.
package cellerr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure by kind, never by the Go type that
// produced it.
type Code string

const (
	CodeConservationViolation      Code = "CONSERVATION_VIOLATION"
	CodeFloorViolation             Code = "FLOOR_VIOLATION"
	CodeEscrowViolation            Code = "ESCROW_VIOLATION"
	CodeNegativeReserve            Code = "NEGATIVE_RESERVE_VIOLATION"
	CodeMemberNotFound             Code = "MEMBER_NOT_FOUND"
	CodeMemberNotActive            Code = "MEMBER_NOT_ACTIVE"
	CodeMemberExists               Code = "MEMBER_EXISTS"
	CodeMemberHasBalance           Code = "MEMBER_HAS_BALANCE"
	CodeLimitOutOfRange            Code = "LIMIT_OUT_OF_RANGE"
	CodeLimitBelowBalance          Code = "LIMIT_BELOW_BALANCE"
	CodeInvalidStatusTransition    Code = "INVALID_STATUS_TRANSITION"
	CodeInvalidAmount              Code = "INVALID_AMOUNT"
	CodeSelfTransaction            Code = "SELF_TRANSACTION"
	CodeInsufficientCapacity       Code = "INSUFFICIENT_CAPACITY"
	CodeInvalidPayerSignature      Code = "INVALID_PAYER_SIGNATURE"
	CodeInvalidPayeeSignature      Code = "INVALID_PAYEE_SIGNATURE"
	CodeTransactionNotReady        Code = "TRANSACTION_NOT_READY"
	CodeInvalidTransactionState    Code = "INVALID_TRANSACTION_STATE"
	CodeCommitmentNotFound         Code = "COMMITMENT_NOT_FOUND"
	CodeCommitmentNotActive        Code = "COMMITMENT_NOT_ACTIVE"
	CodeUnauthorizedParty          Code = "UNAUTHORIZED_PARTY"
	CodeInvalidDueDate             Code = "INVALID_DUE_DATE"
	CodeProposalNotFound           Code = "PROPOSAL_NOT_FOUND"
	CodeProposalNotPassed          Code = "PROPOSAL_NOT_PASSED"
	CodeVotingClosed               Code = "VOTING_CLOSED"
	CodeAlreadyVoted               Code = "ALREADY_VOTED"
	CodeProposalExpired            Code = "PROPOSAL_EXPIRED"
	CodeNotCouncilMember           Code = "NOT_COUNCIL_MEMBER"
	CodeDisputeNotFound            Code = "DISPUTE_NOT_FOUND"
	CodeDisputeUnauthorized        Code = "DISPUTE_UNAUTHORIZED"
	CodeLinkNotFound               Code = "LINK_NOT_FOUND"
	CodeLinkSuspended              Code = "LINK_SUSPENDED"
	CodeLinkNotActive              Code = "LINK_NOT_ACTIVE"
	CodeCapExceeded                Code = "CAP_EXCEEDED"
	CodeCellQuarantined            Code = "CELL_QUARANTINED"
	CodeFederationFrozen           Code = "FEDERATION_FROZEN"
	CodeTransferNotRollbackable    Code = "TRANSFER_NOT_ROLLBACKABLE"
	CodeQuarantineStillTriggered   Code = "QUARANTINE_STILL_TRIGGERED"
	CodeStorageError               Code = "STORAGE_ERROR"
	CodeNotFound                   Code = "NOT_FOUND"
	CodeInternal                   Code = "INTERNAL"
	CodeCryptoError                Code = "CRYPTO_ERROR"
	CodeSlotNotFound               Code = "SLOT_NOT_FOUND"
	CodeSlotFull                   Code = "SLOT_FULL"
	CodeInvalidTimeRange           Code = "INVALID_TIME_RANGE"
	CodeAssignmentNotFound         Code = "ASSIGNMENT_NOT_FOUND"
	CodeEmergencyTransitionInvalid Code = "EMERGENCY_TRANSITION_INVALID"
	CodeEmergencySameState         Code = "EMERGENCY_SAME_STATE"
	CodeEmergencyDwellNotElapsed   Code = "EMERGENCY_DWELL_NOT_ELAPSED"
)

// Error is the concrete error type every engine returns. It wraps an
// optional underlying cause without losing the stable Code.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is(err, cellerr.New(CodeX, "")) to match on Code
// alone, independent of Message/Details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds a fresh *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Details: map[string]any{}}
}

// Newf builds a fresh *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap preserves code and message while attaching an underlying cause,
// used when a component re-codes a lower layer's failure (e.g.
// transaction execution surfacing a ledger violation).
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithDetail returns e with one more detail entry set, chainable at the
// call site: cellerr.New(...).WithDetail("memberId", id).
func (e *Error) WithDetail(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, and
// reports whether one was found.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether err carries the given code, the idiomatic call
// site for catch-by-code error handling.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
