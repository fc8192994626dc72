// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package federation implements inter-cell trade:
// transfers through a per-cell clearing account, a dynamic
// exposure cap, bilateral link lifecycle, and quarantine/rollback.
package federation

// LinkStatus is a federation link's lifecycle position.
type LinkStatus string

const (
	LinkPending   LinkStatus = "PENDING"
	LinkActive    LinkStatus = "ACTIVE"
	LinkSuspended LinkStatus = "SUSPENDED"
)

// Link is the per-remote-cell bilateral record.
type Link struct {
	TargetCellID      string
	Status            LinkStatus
	Terms             string
	BilateralPosition int64
	ProposedAt        int64
	ExpiresAt         int64
	AcceptedAt        int64
	LastActivity      int64
	SuspendReason     string
}

// CellStatus is the cell-level federation posture.
type CellStatus string

const (
	CellActive      CellStatus = "ACTIVE"
	CellQuarantined CellStatus = "QUARANTINED"
)

// QuarantineReason enumerates why a cell was quarantined.
type QuarantineReason string

const (
	ReasonCapViolation     QuarantineReason = "CAP_VIOLATION"
	ReasonPanicMode        QuarantineReason = "PANIC_MODE"
	ReasonManualSuspension QuarantineReason = "MANUAL_SUSPENSION"
)

// TransactionStatus is a federation transfer's lifecycle position.
type TransactionStatus string

const (
	TxSourceConfirmed TransactionStatus = "SOURCE_CONFIRMED"
	TxCompleted       TransactionStatus = "COMPLETED"
	TxFailed          TransactionStatus = "FAILED"
	TxRolledBack      TransactionStatus = "ROLLED_BACK"
)

// Transaction is one inter-cell transfer record.
type Transaction struct {
	ID             string
	TargetCellID   string
	Payer          string
	Amount         int64
	Description    string
	Status         TransactionStatus
	CreatedAt      int64
	CompletedAt    int64
	RolledBackAt   int64
	RollbackReason string
	FailureCode    string
}

// ExposureAnalysis is the exposure-reporting read surface.
type ExposureAnalysis struct {
	Position          int64
	Cap               int64
	AvailableCapacity int64
	Utilization       float64
	Warning           bool
	Critical          bool
}

// EmergencyView is the narrow, read-only capability federation needs
// from the emergency engine, resolving the cyclic reference between
// the two by late-binding injection after both are constructed.
type EmergencyView interface {
	IsFederationFrozen() bool
	FederationBetaFactor() float64
}
