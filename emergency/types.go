// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package emergency implements the cell's risk machine: three risk
// states driven by stress indicators, publishing a policy vector.
// Federation reads its beta factor, admission its new-member limit
// factor and the scheduler its debtor-priority flag; LimitFactor,
// AdmissionMode, CommitmentMode and SchedulerPriority are published but
// no engine in this module reads them.
package emergency

// RiskState is one of the three risk levels a cell can be in.
type RiskState string

const (
	StateNormal   RiskState = "NORMAL"
	StateStressed RiskState = "STRESSED"
	StatePanic    RiskState = "PANIC"
)

// chainOrder gives each state's position on the NORMAL-STRESSED-PANIC
// chain, so single-step adjacency can be checked by index distance.
var chainOrder = map[RiskState]int{
	StateNormal:   0,
	StateStressed: 1,
	StatePanic:    2,
}

// IsSingleStep reports whether to is exactly one step away from from
// on the chain; automatic transitions never move further than that.
func IsSingleStep(from, to RiskState) bool {
	fi, fok := chainOrder[from]
	ti, tok := chainOrder[to]
	if !fok || !tok {
		return false
	}
	d := fi - ti
	if d < 0 {
		d = -d
	}
	return d == 1
}

// AdmissionMode tightens or loosens new-member admission under stress.
type AdmissionMode string

const (
	AdmissionStandard            AdmissionMode = "STANDARD"
	AdmissionBonded              AdmissionMode = "BONDED"
	AdmissionSupermajorityBonded AdmissionMode = "SUPERMAJORITY_BONDED"
)

// CommitmentMode governs whether new commitments must be escrowed.
type CommitmentMode string

const (
	CommitmentNormal    CommitmentMode = "NORMAL"
	CommitmentEscrowAll CommitmentMode = "ESCROW_ALL"
)

// SchedulerPriorityMode governs the Scheduler's category weighting.
type SchedulerPriorityMode string

const (
	SchedulerBalanced        SchedulerPriorityMode = "BALANCED"
	SchedulerEssentialsFirst SchedulerPriorityMode = "ESSENTIALS_FIRST"
	SchedulerSurvival        SchedulerPriorityMode = "SURVIVAL"
)

// PolicyVector is the set of scalar knobs a RiskState publishes for
// other components to consume.
type PolicyVector struct {
	LimitFactor            float64
	NewMemberLimitFactor   float64
	FederationBetaFactor   float64
	AdmissionMode          AdmissionMode
	CommitmentMode         CommitmentMode
	SchedulerPriority      SchedulerPriorityMode
	DebtorPriorityMatching bool
}

// policyByState is the fixed RiskState -> PolicyVector table. A
// FederationBetaFactor of 0 in PANIC freezes federation outright.
var policyByState = map[RiskState]PolicyVector{
	StateNormal: {
		LimitFactor: 1.0, NewMemberLimitFactor: 1.0, FederationBetaFactor: 1.0,
		AdmissionMode: AdmissionStandard, CommitmentMode: CommitmentNormal,
		SchedulerPriority: SchedulerBalanced, DebtorPriorityMatching: false,
	},
	StateStressed: {
		LimitFactor: 0.75, NewMemberLimitFactor: 0.5, FederationBetaFactor: 0.5,
		AdmissionMode: AdmissionBonded, CommitmentMode: CommitmentNormal,
		SchedulerPriority: SchedulerEssentialsFirst, DebtorPriorityMatching: true,
	},
	StatePanic: {
		LimitFactor: 0.5, NewMemberLimitFactor: 0.0, FederationBetaFactor: 0.0,
		AdmissionMode: AdmissionSupermajorityBonded, CommitmentMode: CommitmentEscrowAll,
		SchedulerPriority: SchedulerSurvival, DebtorPriorityMatching: true,
	},
}

// Indicators is the cached, timestamped stress-indicator snapshot.
type Indicators struct {
	FloorMass       float64
	BalanceVariance float64
	DisputeRate     float64
	EnergyStress    float64
	EconomicStress  float64
	OverallStress   float64
	ComputedAt      int64
}

// TransitionEntry is one append-only history record.
type TransitionEntry struct {
	From       RiskState
	To         RiskState
	Reason     string
	Indicators Indicators
	ApprovalID string
	Initiator  string
	Timestamp  int64
}

// ProximityReport is the threshold-proximity read surface.
type ProximityReport struct {
	CurrentState             RiskState
	CriticalIndicator        string
	DistanceToEscalation     float64
	DistanceToDeescalation   float64
	StabilizationRemainingMs int64 // only meaningful in PANIC
}

// DisputeSource is the narrow capability Emergency needs from
// Governance to compute disputeRate, injected so Emergency depends on
// an interface rather than the concrete governance.Engine.
type DisputeSource interface {
	ActiveDisputeCount() int
}
