// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cellconfig holds the tunable parameters of a cell: ledger
// bounds, federation exposure policy, governance voting rules, and
// emergency thresholds. Every engine constructor takes an explicit
// *Config rather than reading package-level globals.
package cellconfig

import "time"

// LedgerParams bounds member limits and toggles escrow safety.
type LedgerParams struct {
	DefaultLimit        int64
	MinLimit            int64
	MaxLimit            int64
	EnforceEscrowSafety bool
}

// FederationParams governs exposure-cap sizing and link policy.
type FederationParams struct {
	BaseBetaFactor    float64
	MinExposureCap    int64
	MaxExposureCap    int64
	WarningThreshold  float64
	CriticalThreshold float64
	LinkProposalTTL   time.Duration
}

// GovernanceParams governs voting and council policy.
type GovernanceParams struct {
	VotingDuration      time.Duration
	QuorumRatio         float64 // standard half
	SupermajorityRatio  float64 // ~2/3
}

// EmergencyParams carries the escalation/de-escalation thresholds and
// the PANIC dwell time.
type EmergencyParams struct {
	StressedFloorMass        float64
	PanicFloorMass           float64
	StressedDisputeRate      float64
	PanicEnergyStress        float64
	NormalFloorMass          float64
	NormalOverallStress      float64
	PanicStabilizationPeriod time.Duration
}

// SchedulerParams carries the deterministic category priority order
// matching iterates slots in.
type SchedulerParams struct {
	CategoryPriority []string
}

// DefaultCategoryPriority orders categories by survival criticality.
var DefaultCategoryPriority = []string{
	"MEDICAL",
	"FOOD",
	"WATER_SANITATION",
	"ENERGY_HEAT",
	"CHILDCARE_DEPENDENT",
	"SECURITY_COORDINATION",
	"SHELTER_REPAIR",
	"PROCUREMENT_TRANSPORT",
	"GENERAL",
}

// Config is the full set of cell-level parameters.
type Config struct {
	CellMinSize int
	CellMaxSize int
	Ledger      LedgerParams
	Federation  FederationParams
	Governance  GovernanceParams
	Emergency   EmergencyParams
	Scheduler   SchedulerParams
}

// Default returns the documented parameter defaults.
func Default() *Config {
	return &Config{
		CellMinSize: 50,
		CellMaxSize: 150,
		Ledger: LedgerParams{
			DefaultLimit:        100, // ~ one week of essentials, in labor-hours
			MinLimit:            0,
			MaxLimit:            10_000,
			EnforceEscrowSafety: true,
		},
		Federation: FederationParams{
			BaseBetaFactor:    0.10,
			MinExposureCap:    0,
			MaxExposureCap:    1_000_000,
			WarningThreshold:  0.75,
			CriticalThreshold: 0.90,
			LinkProposalTTL:   7 * 24 * time.Hour,
		},
		Governance: GovernanceParams{
			VotingDuration:     72 * time.Hour,
			QuorumRatio:        0.5,
			SupermajorityRatio: 0.67,
		},
		Emergency: EmergencyParams{
			StressedFloorMass:        0.25,
			PanicFloorMass:           0.40,
			StressedDisputeRate:      0.15,
			PanicEnergyStress:        0.60,
			NormalFloorMass:          0.15,
			NormalOverallStress:      0.10,
			PanicStabilizationPeriod: 48 * time.Hour,
		},
		Scheduler: SchedulerParams{
			CategoryPriority: DefaultCategoryPriority,
		},
	}
}
