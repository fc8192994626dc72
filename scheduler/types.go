// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package scheduler implements demand/supply matching: recurring task
// templates, concrete time-bounded slots, deterministic member-to-slot
// matching, completion/no-show handling, and feasibility/coverage
// reporting.
package scheduler

// TaskTemplate is a recurring task pattern.
type TaskTemplate struct {
	ID            string
	Category      string
	Name          string
	DayOfWeek     int // 0 = Sunday .. 6 = Saturday
	StartHour     int
	DurationHours float64
	MaxAssignees  int
	CreatedAt     int64
}

// SlotStatus is a task slot's lifecycle position.
type SlotStatus string

const (
	SlotOpen            SlotStatus = "OPEN"
	SlotPartiallyFilled SlotStatus = "PARTIALLY_FILLED"
	SlotFilled          SlotStatus = "FILLED"
	SlotInProgress      SlotStatus = "IN_PROGRESS"
	SlotCompleted       SlotStatus = "COMPLETED"
	SlotIncomplete      SlotStatus = "INCOMPLETE"
)

// AssignmentStatus is one member's standing against a slot.
type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "ASSIGNED"
	AssignmentCompleted AssignmentStatus = "COMPLETED"
	AssignmentNoShow    AssignmentStatus = "NO_SHOW"
)

// Assignment is one member's stake in a task slot.
type Assignment struct {
	MemberID     string
	Status       AssignmentStatus
	HoursAwarded float64
	Rating       *int
	AssignedAt   int64
	SettledAt    int64
}

// Slot is a concrete, time-bounded task instance.
type Slot struct {
	ID            string
	TemplateID    string
	Category      string
	Start         int64 // unix millis
	End           int64 // unix millis
	HoursRequired float64
	MaxAssignees  int
	Status        SlotStatus
	CommitmentID  string // optional, drives commitment fulfillment/cancellation
	Assignments   []Assignment
	CreatedAt     int64
}

func (s Slot) assignedCount() int {
	n := 0
	for _, a := range s.Assignments {
		if a.Status == AssignmentAssigned || a.Status == AssignmentCompleted {
			n++
		}
	}
	return n
}

func (s Slot) isAssigned(memberID string) bool {
	for _, a := range s.Assignments {
		if a.MemberID == memberID {
			return true
		}
	}
	return false
}

// MemberSupply is one member's declared availability and skill
// profile.
type MemberSupply struct {
	MemberID             string
	WeeklyAvailableHours float64
	Skills               map[string]float64 // category -> [0,1]
	Preferences          []string           // preferred categories
	Constraints          []string
}

// MatchResult is one scoring/assignment outcome produced during
// matching, kept for observability and tests.
type MatchResult struct {
	SlotID   string
	MemberID string
	Score    float64
	Hours    float64
}

// CoverageGap is one category's shortfall reported by
// checkCoverageFeasibility.
type CoverageGap struct {
	Category       string
	RequiredHours  float64
	AvailableHours float64
	ShortfallHours float64
}

// FeasibilityReport summarizes whether declared supply can cover the
// week's slots.
type FeasibilityReport struct {
	WeekStart       int64
	Gaps            []CoverageGap
	Bottlenecks     []string
	Recommendations []string
}

// CoverageReport tallies fill/completion ratios globally and per
// category.
type CoverageReport struct {
	TotalSlots          int
	FilledSlots         int
	SlotFillRatio       float64
	HoursRequired       float64
	HoursCompleted      float64
	HourCompletionRatio float64
	ByCategory          map[string]CategoryCoverage
}

// CategoryCoverage is one category's slice of a CoverageReport.
type CategoryCoverage struct {
	TotalSlots          int
	FilledSlots         int
	SlotFillRatio       float64
	HoursRequired       float64
	HoursCompleted      float64
	HourCompletionRatio float64
}
