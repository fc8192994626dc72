// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/cellerr"
	"github.com/luxfi/cellcredit/commitment"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/ledger"
	log "github.com/luxfi/log"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// PriorityPolicy is the narrow capability the scheduler needs from the
// emergency engine's published policy vector, mirroring the
// emergency.DisputeSource / federation.EmergencyView late-binding
// pattern.
type PriorityPolicy interface {
	DebtorPriorityEnabled() bool
}

// Engine matches member supply to task slots and settles completions.
type Engine struct {
	mu          sync.Mutex
	cellID      string
	params      cellconfig.SchedulerParams
	ledger      *ledger.Engine
	commitments *commitment.Engine
	priority    PriorityPolicy

	templates   map[string]*TaskTemplate
	slots       map[string]*Slot
	supplies    map[string]*MemberSupply
	supplyOrder []string

	seq  uint64
	sink events.Sink
	log  log.Logger
}

// New constructs the Scheduler. priority may be nil, in which case
// debtor-priority matching is treated as disabled until
// SetPriorityPolicy wires the Emergency Engine.
func New(cellID string, params cellconfig.SchedulerParams, ledgerEngine *ledger.Engine, commitments *commitment.Engine, priority PriorityPolicy, sink events.Sink, logger log.Logger) *Engine {
	return &Engine{
		cellID:      cellID,
		params:      params,
		ledger:      ledgerEngine,
		commitments: commitments,
		priority:    priority,
		templates:   make(map[string]*TaskTemplate),
		slots:       make(map[string]*Slot),
		supplies:    make(map[string]*MemberSupply),
		sink:        sink,
		log:         logger,
	}
}

// SetPriorityPolicy wires the late-bound Emergency reference.
func (e *Engine) SetPriorityPolicy(p PriorityPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priority = p
}

func derivTemplateID(category, name string, dayOfWeek, startHour int, createdAt int64) string {
	h := blake3.New()
	h.Write([]byte(category))
	h.Write([]byte(name))
	h.Write([]byte(fmt.Sprintf("%d-%d-%d", dayOfWeek, startHour, createdAt)))
	var idBytes [16]byte
	h.Digest().Read(idBytes[:])
	return fmt.Sprintf("tpl-%x", idBytes)
}

// CreateTemplate registers a recurring task pattern.
func (e *Engine) CreateTemplate(category, name string, dayOfWeek, startHour int, durationHours float64, maxAssignees int) (TaskTemplate, error) {
	if maxAssignees <= 0 {
		return TaskTemplate{}, cellerr.New(cellerr.CodeInvalidAmount, "maxAssignees must be positive")
	}
	if durationHours <= 0 {
		return TaskTemplate{}, cellerr.New(cellerr.CodeInvalidAmount, "durationHours must be positive")
	}
	now := time.Now().UnixMilli()
	t := &TaskTemplate{
		ID:            derivTemplateID(category, name, dayOfWeek, startHour, now),
		Category:      category,
		Name:          name,
		DayOfWeek:     dayOfWeek,
		StartHour:     startHour,
		DurationHours: durationHours,
		MaxAssignees:  maxAssignees,
		CreatedAt:     now,
	}
	e.mu.Lock()
	e.templates[t.ID] = t
	e.mu.Unlock()
	return *t, nil
}

func derivSlotID(templateID string, start int64, seq uint64) string {
	h := blake3.New()
	h.Write([]byte(templateID))
	h.Write([]byte(fmt.Sprintf("%d-%d", start, seq)))
	var idBytes [16]byte
	h.Digest().Read(idBytes[:])
	return fmt.Sprintf("slt-%x", idBytes)
}

// CreateSlot instantiates a concrete, time-bounded task slot: the time
// range must be valid and required hours positive.
func (e *Engine) CreateSlot(templateID, category string, start, end int64, hoursRequired float64, maxAssignees int, commitmentID string) (Slot, error) {
	if end <= start {
		return Slot{}, cellerr.New(cellerr.CodeInvalidTimeRange, "slot end must be after start")
	}
	if hoursRequired <= 0 {
		return Slot{}, cellerr.New(cellerr.CodeInvalidAmount, "hoursRequired must be positive")
	}
	if maxAssignees <= 0 {
		return Slot{}, cellerr.New(cellerr.CodeInvalidAmount, "maxAssignees must be positive")
	}

	e.mu.Lock()
	e.seq++
	seq := e.seq
	now := time.Now().UnixMilli()
	s := &Slot{
		ID:            derivSlotID(templateID, start, seq),
		TemplateID:    templateID,
		Category:      category,
		Start:         start,
		End:           end,
		HoursRequired: hoursRequired,
		MaxAssignees:  maxAssignees,
		Status:        SlotOpen,
		CommitmentID:  commitmentID,
		CreatedAt:     now,
	}
	e.slots[s.ID] = s
	e.mu.Unlock()
	return *s, nil
}

// SetMemberSupply records or replaces a member's declared availability
// and skill profile.
func (e *Engine) SetMemberSupply(memberID string, weeklyAvailableHours float64, skills map[string]float64, preferences, constraints []string) MemberSupply {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.supplies[memberID]; !exists {
		e.supplyOrder = append(e.supplyOrder, memberID)
	}
	s := &MemberSupply{
		MemberID:             memberID,
		WeeklyAvailableHours: weeklyAvailableHours,
		Skills:               skills,
		Preferences:          preferences,
		Constraints:          constraints,
	}
	e.supplies[memberID] = s
	return *s
}

func (e *Engine) categoryRank(category string) int {
	for i, c := range e.params.CategoryPriority {
		if c == category {
			return i
		}
	}
	return len(e.params.CategoryPriority)
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *Engine) debtorPriorityEnabled() bool {
	if e.priority == nil {
		return false
	}
	return e.priority.DebtorPriorityEnabled()
}

// score weighs skill, category preference, and (when enabled) a
// debtor bonus proportional to how deep the member sits in debt.
func (e *Engine) score(supply *MemberSupply, category string, state ledger.MemberState) float64 {
	skill := supply.Skills[category]
	preferred := 0.0
	for _, p := range supply.Preferences {
		if p == category {
			preferred = 1.0
			break
		}
	}
	debtorBonus := 0.0
	if e.debtorPriorityEnabled() && state.Balance < 0 && state.Limit > 0 {
		debtorBonus = clampf(float64(-state.Balance)/float64(state.Limit), 0, 1) * 2
	}
	return 0.4*skill + 0.2*preferred + 0.4*debtorBonus
}

// MatchSlots runs the deterministic matching algorithm over every
// OPEN/PARTIALLY_FILLED slot starting within [weekStart, weekEnd).
// Slots are visited in category-priority order; candidate ties break
// by supply insertion order.
func (e *Engine) MatchSlots(weekStart, weekEnd int64) []MatchResult {
	e.mu.Lock()
	var candidates []*Slot
	for _, s := range e.slots {
		if (s.Status == SlotOpen || s.Status == SlotPartiallyFilled) && s.Start >= weekStart && s.Start < weekEnd {
			candidates = append(candidates, s)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := e.categoryRank(candidates[i].Category), e.categoryRank(candidates[j].Category)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].Start < candidates[j].Start
	})
	supplyOrder := append([]string(nil), e.supplyOrder...)
	e.mu.Unlock()

	var results []MatchResult
	now := time.Now().UnixMilli()

	for _, slot := range candidates {
		e.mu.Lock()
		remaining := slot.MaxAssignees - slot.assignedCount()
		e.mu.Unlock()
		if remaining <= 0 {
			continue
		}

		type scored struct {
			memberID string
			score    float64
		}
		var pool []scored
		for _, memberID := range supplyOrder {
			e.mu.Lock()
			supply, ok := e.supplies[memberID]
			already := ok && slot.isAssigned(memberID)
			e.mu.Unlock()
			if !ok || already {
				continue
			}
			state, err := e.ledger.GetMemberState(memberID)
			if err != nil || state.Status != ledger.StatusActive {
				continue
			}
			sc := e.score(supply, slot.Category, state)
			if sc <= 0 {
				continue
			}
			pool = append(pool, scored{memberID, sc})
		}
		sort.SliceStable(pool, func(i, j int) bool { return pool[i].score > pool[j].score })
		if len(pool) > remaining {
			pool = pool[:remaining]
		}

		hoursEach := slot.HoursRequired / float64(slot.MaxAssignees)
		e.mu.Lock()
		for _, cand := range pool {
			slot.Assignments = append(slot.Assignments, Assignment{
				MemberID:     cand.memberID,
				Status:       AssignmentAssigned,
				HoursAwarded: hoursEach,
				AssignedAt:   now,
			})
			results = append(results, MatchResult{SlotID: slot.ID, MemberID: cand.memberID, Score: cand.score, Hours: hoursEach})
		}
		if slot.assignedCount() >= slot.MaxAssignees {
			slot.Status = SlotFilled
		} else if slot.assignedCount() > 0 {
			slot.Status = SlotPartiallyFilled
		}
		e.mu.Unlock()

		for _, cand := range pool {
			e.publish(events.TypeMemberAssignedToSlot, now, map[string]any{"slotId": slot.ID, "memberId": cand.memberID})
		}
	}
	return results
}

func (e *Engine) finalizeSlotIfSettled(s *Slot, now int64) {
	total := len(s.Assignments)
	if total == 0 {
		return
	}
	completed, settled := 0, 0
	for _, a := range s.Assignments {
		if a.Status == AssignmentCompleted {
			completed++
		}
		if a.Status == AssignmentCompleted || a.Status == AssignmentNoShow {
			settled++
		}
	}
	if settled < total {
		return
	}
	if completed > 0 {
		s.Status = SlotCompleted
	} else {
		s.Status = SlotIncomplete
	}
}

// RecordCompletion marks an assignment COMPLETED, fulfilling any
// attached commitment that is still ACTIVE (via its promisee, driving
// ledger settlement) as soon as this assignment is recorded.
func (e *Engine) RecordCompletion(slotID, memberID string, rating *int) (Slot, error) {
	e.mu.Lock()
	s, ok := e.slots[slotID]
	if !ok {
		e.mu.Unlock()
		return Slot{}, cellerr.Newf(cellerr.CodeSlotNotFound, "slot %s not found", slotID).WithDetail("slotId", slotID)
	}
	idx := -1
	for i, a := range s.Assignments {
		if a.MemberID == memberID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return Slot{}, cellerr.Newf(cellerr.CodeAssignmentNotFound, "member %s is not assigned to slot %s", memberID, slotID).WithDetail("slotId", slotID).WithDetail("memberId", memberID)
	}
	now := time.Now().UnixMilli()
	s.Assignments[idx].Status = AssignmentCompleted
	s.Assignments[idx].Rating = rating
	s.Assignments[idx].SettledAt = now
	commitmentID := s.CommitmentID
	e.finalizeSlotIfSettled(s, now)
	out := *s
	e.mu.Unlock()

	if commitmentID != "" {
		c, err := e.commitments.GetByID(commitmentID)
		if err == nil && c.Status == commitment.StatusActive {
			if _, err := e.commitments.Fulfill(commitmentID, c.Promisee); err != nil {
				return Slot{}, err
			}
		}
	}

	e.publish(events.TypeTaskCompleted, now, map[string]any{"slotId": slotID, "memberId": memberID})
	e.log.Info("task completion recorded", zap.String("slotId", slotID), zap.String("memberId", memberID))
	return out, nil
}

// RecordNoShow marks an assignment NO_SHOW, force-cancelling any
// attached commitment as soon as this assignment is recorded.
func (e *Engine) RecordNoShow(slotID, memberID string) (Slot, error) {
	e.mu.Lock()
	s, ok := e.slots[slotID]
	if !ok {
		e.mu.Unlock()
		return Slot{}, cellerr.Newf(cellerr.CodeSlotNotFound, "slot %s not found", slotID).WithDetail("slotId", slotID)
	}
	idx := -1
	for i, a := range s.Assignments {
		if a.MemberID == memberID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return Slot{}, cellerr.Newf(cellerr.CodeAssignmentNotFound, "member %s is not assigned to slot %s", memberID, slotID).WithDetail("slotId", slotID).WithDetail("memberId", memberID)
	}
	now := time.Now().UnixMilli()
	s.Assignments[idx].Status = AssignmentNoShow
	s.Assignments[idx].SettledAt = now
	commitmentID := s.CommitmentID
	e.finalizeSlotIfSettled(s, now)
	out := *s
	e.mu.Unlock()

	if commitmentID != "" {
		c, err := e.commitments.GetByID(commitmentID)
		if err == nil && (c.Status == commitment.StatusActive || c.Status == commitment.StatusProposed) {
			if _, err := e.commitments.ForceCancel(commitmentID); err != nil {
				return Slot{}, err
			}
		}
	}

	e.publish(events.TypeMemberNoShow, now, map[string]any{"slotId": slotID, "memberId": memberID})
	e.log.Info("member no-show recorded", zap.String("slotId", slotID), zap.String("memberId", memberID))
	return out, nil
}

// UnassignMember drops a still-ASSIGNED member from a slot, reopening
// capacity. Settled assignments (COMPLETED, NO_SHOW) stay on record.
func (e *Engine) UnassignMember(slotID, memberID string) (Slot, error) {
	e.mu.Lock()
	s, ok := e.slots[slotID]
	if !ok {
		e.mu.Unlock()
		return Slot{}, cellerr.Newf(cellerr.CodeSlotNotFound, "slot %s not found", slotID).WithDetail("slotId", slotID)
	}
	idx := -1
	for i, a := range s.Assignments {
		if a.MemberID == memberID && a.Status == AssignmentAssigned {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return Slot{}, cellerr.Newf(cellerr.CodeAssignmentNotFound, "member %s has no open assignment on slot %s", memberID, slotID).WithDetail("slotId", slotID).WithDetail("memberId", memberID)
	}
	s.Assignments = append(s.Assignments[:idx], s.Assignments[idx+1:]...)
	if s.assignedCount() == 0 {
		s.Status = SlotOpen
	} else if s.assignedCount() < s.MaxAssignees {
		s.Status = SlotPartiallyFilled
	}
	out := *s
	e.mu.Unlock()

	now := time.Now().UnixMilli()
	e.publish(events.TypeMemberUnassignedFromSlot, now, map[string]any{"slotId": slotID, "memberId": memberID})
	e.log.Info("member unassigned from slot", zap.String("slotId", slotID), zap.String("memberId", memberID))
	return out, nil
}

// GetSlot returns a snapshot of one slot.
func (e *Engine) GetSlot(slotID string) (Slot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[slotID]
	if !ok {
		return Slot{}, cellerr.Newf(cellerr.CodeSlotNotFound, "slot %s not found", slotID).WithDetail("slotId", slotID)
	}
	return *s, nil
}

// ListSlots enumerates every slot.
func (e *Engine) ListSlots() []Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Slot, 0, len(e.slots))
	for _, s := range e.slots {
		out = append(out, *s)
	}
	return out
}

// CheckCoverageFeasibility computes per-category required vs.
// available hours for the week starting at weekStart, distributing
// each member's available hours across categories proportional to
// skill.
func (e *Engine) CheckCoverageFeasibility(weekStart, weekEnd int64) FeasibilityReport {
	e.mu.Lock()
	required := make(map[string]float64)
	for _, s := range e.slots {
		if s.Start >= weekStart && s.Start < weekEnd {
			required[s.Category] += s.HoursRequired
		}
	}
	available := make(map[string]float64)
	for _, memberID := range e.supplyOrder {
		supply := e.supplies[memberID]
		var skillSum float64
		for _, v := range supply.Skills {
			skillSum += v
		}
		if skillSum <= 0 {
			continue
		}
		for cat, skill := range supply.Skills {
			available[cat] += supply.WeeklyAvailableHours * (skill / skillSum)
		}
	}
	e.mu.Unlock()

	report := FeasibilityReport{WeekStart: weekStart}
	for _, cat := range e.params.CategoryPriority {
		req, avail := required[cat], available[cat]
		if req <= 0 {
			continue
		}
		gap := CoverageGap{Category: cat, RequiredHours: req, AvailableHours: avail}
		if avail < req {
			gap.ShortfallHours = req - avail
			report.Gaps = append(report.Gaps, gap)
			report.Bottlenecks = append(report.Bottlenecks, cat)
			report.Recommendations = append(report.Recommendations, fmt.Sprintf("recruit or reskill members toward %s: short %.1f hours", cat, gap.ShortfallHours))
		} else {
			report.Gaps = append(report.Gaps, gap)
		}
	}
	return report
}

// GetCoverageReport tallies slot-fill and hour-completion ratios
// globally and per category.
func (e *Engine) GetCoverageReport() CoverageReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := CoverageReport{ByCategory: make(map[string]CategoryCoverage)}
	for _, s := range e.slots {
		cc := report.ByCategory[s.Category]
		cc.TotalSlots++
		cc.HoursRequired += s.HoursRequired
		report.TotalSlots++
		report.HoursRequired += s.HoursRequired

		if s.Status == SlotFilled || s.Status == SlotCompleted {
			cc.FilledSlots++
			report.FilledSlots++
		}
		for _, a := range s.Assignments {
			if a.Status == AssignmentCompleted {
				cc.HoursCompleted += a.HoursAwarded
				report.HoursCompleted += a.HoursAwarded
			}
		}
		report.ByCategory[s.Category] = cc
	}

	if report.TotalSlots > 0 {
		report.SlotFillRatio = float64(report.FilledSlots) / float64(report.TotalSlots)
	}
	if report.HoursRequired > 0 {
		report.HourCompletionRatio = report.HoursCompleted / report.HoursRequired
	}
	for cat, cc := range report.ByCategory {
		if cc.TotalSlots > 0 {
			cc.SlotFillRatio = float64(cc.FilledSlots) / float64(cc.TotalSlots)
		}
		if cc.HoursRequired > 0 {
			cc.HourCompletionRatio = cc.HoursCompleted / cc.HoursRequired
		}
		report.ByCategory[cat] = cc
	}
	return report
}

func (e *Engine) publish(typ events.Type, timestamp int64, payload any) {
	if e.sink == nil {
		return
	}
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()
	e.sink.Publish(events.New(e.cellID, typ, timestamp, seq, payload))
}
