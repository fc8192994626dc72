// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cell wires one cell's full engine graph in leaves-first
// dependency order (ledger, identity, transaction, commitment,
// governance and scheduler, emergency, federation). The
// governance<->emergency cyclic reference is resolved by constructing
// both sides then injecting the late-bound capability via a setter;
// federation, built last, receives the emergency engine in its
// constructor.
package cell

import (
	"encoding/json"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/commitment"
	"github.com/luxfi/cellcredit/crypto"
	"github.com/luxfi/cellcredit/emergency"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/federation"
	"github.com/luxfi/cellcredit/governance"
	"github.com/luxfi/cellcredit/identity"
	"github.com/luxfi/cellcredit/ledger"
	"github.com/luxfi/cellcredit/scheduler"
	"github.com/luxfi/cellcredit/storage"
	"github.com/luxfi/cellcredit/storage/memstore"
	"github.com/luxfi/cellcredit/transaction"
	log "github.com/luxfi/log"
	"go.uber.org/zap"
)

const ledgerStateBucket = "ledger.state"

// Cell is the fully wired per-community aggregate: one instance of
// every engine, sharing one cell id, one persistence adapter, and one
// logger.
type Cell struct {
	ID string

	Ledger      *ledger.Engine
	Identity    *identity.Engine
	Transaction *transaction.Engine
	Commitment  *commitment.Engine
	Governance  *governance.Engine
	Scheduler   *scheduler.Engine
	Emergency   *emergency.Engine
	Federation  *federation.Engine

	store storage.Store
	log   log.Logger
}

// New constructs a complete cell: Ledger, then Identity, Transaction,
// Commitment, then Governance and Scheduler (both depending only on
// the leaves already built), then Emergency (depending on Governance's
// dispute count through the DisputeSource capability), then Federation
// (depending on Emergency's frozen/beta view), and finally injects
// Emergency back into Governance, Scheduler, and Identity via their
// setters, closing the remaining cyclic references.
//
// store is the persistence adapter every engine's committed events are
// bridged into (durable append, deduplicated by event id) and that
// ledger state is saved to/loaded from. A nil store defaults to an
// in-process storage/memstore.Store; production callers pass a
// storage/dbstore.Store wrapping an open github.com/luxfi/database
// handle instead.
func New(id string, cfg *cellconfig.Config, signer crypto.Signer, store storage.Store, logger log.Logger) (*Cell, error) {
	if store == nil {
		store = memstore.New()
	}
	sink := events.Sink(eventStoreSink{store: store, log: logger})

	ledgerEngine := ledger.New(id, cfg.Ledger, sink, logger)
	identityEngine := identity.New(signer, ledgerEngine, logger)
	transactionEngine := transaction.New(ledgerEngine, identityEngine, signer, logger)
	commitmentEngine := commitment.New(id, ledgerEngine, sink, logger)

	governanceEngine := governance.New(id, cfg.Governance, ledgerEngine, identityEngine, commitmentEngine, transactionEngine, sink, logger)
	schedulerEngine := scheduler.New(id, cfg.Scheduler, ledgerEngine, commitmentEngine, nil, sink, logger)

	emergencyEngine := emergency.New(id, cfg.Emergency, ledgerEngine, governanceEngine, sink, logger)

	federationEngine, err := federation.New(id, cfg.Federation, ledgerEngine, emergencyEngine, sink, logger)
	if err != nil {
		return nil, err
	}

	governanceEngine.SetEmergencyTransitioner(emergencyEngine)
	schedulerEngine.SetPriorityPolicy(emergencyPriorityView{emergencyEngine})
	identityEngine.SetAdmissionPolicy(emergencyAdmissionView{emergencyEngine})

	return &Cell{
		ID:          id,
		Ledger:      ledgerEngine,
		Identity:    identityEngine,
		Transaction: transactionEngine,
		Commitment:  commitmentEngine,
		Governance:  governanceEngine,
		Scheduler:   schedulerEngine,
		Emergency:   emergencyEngine,
		Federation:  federationEngine,
		store:       store,
		log:         logger,
	}, nil
}

// eventStoreSink bridges every engine's events.Sink.Publish into the
// persistence façade's EventStore, JSON-marshaling the event and
// appending it keyed by its own dedup id so a replayed publish is a
// no-op at the storage layer.
type eventStoreSink struct {
	store storage.EventStore
	log   log.Logger
}

func (s eventStoreSink) Publish(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.log.Error("event marshal failed", zap.String("eventId", e.ID), zap.Error(err))
		return
	}
	if err := s.store.AppendEvent(e.CellID, e.ID, payload); err != nil {
		s.log.Error("event append failed", zap.String("eventId", e.ID), zap.Error(err))
	}
}

// SaveLedgerState persists the ledger's current aggregate to the
// cell's storage.Store.
func (c *Cell) SaveLedgerState() error {
	return storage.Save(c.store, ledgerStateBucket, c.ID, c.Ledger.ExportState(), func(s ledger.CellLedgerState) ([]byte, error) {
		return json.Marshal(s)
	})
}

// LoadLedgerState restores the ledger's aggregate from the cell's
// storage.Store, replacing its in-memory
// state wholesale.
func (c *Cell) LoadLedgerState() error {
	result := storage.Load(c.store, ledgerStateBucket, c.ID, func(raw []byte) (ledger.CellLedgerState, error) {
		var state ledger.CellLedgerState
		err := json.Unmarshal(raw, &state)
		return state, err
	})
	state, err := result.Unwrap()
	if err != nil {
		return err
	}
	c.Ledger.ImportState(state)
	return nil
}

// emergencyPriorityView adapts emergency.Engine's published policy
// vector to scheduler.PriorityPolicy, the same narrow-capability
// pattern as governance.EmergencyTransitioner and
// federation.EmergencyView.
type emergencyPriorityView struct {
	e *emergency.Engine
}

func (v emergencyPriorityView) DebtorPriorityEnabled() bool {
	return v.e.GetPolicy().DebtorPriorityMatching
}

// emergencyAdmissionView adapts the policy vector to
// identity.AdmissionPolicy so new members admitted under stress start
// with a scaled-down limit.
type emergencyAdmissionView struct {
	e *emergency.Engine
}

func (v emergencyAdmissionView) NewMemberLimitFactor() float64 {
	return v.e.GetPolicy().NewMemberLimitFactor
}

// Snapshot aggregates a point-in-time read of every engine's public
// state; no single engine otherwise reports cross-engine status in
// one call.
type Snapshot struct {
	CellID             string
	Members            map[string]ledger.MemberState
	LedgerStats        ledger.Statistics
	RiskState          emergency.RiskState
	Indicators         emergency.Indicators
	FederationStatus   federation.CellStatus
	FederationCap      int64
	FederationPosition int64
	CoverageReport     scheduler.CoverageReport
}

// Snapshot builds one consistent-enough read across every engine;
// reads may interleave with an in-flight
// mutation on a single engine but never observe a torn write within
// any one engine's own state.
func (c *Cell) Snapshot() Snapshot {
	status, _ := c.Federation.GetStatus()
	return Snapshot{
		CellID:             c.ID,
		Members:            c.Ledger.GetAllMemberStates(),
		LedgerStats:        c.Ledger.GetStatistics(),
		RiskState:          c.Emergency.GetState(),
		Indicators:         c.Emergency.GetIndicators(),
		FederationStatus:   status,
		FederationCap:      c.Federation.GetExposureCap(),
		FederationPosition: c.Federation.GetFederationPosition(),
		CoverageReport:     c.Scheduler.GetCoverageReport(),
	}
}
