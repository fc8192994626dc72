// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transaction

import (
	"github.com/luxfi/cellcredit/cellerr"
	"go.uber.org/zap"
)

// Enqueue appends a fully-signed (READY) transaction to the offline
// FIFO queue, deduping on (payer, nonce) so a transaction replayed by
// a flaky peer is queued at most once.
func (e *Engine) Enqueue(txID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, ok := e.transactions[txID]
	if !ok {
		return cellerr.Newf(cellerr.CodeInvalidTransactionState, "transaction %s not found", txID).WithDetail("txId", txID)
	}
	if tx.Status != StatusReady {
		return cellerr.Newf(cellerr.CodeTransactionNotReady, "transaction %s is not READY", txID).WithDetail("txId", txID)
	}

	key := nonceKey(tx.Payer, tx.Nonce)
	if e.nonceSeen[key] {
		return nil
	}
	e.nonceSeen[key] = true
	e.queue = append(e.queue, QueueEntry{TransactionID: txID})
	return nil
}

// Drain executes every queued transaction in FIFO order. A transaction
// that fails on a deterministic ledger error is re-queued at the back
// with its attempt count incremented and its last error recorded,
// rather than retried in the same pass.
func (e *Engine) Drain() {
	e.mu.Lock()
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	var retry []QueueEntry
	for _, entry := range pending {
		_, err := e.Execute(entry.TransactionID)
		if err != nil {
			entry.Attempts++
			entry.LastError = err.Error()
			retry = append(retry, entry)
			e.log.Warn("offline transaction execution failed, re-queued", zap.String("txId", entry.TransactionID), zap.Int("attempts", entry.Attempts), zap.Error(err))
		}
	}

	e.mu.Lock()
	e.queue = append(e.queue, retry...)
	e.mu.Unlock()
}

// QueueLength reports how many transactions are currently queued.
func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// QueueSnapshot returns a copy of the current queue contents, in order.
func (e *Engine) QueueSnapshot() []QueueEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QueueEntry, len(e.queue))
	copy(out, e.queue)
	return out
}
