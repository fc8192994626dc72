// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transaction

import (
	"testing"

	"github.com/luxfi/cellcredit/cellconfig"
	"github.com/luxfi/cellcredit/cellerr"
	"github.com/luxfi/cellcredit/crypto"
	"github.com/luxfi/cellcredit/crypto/testsigner"
	"github.com/luxfi/cellcredit/events"
	"github.com/luxfi/cellcredit/identity"
	"github.com/luxfi/cellcredit/ledger"
	log "github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ledger     *ledger.Engine
	identities *identity.Engine
	txEngine   *Engine
	signer     crypto.Signer
	aliceID    string
	aliceKeys  crypto.KeyPair
	bobID      string
	bobKeys    crypto.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.NewTestLogger(log.InfoLevel)
	l := ledger.New("cell-1", cellconfig.Default().Ledger, events.NopSink{}, logger)
	signer := testsigner.New()
	idEngine := identity.New(signer, l, logger)
	txEngine := New(l, idEngine, signer, logger)

	aliceKeys, err := signer.GenerateKeyPair()
	require.NoError(t, err)
	bobKeys, err := signer.GenerateKeyPair()
	require.NoError(t, err)

	alice, err := idEngine.CreateIdentity(aliceKeys.PublicKey, nil)
	require.NoError(t, err)
	bob, err := idEngine.CreateIdentity(bobKeys.PublicKey, nil)
	require.NoError(t, err)
	require.NoError(t, idEngine.Admit(alice.MemberID))
	require.NoError(t, idEngine.Admit(bob.MemberID))

	return &fixture{
		ledger: l, identities: idEngine, txEngine: txEngine, signer: signer,
		aliceID: alice.MemberID, aliceKeys: aliceKeys,
		bobID: bob.MemberID, bobKeys: bobKeys,
	}
}

func (f *fixture) signBoth(t *testing.T, txID string) {
	t.Helper()
	tx, err := f.txEngine.GetByID(txID)
	require.NoError(t, err)
	msg, err := canonicalMessage(&tx)
	require.NoError(t, err)

	payerSig, err := f.signer.Sign(msg, f.aliceKeys.SecretKey)
	require.NoError(t, err)
	_, err = f.txEngine.SignAsPayer(txID, payerSig)
	require.NoError(t, err)

	payeeSig, err := f.signer.Sign(msg, f.bobKeys.SecretKey)
	require.NoError(t, err)
	_, err = f.txEngine.SignAsPayee(txID, payeeSig)
	require.NoError(t, err)
}

func TestCreateSignExecute_HappyPath(t *testing.T) {
	f := newFixture(t)
	tx, err := f.txEngine.Create(f.aliceID, f.bobID, 50, "firewood")
	require.NoError(t, err)
	require.Equal(t, StatusPending, tx.Status)

	f.signBoth(t, tx.ID)

	signed, err := f.txEngine.GetByID(tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, signed.Status)

	executed, err := f.txEngine.Execute(tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, executed.Status)

	alice, err := f.ledger.GetMemberState(f.aliceID)
	require.NoError(t, err)
	bob, err := f.ledger.GetMemberState(f.bobID)
	require.NoError(t, err)
	require.EqualValues(t, -50, alice.Balance)
	require.EqualValues(t, 50, bob.Balance)
}

func TestCreate_RejectsSelfAndNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.txEngine.Create(f.aliceID, f.aliceID, 10, "x")
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeSelfTransaction))

	_, err = f.txEngine.Create(f.aliceID, f.bobID, 0, "x")
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeInvalidAmount))
}

func TestSignAsPayer_WrongKeyRejected(t *testing.T) {
	f := newFixture(t)
	tx, err := f.txEngine.Create(f.aliceID, f.bobID, 10, "x")
	require.NoError(t, err)

	msg, err := canonicalMessage(&tx)
	require.NoError(t, err)
	wrongSig, err := f.signer.Sign(msg, f.bobKeys.SecretKey)
	require.NoError(t, err)

	_, err = f.txEngine.SignAsPayer(tx.ID, wrongSig)
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeInvalidPayerSignature))
}

func TestExecute_RevalidatesCapacityAtExecutionTime(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.UpdateMemberLimit(f.aliceID, 40))

	tx, err := f.txEngine.Create(f.aliceID, f.bobID, 40, "x")
	require.NoError(t, err)
	f.signBoth(t, tx.ID)

	// Alice's capacity shrinks below the signed amount before execution.
	require.NoError(t, f.ledger.UpdateMemberLimit(f.aliceID, 10))

	_, err = f.txEngine.Execute(tx.ID)
	require.Error(t, err)
	require.True(t, cellerr.Is(err, cellerr.CodeInsufficientCapacity))

	failed, err := f.txEngine.GetByID(tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
}

func TestOfflineQueue_DedupsByPayerAndNonce(t *testing.T) {
	f := newFixture(t)
	tx, err := f.txEngine.Create(f.aliceID, f.bobID, 10, "x")
	require.NoError(t, err)
	f.signBoth(t, tx.ID)

	require.NoError(t, f.txEngine.Enqueue(tx.ID))
	require.NoError(t, f.txEngine.Enqueue(tx.ID))
	require.Equal(t, 1, f.txEngine.QueueLength())

	f.txEngine.Drain()
	require.Equal(t, 0, f.txEngine.QueueLength())

	executed, err := f.txEngine.GetByID(tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, executed.Status)
}
