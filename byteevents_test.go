// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ije/upsession/codec/http1"
	"github.com/ije/upsession/wire"
)

// newIdleSession builds a Session with none of its event-loop goroutines
// started, for tests that want to drive its unexported helpers directly
// from the test goroutine.
func newIdleSession(t *testing.T) *Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewSession(a, http1.NewCodec(), NewOptions())
}

func TestByteEventTrackerFiresInOffsetOrderAndRemoves(t *testing.T) {
	sess := newIdleSession(t)
	txn := newTransactionState(sess, newFakeHandler(), 1, wire.DirEgress, 0)
	tr := newByteEventTracker(sess)

	tr.addFirstHeaderByteEvent(10, txn)
	tr.addLastByteEvent(20, txn)
	require.EqualValues(t, 2, txn.pendingByteEventCount())

	tr.onWriteSuccess(5)
	assert.EqualValues(t, 2, txn.pendingByteEventCount(), "nothing acked yet at offset 5")
	assert.Equal(t, 2, tr.events.Len())

	tr.onWriteSuccess(10)
	assert.EqualValues(t, 1, txn.pendingByteEventCount(), "first-header event at offset 10 fires")
	assert.Equal(t, 1, tr.events.Len())

	tr.onWriteSuccess(20)
	assert.EqualValues(t, 0, txn.pendingByteEventCount())
	assert.Equal(t, 0, tr.events.Len())
}

func TestByteEventTrackerFireDetachesReadyTransaction(t *testing.T) {
	sess := newIdleSession(t)
	txn := newTransactionState(sess, newFakeHandler(), 3, wire.DirEgress, 0)
	sess.txns[txn.id] = txn
	txn.egressComplete = true
	txn.ingressComplete = true

	tr := newByteEventTracker(sess)
	tr.addLastByteEvent(100, txn)

	tr.onWriteSuccess(100)

	assert.True(t, txn.detached, "last pending byte event clearing should trigger detach")
	_, stillPresent := sess.txns[txn.id]
	assert.False(t, stillPresent)
}

func TestByteEventTrackerDropRemovesWithoutFiring(t *testing.T) {
	sess := newIdleSession(t)
	txnA := newTransactionState(sess, newFakeHandler(), 1, wire.DirEgress, 0)
	txnA.egressComplete = true
	txnA.ingressComplete = true
	txnB := newTransactionState(sess, newFakeHandler(), 3, wire.DirEgress, 0)

	tr := newByteEventTracker(sess)
	tr.addFirstHeaderByteEvent(10, txnA)
	tr.addLastByteEvent(20, txnA)
	tr.addFirstHeaderByteEvent(15, txnB)

	tr.drop(txnA)

	assert.EqualValues(t, 0, txnA.pendingByteEventCount())
	assert.False(t, txnA.detached, "drop must not fire events, only remove them")
	assert.EqualValues(t, 1, txnB.pendingByteEventCount())
	assert.Equal(t, 1, tr.events.Len())
}

func TestByteEventTrackerPingReplyEventDoesNotTouchATransaction(t *testing.T) {
	sess := newIdleSession(t)
	tr := newByteEventTracker(sess)
	tr.addPingReplyEvent(5)
	assert.NotPanics(t, func() { tr.onWriteSuccess(5) })
	assert.Equal(t, 0, tr.events.Len())
}

func TestByteEventTrackerPreSendDefaultsToTrue(t *testing.T) {
	sess := newIdleSession(t)
	tr := newByteEventTracker(sess)
	assert.True(t, tr.preSend())
}
