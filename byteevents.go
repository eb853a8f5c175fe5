// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import "container/list"

// byteEventKind tags what a ByteEvent represents.
type byteEventKind uint8

const (
	byteEventFirstHeaderByte byteEventKind = iota
	byteEventLastByteFlushed
	byteEventPingReply
)

// byteEvent is one entry in the tracker's ordered queue: an offset
// (monotone, relative to total bytes this session has handed the
// transport), a kind, and a weak reference to the transaction it fires on.
// "Weak" here just means the tracker never keeps a transaction alive by
// itself; decrementPendingByteEvents is always paired with the matching
// increment so the transaction can detach once its count hits zero.
type byteEvent struct {
	offset int64
	kind   byteEventKind
	txn    *transaction // nil for connection-scoped events (e.g. ping reply)
}

// byteEventTracker is the ordered, offset-tagged event queue drained on
// write completion. It can be swapped wholesale (tests substitute a
// mock) via Session.SetByteEventTracker.
type byteEventTracker interface {
	// The add* methods register an event at the offset the caller passes:
	// the session uses one past the bytes already queued for a first
	// header byte, and the end of the frame being queued for a last byte
	// or a ping reply.
	addPingReplyEvent(offset int64)
	addFirstHeaderByteEvent(offset int64, txn *transaction)
	addLastByteEvent(offset int64, txn *transaction)

	// onWriteSuccess reports cumulative acknowledged bytes and fires every
	// event whose offset is <= ack, in order, then removes them.
	onWriteSuccess(cumulativeAck int64)

	// preSend gates sending: returning false means "don't write yet".
	// Returns true (no gate) unless a test installs a different tracker.
	preSend() bool

	drop(txn *transaction)
}

// defaultByteEventTracker is the production implementation: a doubly
// linked list kept in offset order (insertion order == offset order).
type defaultByteEventTracker struct {
	events *list.List // of *byteEvent
	sess   *Session
}

func newByteEventTracker(sess *Session) *defaultByteEventTracker {
	return &defaultByteEventTracker{events: list.New(), sess: sess}
}

func (t *defaultByteEventTracker) addPingReplyEvent(offset int64) {
	t.events.PushBack(&byteEvent{offset: offset, kind: byteEventPingReply})
}

func (t *defaultByteEventTracker) addFirstHeaderByteEvent(offset int64, txn *transaction) {
	txn.incrementPendingByteEvents()
	t.events.PushBack(&byteEvent{offset: offset, kind: byteEventFirstHeaderByte, txn: txn})
}

func (t *defaultByteEventTracker) addLastByteEvent(offset int64, txn *transaction) {
	txn.incrementPendingByteEvents()
	t.events.PushBack(&byteEvent{offset: offset, kind: byteEventLastByteFlushed, txn: txn})
}

func (t *defaultByteEventTracker) onWriteSuccess(cumulativeAck int64) {
	for e := t.events.Front(); e != nil; {
		ev := e.Value.(*byteEvent)
		if ev.offset > cumulativeAck {
			break
		}
		next := e.Next()
		t.events.Remove(e)
		e = next
		t.fire(ev)
	}
}

func (t *defaultByteEventTracker) fire(ev *byteEvent) {
	switch ev.kind {
	case byteEventFirstHeaderByte:
		ev.txn.decrementPendingByteEvents()
		t.sess.maybeDetach(ev.txn)
	case byteEventLastByteFlushed:
		ev.txn.decrementPendingByteEvents()
		t.sess.maybeDetach(ev.txn)
	case byteEventPingReply:
		t.sess.info.OnPingReplyFlushed(t.sess)
	}
}

func (t *defaultByteEventTracker) preSend() bool { return true }

// drop removes every pending event referencing txn without firing them,
// used when a transaction is torn down abnormally (RST, dropConnection).
func (t *defaultByteEventTracker) drop(txn *transaction) {
	for e := t.events.Front(); e != nil; {
		ev := e.Value.(*byteEvent)
		next := e.Next()
		if ev.txn == txn {
			t.events.Remove(e)
			ev.txn.decrementPendingByteEvents()
		}
		e = next
	}
}
