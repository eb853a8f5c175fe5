// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import (
	"sync/atomic"
	"time"

	"github.com/ije/upsession/wire"
)

// Handler is application code's view of one transaction: the callbacks a
// Session drives as ingress events and lifecycle notifications arrive.
// It is the user-visible, application-facing object;
// the *transaction* struct in this file is the session-owned plumbing
// behind it.
type Handler interface {
	// SetTransaction is called once, synchronously, when the session
	// creates the transaction, before any other Handler method fires.
	SetTransaction(t Transaction)

	OnHeaders(msg *wire.Message, eom bool)
	OnBody(data []byte)
	OnTrailers(msg *wire.Message)
	OnEOM()
	OnError(err error)
	OnGoaway(err error)
	OnEgressPaused()
	OnEgressResumed()
}

// Transaction is the narrow interface application code drives egress
// through.
type Transaction interface {
	ID() wire.StreamID
	Direction() wire.Direction
	ParentID() wire.StreamID

	SendHeaders(msg *wire.Message, eom bool) error
	SendBody(data []byte, eom bool) error
	SendEOM() error
	SendAbort(code wire.ErrorCode) error
	SendPriority(update wire.PriorityUpdate) wire.StreamID
	UpdateWindow(delta uint32) error

	SendWindow() int64
	IsEgressComplete() bool
	IsIngressComplete() bool

	PauseIngress()
	ResumeIngress()

	SetIdleTimeout(d time.Duration)
}

// transaction is the session-side bookkeeping for one stream: the per
// stream state the session drives ingress into and accepts egress from.
// It never talks to the wire directly; it calls back into the owning
// session, which serializes through the codec.
type transaction struct {
	sess *Session // back-reference; never owns
	h    Handler

	id        wire.StreamID
	direction wire.Direction
	parentID  wire.StreamID // 0 unless push or exchanged

	flow *flowController

	egressComplete  bool
	ingressComplete bool

	egressPaused  bool
	ingressPaused bool

	pendingByteEvents int32 // atomic: touched only from session goroutine in practice, atomic for defensive clarity

	idleTimeout time.Duration
	idleTimer   *time.Timer
	idleEpoch   uint64

	detached bool
}

func newTransactionState(sess *Session, h Handler, id wire.StreamID, dir wire.Direction, parentID wire.StreamID) *transaction {
	t := &transaction{
		sess:      sess,
		h:         h,
		id:        id,
		direction: dir,
		parentID:  parentID,
		flow:      newFlowController(sess.codec.DefaultWindowSize(), sess.opts.InitialRecvWindowPerStream),
	}
	h.SetTransaction(t)
	return t
}

func (t *transaction) ID() wire.StreamID        { return t.id }
func (t *transaction) Direction() wire.Direction { return t.direction }
func (t *transaction) ParentID() wire.StreamID  { return t.parentID }

func (t *transaction) SendWindow() int64 { return t.flow.SendWindow() }

func (t *transaction) IsEgressComplete() bool  { return t.egressComplete }
func (t *transaction) IsIngressComplete() bool { return t.ingressComplete }

func (t *transaction) incrementPendingByteEvents() {
	atomic.AddInt32(&t.pendingByteEvents, 1)
}
func (t *transaction) decrementPendingByteEvents() {
	atomic.AddInt32(&t.pendingByteEvents, -1)
}
func (t *transaction) pendingByteEventCount() int32 {
	return atomic.LoadInt32(&t.pendingByteEvents)
}

// readyToDetach reports whether this transaction is done on both legs:
// egress complete AND ingress complete AND pendingByteEvents == 0.
func (t *transaction) readyToDetach() bool {
	return t.egressComplete && t.ingressComplete && t.pendingByteEventCount() == 0
}

func (t *transaction) SendHeaders(msg *wire.Message, eom bool) error {
	return t.sess.egressSendHeaders(t, msg, eom)
}
func (t *transaction) SendBody(data []byte, eom bool) error {
	return t.sess.egressSendBody(t, data, eom)
}
func (t *transaction) SendEOM() error {
	return t.sess.egressSendEOM(t)
}
func (t *transaction) SendAbort(code wire.ErrorCode) error {
	return t.sess.egressSendAbort(t, code)
}
func (t *transaction) SendPriority(update wire.PriorityUpdate) wire.StreamID {
	return t.sess.egressSendPriority(t.id, update)
}
func (t *transaction) UpdateWindow(delta uint32) error {
	return t.sess.egressUpdateWindow(t, delta)
}

func (t *transaction) PauseIngress()  { t.ingressPaused = true }
func (t *transaction) ResumeIngress() { t.ingressPaused = false }

func (t *transaction) SetIdleTimeout(d time.Duration) {
	t.idleTimeout = d
	t.sess.rearmIdleTimeout(t)
}

// --- ingress dispatch surface, called only by session ---

func (t *transaction) onIngressHeadersComplete(msg *wire.Message, eom bool) {
	t.sess.rearmIdleTimeout(t)
	if eom {
		t.ingressComplete = true
	}
	t.h.OnHeaders(msg, eom)
	if eom {
		t.h.OnEOM()
	}
}

func (t *transaction) onIngressBody(data []byte) {
	t.sess.rearmIdleTimeout(t)
	t.h.OnBody(data)
}

func (t *transaction) onIngressTrailers(msg *wire.Message) {
	t.h.OnTrailers(msg)
}

func (t *transaction) onIngressEOM() {
	t.ingressComplete = true
	t.h.OnEOM()
}

func (t *transaction) onError(err error) {
	t.h.OnError(err)
}

func (t *transaction) onGoaway(err error) {
	t.h.OnGoaway(err)
}

func (t *transaction) onEgressPausedNotify() {
	if t.egressPaused {
		return
	}
	t.egressPaused = true
	t.h.OnEgressPaused()
}

func (t *transaction) onEgressResumedNotify() {
	if !t.egressPaused {
		return
	}
	t.egressPaused = false
	t.h.OnEgressResumed()
}
