// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

// Package upsession implements the client-side upstream HTTP session core:
// the state machine that multiplexes application-level transactions over
// one byte-oriented, ordered, reliable transport connection, riding
// HTTP/1.x, SPDY/3.x or HTTP/2 underneath a wire.Codec. See doc.go for the
// goroutine/channel architecture.
package upsession

import (
	"errors"
	"io"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ije/upsession/wire"
	"golang.org/x/sync/semaphore"
)

// sessionState is the session-level state machine.
type sessionState uint8

const (
	stateUnstarted sessionState = iota
	stateRunning
	stateDraining
	stateClosing
	stateClosed
)

// Session is the conductor: it owns the codec, the
// transaction map, a write buffer, the drain manager, the byte-event
// tracker, a connection-level flow controller, the priority tree, and the
// InfoCallback observer.
type Session struct {
	transport io.ReadWriteCloser
	codec     wire.Codec
	opts      Options
	logger    *log.Logger
	info      InfoCallback

	state sessionState

	txns map[wire.StreamID]*transaction

	connFlow *flowController // nil when !codec.SupportsStreamFlowControl()
	priTree  *priorityTree
	bytes    byteEventTracker
	drainMgr *drainManager
	upgrade  upgradeBridge

	outSem *semaphore.Weighted

	// onLoop is true while run() is synchronously inside one case body
	// (ingress dispatch, a write result, or a dequeued egress op). A
	// Handler callback invoked from there runs on this same goroutine, so
	// egress methods it calls back into (SendBody from OnEgressResumed,
	// from Expect: 100-continue's OnHeaders, ...) must execute inline
	// instead of trying to hand themselves back to this goroutine over
	// egressCh, which would deadlock.
	onLoop atomic.Bool

	lastGoodAcked wire.StreamID // highest peer-visible stream id we have acknowledged inbound

	writeBufLen  int
	egressPaused bool
	readPaused   bool

	cumulativeWritten int64 // total bytes handed to the transport so far
	cumulativeAcked   int64 // total bytes the transport has confirmed written

	pendingWrite  []byte // bytes queued, not yet handed to the writer goroutine
	writeInFlight bool

	ingressCh    chan []byte
	ingressErrCh chan error
	writeReqCh   chan []byte
	writeDoneCh  chan writeResult
	egressCh     chan func()
	closeCh      chan struct{}
	doneCh       chan struct{}
}

type writeResult struct {
	n   int
	err error
}

// NewSession constructs a Session bound to transport and codec. Call
// StartNow to begin the event loop; until then the session is Unstarted
// and NewTransaction returns nil.
func NewSession(transport io.ReadWriteCloser, codec wire.Codec, opts Options) *Session {
	opts.setDefaults()
	s := &Session{
		transport:    transport,
		codec:        codec,
		opts:         opts,
		logger:       opts.Logger,
		info:         opts.InfoCallback,
		txns:         make(map[wire.StreamID]*transaction),
		drainMgr:     newDrainManager(),
		ingressCh:    make(chan []byte, 4),
		ingressErrCh: make(chan error, 1),
		writeReqCh:   make(chan []byte, 4),
		writeDoneCh:  make(chan writeResult, 4),
		egressCh:     make(chan func(), 16),
		closeCh:      make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	s.priTree = newPriorityTree(codec)
	s.bytes = newByteEventTracker(s)
	if codec.SupportsStreamFlowControl() {
		s.connFlow = newFlowController(opts.ConnRecvWindow, opts.ConnRecvWindow)
	}
	if codec.SupportsParallelRequests() {
		s.outSem = semaphore.NewWeighted(int64(opts.MaxConcurrentOutgoingStreams))
	}
	codec.SetCallback(s)
	s.info.OnCreate(s)
	return s
}

// SetByteEventTracker swaps the production tracker for a test double.
// Must be called before StartNow.
func (s *Session) SetByteEventTracker(t byteEventTracker) { s.bytes = t }

// StartNow transmits the connection preface, initial SETTINGS, any
// priority-tree bootstrap nodes, and the delta between configured and
// default recv windows, then starts the event loop goroutines. Moves the
// session from Unstarted to Running.
func (s *Session) StartNow() {
	if s.state != stateUnstarted {
		return
	}
	s.state = stateRunning

	buf := &bufWriter{}
	_ = s.codec.GenerateConnectionPreface(buf)
	_ = s.codec.GenerateSettings(buf, wire.Settings{
		InitialWindowSize:    s.opts.InitialRecvWindowPerStream,
		MaxConcurrentStreams: uint32(s.opts.MaxConcurrentOutgoingStreams),
	})
	if s.codec.SupportsStreamFlowControl() {
		if delta := int32(s.opts.ConnRecvWindow) - int32(defaultInitialRecvWindow); delta != 0 {
			_ = s.codec.GenerateWindowUpdate(buf, 0, uint32(delta))
		}
	}
	if s.opts.PriorityLevels > 0 {
		s.priTree.bootstrapLevels(s.opts.PriorityLevels, s.opts.HiPriWeight, s.opts.LoPriWeight,
			func(u wire.PriorityUpdate) wire.StreamID {
				id := s.codec.CreateStream()
				genBuf := &bufWriter{}
				_ = s.codec.GeneratePriority(genBuf, id, u)
				buf.b = append(buf.b, genBuf.b...)
				return id
			})
	}

	go s.readLoop()
	go s.writeLoop()
	go s.run()

	s.enqueueEgress(buf.Bytes(), nil)
}

// NewTransaction mints a new stream id from the codec, binds handler, and
// registers the transaction. Returns nil if the session cannot accept a
// new transaction right now (draining, closed, or a serial codec already
// has one in flight).
func (s *Session) NewTransaction(h Handler) Transaction {
	if s.state == stateUnstarted {
		return nil // no event loop yet to run the work
	}
	var t Transaction
	s.runOnLoopOrDone(func() { t = s.newTransactionSync(h) })
	return t
}

func (s *Session) newTransactionSync(h Handler) Transaction {
	if s.drainMgr.isDraining() || s.drainMgr.isClosed() || s.state == stateClosed || s.state == stateClosing {
		return nil
	}
	if !s.codec.SupportsParallelRequests() && len(s.txns) > 0 {
		return nil
	}
	if s.outSem != nil && !s.outSem.TryAcquire(1) {
		s.info.OnSettingsOutgoingStreamsFull(s)
		// the transaction is still created; it is reported full, not refused.
	}
	id := s.codec.CreateStream()
	t := newTransactionState(s, h, id, wire.DirEgress, 0)
	s.txns[id] = t
	if s.opts.MaxConcurrentOutgoingStreams == 0 {
		// an explicit cap of 0 means drain immediately.
		s.startDrainSync()
	}
	return t
}

func (s *Session) egressSendPriorityID(id wire.StreamID, update wire.PriorityUpdate) wire.StreamID {
	return s.priTree.sendPriority(id, update, func(u wire.PriorityUpdate) wire.StreamID {
		newID := s.codec.CreateStream()
		buf := &bufWriter{}
		_ = s.codec.GeneratePriority(buf, newID, u)
		s.enqueueEgress(buf.Bytes(), nil)
		return newID
	})
}

// egressSendPriority implements Transaction.SendPriority: it updates (or
// creates, if id == 0) a node for an existing stream id.
func (s *Session) egressSendPriority(id wire.StreamID, update wire.PriorityUpdate) wire.StreamID {
	var out wire.StreamID
	s.runOnLoop(func() {
		buf := &bufWriter{}
		_ = s.codec.GeneratePriority(buf, id, update)
		s.enqueueEgress(buf.Bytes(), nil)
		out = s.priTree.sendPriority(id, update, func(wire.PriorityUpdate) wire.StreamID { return id })
	})
	return out
}

// SendPriority is the public, session-scoped entry point for creating or
// updating a priority node. Pass id == 0 to create a new (virtual or
// real) node; otherwise update an existing one.
func (s *Session) SendPriority(id wire.StreamID, update wire.PriorityUpdate) wire.StreamID {
	var out wire.StreamID
	s.runOnLoop(func() { out = s.egressSendPriorityID(id, update) })
	return out
}

// Drain moves the session to the Draining phase: a GOAWAY is sent whose
// last-good-stream-id is the highest stream id acknowledged to the peer.
// Subsequent NewTransaction calls return nil; existing transactions
// complete normally.
func (s *Session) Drain() {
	s.runOnLoopOrDone(s.startDrainSync)
}

func (s *Session) startDrainSync() {
	if s.drainMgr.isClosed() {
		return
	}
	// GOAWAY generation happens first and is flushed ahead of whatever is
	// already queued (e.g. a HEADERS frame queued moments earlier in the
	// same turn), rather than waiting behind it.
	s.drainMgr.startDrain(s.lastGoodAcked)
	buf := &bufWriter{}
	_ = s.codec.GenerateGoaway(buf, s.drainMgr.lastSentGoodStreamID, wire.NoError)
	s.enqueueEgressFront(buf.Bytes())
	s.maybeCloseAfterDrain()
}

// DropConnection best-effort flushes a GOAWAY, then closes the transport;
// all remaining transactions receive ErrDropped and detach.
func (s *Session) DropConnection() {
	s.runOnLoopOrDone(s.dropConnectionSync)
}

func (s *Session) dropConnectionSync() {
	if s.drainMgr.isClosed() {
		return
	}
	buf := &bufWriter{}
	_ = s.codec.GenerateGoaway(buf, s.lastGoodAcked, wire.NoError)
	b := buf.Bytes()
	if len(b) > 6 {
		b = b[:6] // "dropConnection may emit a best-effort GOAWAY of up to 6 bytes"
	}
	_, _ = s.transport.Write(b)
	s.failAllTransactions(newSessionError(ErrDropped, DirEgress|DirIngress, 0))
	s.closeSync()
}

// Destroy performs graceful teardown once all transactions have detached.
func (s *Session) Destroy() {
	if s.onLoop.Load() {
		s.closeSync()
		return
	}
	select {
	case s.egressCh <- func() { s.closeSync() }:
	case <-s.doneCh:
	}
}

// RequestUpgrade arms an in-band protocol upgrade on t ahead of sending its
// headers (the caller is responsible for adding the Upgrade/Connection
// request headers themselves). If the peer answers with a 101 response
// whose Upgrade header names the offered protocol, the session swaps its
// codec for newCodec and the transaction continues under the new protocol
// on the same stream id; a 101 without such a header fails the
// transaction with ErrProtocolError and closes the session; any other
// response disarms the bridge and the transaction proceeds normally under
// the original codec.
func (s *Session) RequestUpgrade(t Transaction, protocol string, newCodec wire.Codec) bool {
	known, ok := supportedUpgradeProtocol(protocol)
	if !ok {
		return false
	}
	tx, ok := t.(*transaction)
	if !ok {
		return false
	}
	s.runOnLoop(func() { s.upgrade.arm(known, s.codec, newCodec, tx) })
	return true
}

// SetFlowControl applies the three recv-window knobs, sent to the peer
// as SETTINGS/WINDOW_UPDATE combinations.
func (s *Session) SetFlowControl(initialRecv, initialRecvPerStream, connRecv uint32) {
	s.runOnLoop(func() {
		s.opts.InitialRecvWindow = initialRecv
		s.opts.InitialRecvWindowPerStream = initialRecvPerStream
		buf := &bufWriter{}
		_ = s.codec.GenerateSettings(buf, wire.Settings{InitialWindowSize: initialRecvPerStream})
		if s.connFlow != nil && connRecv != 0 {
			delta := int32(connRecv) - int32(s.opts.ConnRecvWindow)
			s.opts.ConnRecvWindow = connRecv
			if delta != 0 {
				_ = s.codec.GenerateWindowUpdate(buf, 0, uint32(delta))
			}
		}
		s.enqueueEgress(buf.Bytes(), nil)
	})
}

// --- ingress dispatch: wire.Callback implementation ---
// These methods run only on the session goroutine (invoked synchronously
// from codec.OnIngress inside run()).

func (s *Session) OnHeadersComplete(id wire.StreamID, dir wire.Direction, assocID wire.StreamID, msg *wire.Message, eom bool) {
	t, ok := s.txns[id]
	if ok && s.upgrade.armed && t == s.upgrade.txn {
		s.onUpgradeResponseHeaders(t, msg, eom)
		return
	}
	if !ok {
		switch dir {
		case wire.DirIngress: // server push
			if _, assocOK := s.txns[assocID]; !assocOK {
				s.resetStream(id, wire.ProtocolError)
				s.resetStream(id, wire.ProtocolError) // secondary reset: no associated control stream
				return
			}
			// No push handler factory configured in this build: refuse.
			s.resetStream(id, wire.RefusedStream)
			return
		case wire.DirExchanged:
			// unknown associated control stream: silently drop.
			return
		default:
			s.resetStream(id, wire.ProtocolError)
			return
		}
	}
	if id > s.lastGoodAcked {
		s.lastGoodAcked = id
	}
	t.onIngressHeadersComplete(msg, eom)
	s.info.OnIngressMessage(s)
	if eom {
		s.maybeDetach(t)
	}
}

// onUpgradeResponseHeaders handles a response arriving on the single
// transaction an in-band upgrade was armed for: a 100 is informational and
// changes nothing, a 101 naming the offered protocol swaps the codec in
// place (any other 101 fails the transaction and closes the session),
// anything else disarms the bridge and lets the response proceed under
// the original codec.
func (s *Session) onUpgradeResponseHeaders(t *transaction, msg *wire.Message, eom bool) {
	switch msg.StatusCode {
	case 100:
		s.upgrade.got100 = true
		t.onIngressHeadersComplete(msg, false)
	case 101:
		matched := false
		for _, h := range msg.Headers {
			if got, ok := supportedUpgradeProtocol(h.Value); ok && got == s.upgrade.protocol && strings.EqualFold(h.Name, "upgrade") {
				matched = true
			}
		}
		if !matched {
			s.upgrade.disarm()
			s.failAllTransactions(newSessionError(ErrProtocolError, DirIngress, t.id))
			s.closeSync()
			return
		}
		newCodec := s.upgrade.postCodec
		s.upgrade.disarm()
		s.codec = newCodec
		newCodec.SetCallback(s)
		s.info.OnSessionCodecChange(s)
		t.onIngressHeadersComplete(msg, false)
	default:
		s.upgrade.disarm()
		if id := t.id; id > s.lastGoodAcked {
			s.lastGoodAcked = id
		}
		t.onIngressHeadersComplete(msg, eom)
		s.info.OnIngressMessage(s)
		if eom {
			s.maybeDetach(t)
		}
	}
}

func (s *Session) OnBody(id wire.StreamID, data []byte) {
	t, ok := s.txns[id]
	if !ok {
		return
	}
	if s.connFlow != nil {
		s.connFlow.consumeRecv(uint32(len(data)))
	}
	t.flow.consumeRecv(uint32(len(data)))
	t.onIngressBody(data)
}

func (s *Session) OnChunkHeader(wire.StreamID, int) {}
func (s *Session) OnChunkComplete(wire.StreamID)    {}

func (s *Session) OnTrailers(id wire.StreamID, msg *wire.Message) {
	if t, ok := s.txns[id]; ok {
		t.onIngressTrailers(msg)
	}
}

func (s *Session) OnMessageComplete(id wire.StreamID) {
	t, ok := s.txns[id]
	if !ok {
		return
	}
	t.onIngressEOM()
	s.maybeDetach(t)
}

func (s *Session) OnError(id wire.StreamID, err error, isNew bool) {
	if id == 0 {
		s.failAllTransactions(err)
		s.closeSync()
		return
	}
	t, ok := s.txns[id]
	if !ok {
		if isNew {
			s.resetStream(id, wire.ProtocolError)
		}
		return
	}
	serr := &SessionError{Kind: ErrIngressStateTransition, Direction: DirIngress, StreamID: id, Detail: err.Error()}
	t.onError(serr)
	s.detach(t)
}

func (s *Session) OnAbort(id wire.StreamID, code wire.ErrorCode) {
	t, ok := s.txns[id]
	if !ok {
		return
	}
	t.onError(newSessionErrorWithCodec(ErrConnectionReset, DirIngress, id, code))
	s.detach(t)
}

func (s *Session) OnGoaway(lastGood wire.StreamID, code wire.ErrorCode, debugData []byte) {
	s.drainMgr.onGoaway(lastGood)
	for _, id := range s.sortedTxnIDs() {
		if !s.drainMgr.survives(id) {
			t := s.txns[id]
			serr := newSessionErrorWithCodec(ErrStreamUnacknowledged, DirEgress, id, code)
			t.onGoaway(serr)
			s.detach(t)
		}
	}
	s.maybeCloseAfterDrain()
}

func (s *Session) OnSettings(set wire.Settings) {
	if set.InitialWindowSize != 0 {
		for _, t := range s.txns {
			if t.flow.setInitialSend(set.InitialWindowSize) {
				t.onEgressResumedNotify()
			}
		}
	}
	buf := &bufWriter{}
	_ = s.codec.GenerateSettingsAck(buf)
	s.enqueueEgress(buf.Bytes(), nil)
	s.info.OnSettings(s)
}

func (s *Session) OnSettingsAck() { s.info.OnSettingsAck(s) }

func (s *Session) OnWindowUpdate(id wire.StreamID, delta int32) {
	if id == 0 {
		if s.connFlow != nil {
			s.connFlow.replenishSend(delta)
		}
		return
	}
	t, ok := s.txns[id]
	if !ok {
		return
	}
	if t.flow.replenishSend(delta) {
		t.onEgressResumedNotify()
	}
}

func (s *Session) OnPriority(id wire.StreamID, update wire.PriorityUpdate) {
	s.priTree.sendPriority(id, update, func(wire.PriorityUpdate) wire.StreamID { return id })
}

func (s *Session) OnPingRequest(data [8]byte) {
	buf := &bufWriter{}
	_ = s.codec.GeneratePing(buf, data, true)
	endOffset := s.cumulativeWritten + int64(len(s.pendingWrite)) + int64(buf.Len())
	s.bytes.addPingReplyEvent(endOffset)
	s.enqueueEgress(buf.Bytes(), nil)
}

func (s *Session) OnPingReply([8]byte) {}

func (s *Session) OnFrameHeader(wire.StreamID, byte, int) {}

func (s *Session) OnPushMessageBegin(id wire.StreamID, assocID wire.StreamID) {
	if _, ok := s.txns[assocID]; !ok {
		s.resetStream(id, wire.ProtocolError)
	}
}

// --- egress operations invoked by a transaction ---

func (s *Session) egressSendHeaders(t *transaction, msg *wire.Message, eom bool) error {
	var err error
	s.runOnLoop(func() { err = s.egressSendHeadersSync(t, msg, eom) })
	return err
}

func (s *Session) egressSendHeadersSync(t *transaction, msg *wire.Message, eom bool) error {
	buf := &bufWriter{}
	var err error
	if t.parentID != 0 && t.direction == wire.DirExchanged {
		err = s.codec.GenerateExHeader(buf, t.id, msg, t.parentID, eom)
	} else {
		err = s.codec.GenerateHeader(buf, t.id, msg, eom)
	}
	if err != nil {
		return err
	}
	startOffset := s.cumulativeWritten + int64(len(s.pendingWrite)) + 1
	s.bytes.addFirstHeaderByteEvent(startOffset, t)
	if eom {
		t.egressComplete = true
	}
	s.enqueueEgress(buf.Bytes(), t)
	return nil
}

func (s *Session) egressSendBody(t *transaction, data []byte, eom bool) error {
	var err error
	s.runOnLoop(func() { err = s.egressSendBodySync(t, data, eom) })
	return err
}

func (s *Session) egressSendBodySync(t *transaction, data []byte, eom bool) error {
	avail := t.flow.SendWindow()
	if s.connFlow != nil {
		if connAvail := s.connFlow.SendWindow(); connAvail < avail {
			avail = connAvail
		}
	}
	if avail <= 0 {
		t.onEgressPausedNotify()
		s.info.OnFlowControlWindowExhausted(s)
		return errSendWindowExhausted
	}
	n := len(data)
	if int64(n) > avail {
		n = int(avail)
	}
	chunk := data[:n]
	buf := &bufWriter{}
	sendEOM := eom && n == len(data)
	if err := s.codec.GenerateBody(buf, t.id, chunk, 0, sendEOM); err != nil {
		return err
	}
	t.flow.reserveSend(uint32(n))
	if s.connFlow != nil {
		s.connFlow.reserveSend(uint32(n))
	}
	if sendEOM {
		t.egressComplete = true
		endOffset := s.cumulativeWritten + int64(len(s.pendingWrite)) + int64(buf.Len())
		s.bytes.addLastByteEvent(endOffset, t)
	}
	s.enqueueEgress(buf.Bytes(), t)
	if n < len(data) {
		return errShortSend
	}
	return nil
}

var (
	errSendWindowExhausted = errors.New("upsession: send window exhausted")
	errShortSend           = errors.New("upsession: body partially sent, flow-controlled")
)

func (s *Session) egressSendEOM(t *transaction) error {
	var err error
	s.runOnLoop(func() { err = s.egressSendEOMSync(t) })
	return err
}

func (s *Session) egressSendEOMSync(t *transaction) error {
	buf := &bufWriter{}
	err := s.codec.GenerateEOM(buf, t.id)
	if err != nil {
		return err
	}
	t.egressComplete = true
	endOffset := s.cumulativeWritten + int64(len(s.pendingWrite)) + int64(buf.Len())
	s.bytes.addLastByteEvent(endOffset, t)
	s.enqueueEgress(buf.Bytes(), t)
	s.maybeDetach(t)
	return nil
}

func (s *Session) egressSendAbort(t *transaction, code wire.ErrorCode) error {
	var err error
	s.runOnLoop(func() { err = s.egressSendAbortSync(t, code) })
	return err
}

func (s *Session) egressSendAbortSync(t *transaction, code wire.ErrorCode) error {
	buf := &bufWriter{}
	err := s.codec.GenerateRstStream(buf, t.id, code)
	if err != nil {
		return err
	}
	s.enqueueEgress(buf.Bytes(), t)
	t.egressComplete = true
	t.ingressComplete = true
	s.bytes.drop(t)
	s.maybeDetach(t)
	return nil
}

func (s *Session) egressUpdateWindow(t *transaction, delta uint32) error {
	var err error
	s.runOnLoop(func() { err = s.egressUpdateWindowSync(t, delta) })
	return err
}

func (s *Session) egressUpdateWindowSync(t *transaction, delta uint32) error {
	buf := &bufWriter{}
	err := s.codec.GenerateWindowUpdate(buf, t.id, delta)
	if err != nil {
		return err
	}
	t.flow.replenishRecv(delta)
	s.enqueueEgress(buf.Bytes(), nil)
	return nil
}

func (s *Session) resetStream(id wire.StreamID, code wire.ErrorCode) {
	buf := &bufWriter{}
	_ = s.codec.GenerateRstStream(buf, id, code)
	s.enqueueEgress(buf.Bytes(), nil)
}

// --- write buffer / egress-pause machinery ---

func (s *Session) enqueueEgress(b []byte, txn *transaction) {
	if len(b) == 0 {
		return
	}
	s.pendingWrite = append(s.pendingWrite, b...)
	s.writeBufLen += len(b)
	s.checkPause()
	s.scheduleWrite()
}

// enqueueEgressFront is used only by startDrainSync: GOAWAY must be
// flushed ahead of anything already queued.
func (s *Session) enqueueEgressFront(b []byte) {
	if len(b) == 0 {
		return
	}
	s.pendingWrite = append(append([]byte{}, b...), s.pendingWrite...)
	s.writeBufLen += len(b)
	s.scheduleWrite()
}

func (s *Session) checkPause() {
	if s.writeBufLen > s.opts.WriteBufferLimit && !s.egressPaused {
		s.egressPaused = true
		s.notifyAllPaused()
	}
}

func (s *Session) notifyAllPaused() {
	for _, id := range s.sortedTxnIDs() {
		s.txns[id].onEgressPausedNotify()
	}
}

// resumeIfPossible implements the "both conditions" resumption rule: the
// write buffer must be below the limit AND a write must have just
// succeeded. It iterates transactions in stream-id order and tolerates a
// handler mutating the transaction map mid-iteration.
func (s *Session) resumeIfPossible() {
	if !s.egressPaused {
		return
	}
	if s.writeBufLen > s.opts.WriteBufferLimit {
		return
	}
	s.egressPaused = false
	for _, id := range s.sortedTxnIDs() {
		t, ok := s.txns[id]
		if !ok {
			continue // removed by an earlier resume callback
		}
		t.onEgressResumedNotify()
		if s.writeBufLen > s.opts.WriteBufferLimit {
			// a handler refilled the pipe during its resume callback;
			// re-pause before visiting the next transaction.
			s.egressPaused = true
			s.notifyAllPaused()
			return
		}
	}
}

func (s *Session) sortedTxnIDs() []wire.StreamID {
	ids := make([]wire.StreamID, 0, len(s.txns))
	for id := range s.txns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Session) scheduleWrite() {
	if s.writeInFlight || len(s.pendingWrite) == 0 {
		return
	}
	if !s.bytes.preSend() {
		return
	}
	chunk := s.pendingWrite
	s.pendingWrite = nil
	s.writeInFlight = true
	select {
	case s.writeReqCh <- chunk:
	case <-s.doneCh:
	}
}

func (s *Session) onWriteResult(r writeResult) {
	s.writeInFlight = false
	if r.err != nil {
		s.failAllTransactions(newSessionError(ErrDropped, DirEgress, 0))
		s.closeSync()
		return
	}
	s.cumulativeWritten += int64(r.n)
	s.cumulativeAcked = s.cumulativeWritten
	s.writeBufLen -= r.n
	if s.writeBufLen < 0 {
		s.writeBufLen = 0
	}
	s.info.OnWrite(s, r.n)
	s.bytes.onWriteSuccess(s.cumulativeAcked)
	s.resumeIfPossible()
	s.scheduleWrite()
}

// --- lifecycle ---

func (s *Session) maybeDetach(t *transaction) {
	if t.readyToDetach() {
		s.detach(t)
	}
}

func (s *Session) detach(t *transaction) {
	if t.detached {
		return
	}
	t.detached = true
	delete(s.txns, t.id)
	if s.outSem != nil {
		s.outSem.Release(1)
		s.info.OnSettingsOutgoingStreamsNotFull(s)
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	s.maybeCloseAfterDrain()
}

func (s *Session) maybeCloseAfterDrain() {
	if s.drainMgr.isDraining() && len(s.txns) == 0 {
		s.closeSync()
	}
}

func (s *Session) failAllTransactions(err error) {
	for _, id := range s.sortedTxnIDs() {
		t := s.txns[id]
		t.onError(err)
		s.detach(t)
	}
}

func (s *Session) closeSync() {
	if s.drainMgr.isClosed() {
		return
	}
	s.drainMgr.close()
	s.state = stateClosed
	s.info.OnDestroy(s)
	_ = s.transport.Close()
	close(s.closeCh)
}

// rearmIdleTimeout cancels the prior scheduled entry for t and arms a new
// one, using a monotonic epoch tag to invalidate stale firings cheaply
// for cheap invalidation of stale timer firings.
func (s *Session) rearmIdleTimeout(t *transaction) {
	d := t.idleTimeout
	if d == 0 {
		d = s.opts.IdleTimeout
	}
	if d == 0 {
		return
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleEpoch++
	epoch := t.idleEpoch
	id := t.id
	t.idleTimer = time.AfterFunc(d, func() {
		select {
		case s.egressCh <- func() { s.onIdleTimeout(id, epoch) }:
		case <-s.doneCh:
		}
	})
}

func (s *Session) onIdleTimeout(id wire.StreamID, epoch uint64) {
	t, ok := s.txns[id]
	if !ok || t.idleEpoch != epoch {
		return
	}
	t.onError(newSessionError(ErrReadTimeout, DirIngress, id))
	s.detach(t)
}

// --- goroutines ---
// Three goroutines implement a single cooperative event loop: readLoop
// and writeLoop are pure I/O pumps with no session state, and run() is
// the loop itself: the only place that ever touches Session/transaction
// fields.

func (s *Session) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := s.transport.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case s.ingressCh <- cp:
			case <-s.closeCh:
				return
			}
		}
		if err != nil {
			select {
			case s.ingressErrCh <- err:
			case <-s.closeCh:
			}
			return
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case chunk := <-s.writeReqCh:
			n, err := s.transport.Write(chunk)
			select {
			case s.writeDoneCh <- writeResult{n: n, err: err}:
			case <-s.closeCh:
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) run() {
	defer close(s.doneCh)
	for {
		select {
		case buf := <-s.ingressCh:
			s.onLoop.Store(true)
			s.info.OnRead(s, len(buf))
			if _, err := s.codec.OnIngress(buf); err != nil {
				s.OnError(0, err, false)
			}
			s.onLoop.Store(false)
		case err := <-s.ingressErrCh:
			s.onLoop.Store(true)
			if errors.Is(err, io.EOF) {
				s.maybeCloseAfterDrain()
				if s.state != stateClosed {
					s.failAllTransactions(newSessionError(ErrConnectionReset, DirIngress, 0))
					s.closeSync()
				}
			} else {
				s.failAllTransactions(newSessionError(ErrConnectionReset, DirIngress, 0))
				s.closeSync()
			}
			return
		case r := <-s.writeDoneCh:
			s.onLoop.Store(true)
			s.onWriteResult(r)
			s.onLoop.Store(false)
		case op := <-s.egressCh:
			s.onLoop.Store(true)
			op()
			s.onLoop.Store(false)
		case <-s.closeCh:
			return
		}
		if s.state == stateClosed {
			return
		}
	}
}

// runOnLoop runs fn with the guarantee that only the session's own
// goroutine ever touches Session/transaction state while it runs. Called
// from outside, it hands fn to run() over egressCh and waits; called
// reentrantly (fn, or its caller, was itself invoked synchronously by
// run(), a Handler callback calling back into a Send method), it runs fn
// right there instead, since run() cannot dequeue its own op while still
// on the stack waiting for it.
func (s *Session) runOnLoop(fn func()) {
	if s.onLoop.Load() {
		fn()
		return
	}
	done := make(chan struct{})
	s.egressCh <- func() { fn(); close(done) }
	<-done
}

// runOnLoopOrDone is runOnLoop for callers that must also give up instead
// of blocking forever if the session has already finished closing.
func (s *Session) runOnLoopOrDone(fn func()) {
	if s.onLoop.Load() {
		fn()
		return
	}
	done := make(chan struct{})
	select {
	case s.egressCh <- func() { fn(); close(done) }:
		<-done
	case <-s.doneCh:
	}
}

// bufWriter is a tiny io.Writer accumulating bytes for one codec call, so
// the session can measure exactly how many bytes that call produced
// (needed for byte-event offsets) before handing them to enqueueEgress.
type bufWriter struct {
	b []byte
}

func (w *bufWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}
func (w *bufWriter) Bytes() []byte { return w.b }
func (w *bufWriter) Len() int      { return len(w.b) }
