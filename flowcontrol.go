// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

// flowController owns one signed send-window and one signed recv-window,
// held as int64 over the 32-bit wire values. It is used both per-stream and once,
// connection-wide, on the Session itself. Windows are allowed to go
// negative (e.g. after a SETTINGS_INITIAL_WINDOW_SIZE decrease); that only
// blocks further sends until replenished, it is never an error by itself.
//
// Not safe for concurrent use: like everything else in this package, a
// flowController is only ever touched from the single session goroutine.
type flowController struct {
	send int64 // signed so an underflow below zero is representable
	recv int64

	sendInitial uint32
	recvInitial uint32
}

func newFlowController(initialSend, initialRecv uint32) *flowController {
	return &flowController{
		send:        int64(initialSend),
		recv:        int64(initialRecv),
		sendInitial: initialSend,
		recvInitial: initialRecv,
	}
}

// SendWindow returns the current send-window. It can be negative.
func (f *flowController) SendWindow() int64 { return f.send }

// RecvWindow returns the current recv-window.
func (f *flowController) RecvWindow() int64 { return f.recv }

// reserveSend consumes n bytes of send-window ahead of writing a DATA
// frame. Callers must have already checked SendWindow() > 0; reserveSend
// itself permits going negative only when n exceeds the available window
// (a caller that clamps n to SendWindow() first never sees that).
func (f *flowController) reserveSend(n uint32) {
	f.send -= int64(n)
}

// replenishSend applies a WINDOW_UPDATE delta (or the delta from a
// SETTINGS_INITIAL_WINDOW_SIZE change) to the send-window. Returns true if
// the window transitioned from <= 0 to > 0, i.e. a paused sender should be
// unblocked.
func (f *flowController) replenishSend(delta int32) bool {
	was := f.send
	f.send += int64(delta)
	return was <= 0 && f.send > 0
}

// consumeRecv accounts for n bytes of received DATA against the
// recv-window. It does not replenish; the caller is responsible for
// issuing a WINDOW_UPDATE and calling replenishRecv once it does.
func (f *flowController) consumeRecv(n uint32) {
	f.recv -= int64(n)
}

// replenishRecv applies locally-issued WINDOW_UPDATE credit back to the
// recv-window accounting (so RecvWindow() reflects what the peer believes
// it can still send).
func (f *flowController) replenishRecv(delta uint32) {
	f.recv += int64(delta)
}

// setInitialSend applies the delta from a SETTINGS_INITIAL_WINDOW_SIZE
// change and reports whether the stream should be
// unpaused.
func (f *flowController) setInitialSend(newInitial uint32) bool {
	delta := int64(newInitial) - int64(f.sendInitial)
	f.sendInitial = newInitial
	return f.replenishSend(int32(delta))
}
