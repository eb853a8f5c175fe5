// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import "github.com/ije/upsession/wire"

// drainPhase is the three-phase Open -> Draining -> Closed dance a
// session walks through on its way down.
type drainPhase uint8

const (
	drainOpen drainPhase = iota
	drainDraining
	drainClosed
)

// drainManager records drain state and enforces that it only ever
// advances, never regresses: both the phase and lastGood ids only ever
// move in one direction.
type drainManager struct {
	phase drainPhase

	// lastReceivedGoodStreamID is the smallest lastGood value seen across
	// every GOAWAY the peer has sent us: a second GOAWAY may narrow the
	// surviving set further, so this only ever decreases.
	lastReceivedGoodStreamID wire.StreamID
	haveReceivedGood         bool

	// lastSentGoodStreamID is the value this session put in its own
	// GOAWAY when it initiated drain().
	lastSentGoodStreamID wire.StreamID
	haveSentGood         bool
}

func newDrainManager() *drainManager {
	return &drainManager{phase: drainOpen}
}

// startDrain moves Open|Draining -> Draining and records the outbound
// last-good-stream-id: the highest stream id acknowledged to the peer.
func (d *drainManager) startDrain(lastAcked wire.StreamID) {
	if d.phase == drainClosed {
		return
	}
	d.phase = drainDraining
	if !d.haveSentGood || lastAcked < d.lastSentGoodStreamID {
		// first drain, or a stricter bound; a wider one is never recorded.
		d.lastSentGoodStreamID = lastAcked
		d.haveSentGood = true
	}
}

// onGoaway records an inbound GOAWAY. It never regresses lastGood upward:
// if this is a second GOAWAY with a larger lastGood than we already
// recorded, the recorded value is left untouched.
func (d *drainManager) onGoaway(lastGood wire.StreamID) {
	if d.phase != drainClosed {
		d.phase = drainDraining
	}
	if !d.haveReceivedGood || lastGood < d.lastReceivedGoodStreamID {
		d.lastReceivedGoodStreamID = lastGood
		d.haveReceivedGood = true
	}
}

// survives reports whether a locally-minted stream id is still honored by
// the peer's most recently narrowed GOAWAY.
func (d *drainManager) survives(id wire.StreamID) bool {
	if !d.haveReceivedGood {
		return true
	}
	return id <= d.lastReceivedGoodStreamID
}

func (d *drainManager) isDraining() bool { return d.phase == drainDraining }
func (d *drainManager) isClosed() bool   { return d.phase == drainClosed }

func (d *drainManager) close() { d.phase = drainClosed }
