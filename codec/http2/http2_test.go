// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package http2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ije/upsession/wire"
)

type recCallback struct {
	headers      []*wire.Message
	headerIDs    []wire.StreamID
	headerDirs   []wire.Direction
	headerEOMs   []bool
	bodies       map[wire.StreamID][][]byte
	completedIDs []wire.StreamID
	settings     []wire.Settings
	settingsAcks int
	priorities   []wire.PriorityUpdate
	aborts       []wire.ErrorCode
	goaways      []wire.ErrorCode
	pings        [][8]byte
	pingAcks     [][8]byte
	windowDeltas []int32
}

func newRecCallback() *recCallback {
	return &recCallback{bodies: map[wire.StreamID][][]byte{}}
}

func (r *recCallback) OnHeadersComplete(id wire.StreamID, dir wire.Direction, assocID wire.StreamID, msg *wire.Message, eom bool) {
	r.headers = append(r.headers, msg)
	r.headerIDs = append(r.headerIDs, id)
	r.headerDirs = append(r.headerDirs, dir)
	r.headerEOMs = append(r.headerEOMs, eom)
}
func (r *recCallback) OnBody(id wire.StreamID, data []byte) {
	r.bodies[id] = append(r.bodies[id], append([]byte(nil), data...))
}
func (r *recCallback) OnChunkHeader(wire.StreamID, int) {}
func (r *recCallback) OnChunkComplete(wire.StreamID)    {}
func (r *recCallback) OnTrailers(wire.StreamID, *wire.Message) {}
func (r *recCallback) OnMessageComplete(id wire.StreamID) { r.completedIDs = append(r.completedIDs, id) }
func (r *recCallback) OnError(wire.StreamID, error, bool) {}
func (r *recCallback) OnAbort(id wire.StreamID, code wire.ErrorCode) {
	r.aborts = append(r.aborts, code)
}
func (r *recCallback) OnGoaway(lastGood wire.StreamID, code wire.ErrorCode, debug []byte) {
	r.goaways = append(r.goaways, code)
}
func (r *recCallback) OnSettings(s wire.Settings) { r.settings = append(r.settings, s) }
func (r *recCallback) OnSettingsAck()             { r.settingsAcks++ }
func (r *recCallback) OnWindowUpdate(id wire.StreamID, delta int32) {
	r.windowDeltas = append(r.windowDeltas, delta)
}
func (r *recCallback) OnPriority(id wire.StreamID, update wire.PriorityUpdate) {
	r.priorities = append(r.priorities, update)
}
func (r *recCallback) OnPingRequest(d [8]byte)          { r.pings = append(r.pings, d) }
func (r *recCallback) OnPingReply(d [8]byte)            { r.pingAcks = append(r.pingAcks, d) }
func (r *recCallback) OnFrameHeader(wire.StreamID, byte, int) {}
func (r *recCallback) OnPushMessageBegin(id, assocID wire.StreamID) {}

func (r *recCallback) body(id wire.StreamID) []byte {
	var b []byte
	for _, c := range r.bodies[id] {
		b = append(b, c...)
	}
	return b
}

func TestHeaderFrameRoundTripExtractsStatus(t *testing.T) {
	enc := NewCodec()
	var buf bytes.Buffer
	err := enc.GenerateHeader(&buf, 1, &wire.Message{
		StatusCode: 200,
		Headers:    []wire.HeaderField{{Name: "content-type", Value: "text/plain"}},
	}, true)
	require.NoError(t, err)

	dec := NewCodec()
	cb := newRecCallback()
	dec.SetCallback(cb)
	_, err = dec.OnIngress(buf.Bytes())
	require.NoError(t, err)

	require.Len(t, cb.headers, 1)
	assert.EqualValues(t, 1, cb.headerIDs[0])
	assert.True(t, cb.headerEOMs[0])
	assert.Equal(t, 200, cb.headers[0].StatusCode)
	require.Len(t, cb.headers[0].Headers, 1)
	assert.Equal(t, "content-type", cb.headers[0].Headers[0].Name)
	require.Len(t, cb.completedIDs, 1)
}

func TestHeaderFramePersistentDynamicTableAcrossTwoBlocks(t *testing.T) {
	enc := NewCodec()
	dec := NewCodec()
	cb := newRecCallback()
	dec.SetCallback(cb)

	for i, id := range []wire.StreamID{1, 3} {
		var buf bytes.Buffer
		err := enc.GenerateHeader(&buf, id, &wire.Message{
			StatusCode: 200,
			Headers:    []wire.HeaderField{{Name: "x-request-id", Value: "abc"}},
		}, true)
		require.NoError(t, err)
		_, err = dec.OnIngress(buf.Bytes())
		require.NoError(t, err, "block %d", i)
	}

	require.Len(t, cb.headers, 2)
	for _, msg := range cb.headers {
		assert.Equal(t, 200, msg.StatusCode)
		require.Len(t, msg.Headers, 1)
		assert.Equal(t, "abc", msg.Headers[0].Value)
	}
}

func TestSettingsFrameRoundTrip(t *testing.T) {
	enc := NewCodec()
	var buf bytes.Buffer
	err := enc.GenerateSettings(&buf, wire.Settings{InitialWindowSize: 100000, MaxConcurrentStreams: 50, MaxFrameSize: 16384})
	require.NoError(t, err)

	dec := NewCodec()
	cb := newRecCallback()
	dec.SetCallback(cb)
	_, err = dec.OnIngress(buf.Bytes())
	require.NoError(t, err)

	require.Len(t, cb.settings, 1)
	assert.EqualValues(t, 100000, cb.settings[0].InitialWindowSize)
	assert.EqualValues(t, 50, cb.settings[0].MaxConcurrentStreams)
	assert.EqualValues(t, 16384, cb.settings[0].MaxFrameSize)
}

func TestSettingsAckFrameRoundTrip(t *testing.T) {
	enc := NewCodec()
	var buf bytes.Buffer
	require.NoError(t, enc.GenerateSettingsAck(&buf))

	dec := NewCodec()
	cb := newRecCallback()
	dec.SetCallback(cb)
	_, err := dec.OnIngress(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 1, cb.settingsAcks)
}

func TestDataFrameRoundTripEndStream(t *testing.T) {
	enc := NewCodec()
	var buf bytes.Buffer
	require.NoError(t, enc.GenerateBody(&buf, 1, []byte("hello"), 0, true))

	dec := NewCodec()
	cb := newRecCallback()
	dec.SetCallback(cb)
	_, err := dec.OnIngress(buf.Bytes())
	require.NoError(t, err)

	assert.Equal(t, "hello", string(cb.body(1)))
	require.Len(t, cb.completedIDs, 1)
	assert.EqualValues(t, 1, cb.completedIDs[0])
}

func TestPriorityFrameWeightEncodingRoundTrip(t *testing.T) {
	enc := NewCodec()
	var buf bytes.Buffer
	require.NoError(t, enc.GeneratePriority(&buf, 3, wire.PriorityUpdate{ParentID: 1, Exclusive: true, Weight: 100}))

	dec := NewCodec()
	cb := newRecCallback()
	dec.SetCallback(cb)
	_, err := dec.OnIngress(buf.Bytes())
	require.NoError(t, err)

	require.Len(t, cb.priorities, 1)
	assert.EqualValues(t, 1, cb.priorities[0].ParentID)
	assert.True(t, cb.priorities[0].Exclusive)
	assert.EqualValues(t, 100, cb.priorities[0].Weight, "weight must round-trip through the -1/+1 wire encoding")
}

func TestRstStreamErrorCodeRoundTrip(t *testing.T) {
	enc := NewCodec()
	var buf bytes.Buffer
	require.NoError(t, enc.GenerateRstStream(&buf, 5, wire.FlowControlError))

	dec := NewCodec()
	cb := newRecCallback()
	dec.SetCallback(cb)
	_, err := dec.OnIngress(buf.Bytes())
	require.NoError(t, err)

	require.Len(t, cb.aborts, 1)
	assert.Equal(t, wire.FlowControlError, cb.aborts[0])
}

func TestGoawayErrorCodeRoundTrip(t *testing.T) {
	enc := NewCodec()
	var buf bytes.Buffer
	require.NoError(t, enc.GenerateGoaway(&buf, 9, wire.Cancel))

	dec := NewCodec()
	cb := newRecCallback()
	dec.SetCallback(cb)
	_, err := dec.OnIngress(buf.Bytes())
	require.NoError(t, err)

	require.Len(t, cb.goaways, 1)
	assert.Equal(t, wire.Cancel, cb.goaways[0])
}

func TestWindowUpdateRoundTrip(t *testing.T) {
	enc := NewCodec()
	var buf bytes.Buffer
	require.NoError(t, enc.GenerateWindowUpdate(&buf, 7, 5000))

	dec := NewCodec()
	cb := newRecCallback()
	dec.SetCallback(cb)
	_, err := dec.OnIngress(buf.Bytes())
	require.NoError(t, err)

	require.Len(t, cb.windowDeltas, 1)
	assert.EqualValues(t, 5000, cb.windowDeltas[0])
}

func TestPingRequestAndReplyRoundTrip(t *testing.T) {
	enc := NewCodec()
	var reqBuf, ackBuf bytes.Buffer
	data := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, enc.GeneratePing(&reqBuf, data, false))
	require.NoError(t, enc.GeneratePing(&ackBuf, data, true))

	dec := NewCodec()
	cb := newRecCallback()
	dec.SetCallback(cb)
	_, err := dec.OnIngress(reqBuf.Bytes())
	require.NoError(t, err)
	_, err = dec.OnIngress(ackBuf.Bytes())
	require.NoError(t, err)

	require.Len(t, cb.pings, 1)
	assert.Equal(t, data, cb.pings[0])
	require.Len(t, cb.pingAcks, 1)
	assert.Equal(t, data, cb.pingAcks[0])
}

func TestOnIngressSplitAcrossMultipleWrites(t *testing.T) {
	enc := NewCodec()
	var buf bytes.Buffer
	require.NoError(t, enc.GenerateBody(&buf, 1, []byte("hello"), 0, true))
	full := buf.Bytes()

	dec := NewCodec()
	cb := newRecCallback()
	dec.SetCallback(cb)
	for i := 0; i < len(full); i++ {
		_, err := dec.OnIngress(full[i : i+1])
		require.NoError(t, err)
	}

	assert.Equal(t, "hello", string(cb.body(1)))
	require.Len(t, cb.completedIDs, 1)
}

func TestCreateStreamUsesOddIncrementsOfTwo(t *testing.T) {
	c := NewCodec()
	assert.EqualValues(t, 1, c.CreateStream())
	assert.EqualValues(t, 3, c.CreateStream())
	assert.EqualValues(t, 5, c.CreateStream())
}
