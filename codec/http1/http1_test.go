// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package http1

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ije/upsession/wire"
)

type recCallback struct {
	headers      []*wire.Message
	headerEOMs   []bool
	bodies       [][]byte
	trailers     []*wire.Message
	completedIDs []wire.StreamID
	pushBegins   [][2]wire.StreamID
}

func (r *recCallback) OnHeadersComplete(id wire.StreamID, dir wire.Direction, assocID wire.StreamID, msg *wire.Message, eom bool) {
	r.headers = append(r.headers, msg)
	r.headerEOMs = append(r.headerEOMs, eom)
}
func (r *recCallback) OnBody(id wire.StreamID, data []byte) {
	r.bodies = append(r.bodies, append([]byte(nil), data...))
}
func (r *recCallback) OnChunkHeader(wire.StreamID, int)            {}
func (r *recCallback) OnChunkComplete(wire.StreamID)               {}
func (r *recCallback) OnTrailers(id wire.StreamID, msg *wire.Message) { r.trailers = append(r.trailers, msg) }
func (r *recCallback) OnMessageComplete(id wire.StreamID)          { r.completedIDs = append(r.completedIDs, id) }
func (r *recCallback) OnError(wire.StreamID, error, bool)          {}
func (r *recCallback) OnAbort(wire.StreamID, wire.ErrorCode)       {}
func (r *recCallback) OnGoaway(wire.StreamID, wire.ErrorCode, []byte) {}
func (r *recCallback) OnSettings(wire.Settings)                    {}
func (r *recCallback) OnSettingsAck()                              {}
func (r *recCallback) OnWindowUpdate(wire.StreamID, int32)         {}
func (r *recCallback) OnPriority(wire.StreamID, wire.PriorityUpdate) {}
func (r *recCallback) OnPingRequest([8]byte)                       {}
func (r *recCallback) OnPingReply([8]byte)                         {}
func (r *recCallback) OnFrameHeader(wire.StreamID, byte, int)      {}
func (r *recCallback) OnPushMessageBegin(id, assocID wire.StreamID) {
	r.pushBegins = append(r.pushBegins, [2]wire.StreamID{id, assocID})
}

func (r *recCallback) body() []byte {
	var b []byte
	for _, c := range r.bodies {
		b = append(b, c...)
	}
	return b
}

func TestGenerateHeaderRequestLineHostAndOrdering(t *testing.T) {
	c := NewCodec()
	var buf bytes.Buffer
	msg := &wire.Message{Headers: []wire.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/upload"},
		{Name: ":authority", Value: "example.com"},
		{Name: "content-type", Value: "text/plain"},
	}}

	err := c.GenerateHeader(&buf, 1, msg, false)
	require.NoError(t, err)

	want := "POST /upload HTTP/1.1\r\nHost: example.com\r\ncontent-type: text/plain\r\n\r\n"
	assert.Equal(t, want, buf.String())
}

func TestGenerateHeaderDefaultsMethodAndPath(t *testing.T) {
	c := NewCodec()
	var buf bytes.Buffer
	err := c.GenerateHeader(&buf, 1, &wire.Message{}, true)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\n\r\n", buf.String())
}

func TestOnIngressContentLengthBody(t *testing.T) {
	c := NewCodec()
	cb := &recCallback{}
	c.SetCallback(cb)
	c.CreateStream()

	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	n, err := c.OnIngress([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)

	require.Len(t, cb.headers, 1)
	assert.Equal(t, 200, cb.headers[0].StatusCode)
	assert.False(t, cb.headerEOMs[0])
	assert.Equal(t, "hello", string(cb.body()))
	require.Len(t, cb.completedIDs, 1)
}

func TestOnIngressChunkedBodyWithTrailer(t *testing.T) {
	c := NewCodec()
	cb := &recCallback{}
	c.SetCallback(cb)
	c.CreateStream()

	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n" +
		"6\r\n world\r\n" +
		"0\r\nX-Trailer: late\r\n\r\n"
	_, err := c.OnIngress([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "hello world", string(cb.body()))
	require.Len(t, cb.trailers, 1)
	require.Len(t, cb.trailers[0].Headers, 1)
	assert.Equal(t, "X-Trailer", cb.trailers[0].Headers[0].Name)
	assert.Equal(t, "late", cb.trailers[0].Headers[0].Value)
	require.Len(t, cb.completedIDs, 1)
}

func TestOnIngressChunkedBodySplitAcrossWrites(t *testing.T) {
	c := NewCodec()
	cb := &recCallback{}
	c.SetCallback(cb)
	c.CreateStream()

	full := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	for i := 0; i < len(full); i++ {
		_, err := c.OnIngress([]byte{full[i]})
		require.NoError(t, err)
	}

	assert.Equal(t, "hello", string(cb.body()))
	require.Len(t, cb.completedIDs, 1)
}

func TestOnIngress204HasNoBodyAndCompletesImmediately(t *testing.T) {
	c := NewCodec()
	cb := &recCallback{}
	c.SetCallback(cb)
	c.CreateStream()

	_, err := c.OnIngress([]byte("HTTP/1.1 204 No Content\r\n\r\n"))
	require.NoError(t, err)

	require.Len(t, cb.headers, 1)
	assert.True(t, cb.headerEOMs[0])
	assert.Empty(t, cb.bodies)
	require.Len(t, cb.completedIDs, 1)
}

func TestOnIngress1xxInformationalDoesNotCompleteTheMessage(t *testing.T) {
	c := NewCodec()
	cb := &recCallback{}
	c.SetCallback(cb)
	c.CreateStream()

	_, err := c.OnIngress([]byte("HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	require.NoError(t, err)

	require.Len(t, cb.headers, 2)
	assert.Equal(t, 100, cb.headers[0].StatusCode)
	assert.False(t, cb.headerEOMs[0])
	assert.Equal(t, 200, cb.headers[1].StatusCode)
	assert.Equal(t, "ok", string(cb.body()))
	require.Len(t, cb.completedIDs, 1, "only the final response completes the message")
}

func TestOnIngress101DoesNotCompleteTheMessageOrConsumeABody(t *testing.T) {
	c := NewCodec()
	cb := &recCallback{}
	c.SetCallback(cb)
	c.CreateStream()

	_, err := c.OnIngress([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: h2c\r\n\r\n"))
	require.NoError(t, err)

	require.Len(t, cb.headers, 1)
	assert.Equal(t, 101, cb.headers[0].StatusCode)
	assert.False(t, cb.headerEOMs[0], "a 101 must not be reported as end-of-message")
	assert.Empty(t, cb.completedIDs, "a 101 must not finish the message on this codec")
}

func TestOnIngressUntilCloseFramingAccumulatesBodyAsItArrives(t *testing.T) {
	c := NewCodec()
	cb := &recCallback{}
	c.SetCallback(cb)
	c.CreateStream()

	_, err := c.OnIngress([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.NoError(t, err)
	_, err = c.OnIngress([]byte("part1"))
	require.NoError(t, err)
	_, err = c.OnIngress([]byte("part2"))
	require.NoError(t, err)

	assert.Equal(t, "part1part2", string(cb.body()))
	assert.Empty(t, cb.completedIDs, "until-close framing never completes the message from body bytes; the codec is given no transport-close event")
}

func TestGenerateBodyChunkedEncoding(t *testing.T) {
	c := NewCodec()
	var buf bytes.Buffer
	err := c.GenerateBody(&buf, 1, []byte("hello"), 0, false)
	require.NoError(t, err)
	assert.Equal(t, "5\r\nhello\r\n", buf.String())

	buf.Reset()
	err = c.GenerateBody(&buf, 1, nil, 0, true)
	require.NoError(t, err)
	assert.Equal(t, "0\r\n\r\n", buf.String())
}

func TestUnsupportedOperationsReturnErrors(t *testing.T) {
	c := NewCodec()
	var buf bytes.Buffer
	assert.Error(t, c.GenerateExHeader(&buf, 1, &wire.Message{}, 0, true))
	assert.Error(t, c.GeneratePushPromise(&buf, 1, 0, &wire.Message{}))
	assert.Error(t, c.GeneratePing(&buf, [8]byte{}, false))
}

func TestCreateStreamIncrementsByOne(t *testing.T) {
	c := NewCodec()
	assert.EqualValues(t, 1, c.CreateStream())
	assert.EqualValues(t, 2, c.CreateStream())
	assert.EqualValues(t, 3, c.CreateStream())
}
