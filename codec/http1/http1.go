// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

// Package http1 implements wire.Codec for HTTP/1.x: one request in
// flight at a time, no multiplexing, no flow control, framed by
// Content-Length or chunked transfer-encoding.
package http1

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ije/upsession/wire"
)

type parseState uint8

const (
	stateAwaitHeaders parseState = iota
	stateBodyContentLength
	stateBodyChunked
	stateBodyUntilClose
	stateBodyNone
)

// Codec is a serial HTTP/1.x codec. Not safe for concurrent use; like
// every wire.Codec it is only ever driven from a session's single event
// loop goroutine.
type Codec struct {
	cb wire.Callback

	nextID  wire.StreamID
	inbufID wire.StreamID // id of the request currently awaiting a response

	buf   []byte
	state parseState

	chunkRemaining int64 // bytes left in the current chunk (chunked mode)
	bodyRemaining  int64 // bytes left overall (content-length mode)

	chunkCRLFPending bool // a chunk's data is delivered, its trailing CRLF has not arrived yet
}

// NewCodec returns an unstarted HTTP/1.x codec.
func NewCodec() *Codec {
	return &Codec{nextID: 1, state: stateAwaitHeaders}
}

func (c *Codec) SetCallback(cb wire.Callback) { c.cb = cb }

func (c *Codec) CreateStream() wire.StreamID {
	id := c.nextID
	c.nextID++
	c.inbufID = id
	return id
}

func (c *Codec) SupportsParallelRequests() bool  { return false }
func (c *Codec) SupportsStreamFlowControl() bool { return false }
func (c *Codec) SupportsPriority() bool          { return false }
func (c *Codec) DefaultWindowSize() uint32       { return 1<<31 - 1 }
func (c *Codec) Protocol() string                { return "http/1.1" }
func (c *Codec) IsReusable() bool                { return true }
func (c *Codec) IsWaitingToDrain() bool          { return false }

func (c *Codec) MapPriorityToDependency(uint8) (wire.PriorityUpdate, bool) {
	return wire.PriorityUpdate{}, false
}

// --- egress ---

func pseudo(msg *wire.Message, name string) (string, bool) {
	for _, h := range msg.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

func (c *Codec) GenerateConnectionPreface(io.Writer) error { return nil }
func (c *Codec) GenerateSettings(io.Writer, wire.Settings) error { return nil }
func (c *Codec) GenerateSettingsAck(io.Writer) error { return nil }

func (c *Codec) GenerateHeader(w io.Writer, id wire.StreamID, msg *wire.Message, eom bool) error {
	method, _ := pseudo(msg, ":method")
	path, _ := pseudo(msg, ":path")
	if method == "" {
		method = "GET"
	}
	if path == "" {
		path = "/"
	}
	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", method, path); err != nil {
		return err
	}
	if authority, ok := pseudo(msg, ":authority"); ok {
		if _, err := fmt.Fprintf(w, "Host: %s\r\n", authority); err != nil {
			return err
		}
	}
	for _, h := range msg.Headers {
		if strings.HasPrefix(h.Name, ":") {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func (c *Codec) GenerateExHeader(io.Writer, wire.StreamID, *wire.Message, wire.StreamID, bool) error {
	return errUnsupported("ex-header")
}

func (c *Codec) GeneratePushPromise(io.Writer, wire.StreamID, wire.StreamID, *wire.Message) error {
	return errUnsupported("push promise")
}

func (c *Codec) GenerateBody(w io.Writer, id wire.StreamID, data []byte, padding int, eom bool) error {
	if len(data) > 0 {
		if _, err := fmt.Fprintf(w, "%x\r\n", len(data)); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
	}
	if eom {
		_, err := io.WriteString(w, "0\r\n\r\n")
		return err
	}
	return nil
}

func (c *Codec) GenerateEOM(w io.Writer, id wire.StreamID) error {
	_, err := io.WriteString(w, "0\r\n\r\n")
	return err
}

func (c *Codec) GenerateRstStream(io.Writer, wire.StreamID, wire.ErrorCode) error {
	// HTTP/1.x has no mid-stream reset; the caller tears down the
	// transport instead.
	return nil
}

func (c *Codec) GenerateGoaway(io.Writer, wire.StreamID, wire.ErrorCode) error { return nil }
func (c *Codec) GenerateWindowUpdate(io.Writer, wire.StreamID, uint32) error   { return nil }
func (c *Codec) GeneratePriority(io.Writer, wire.StreamID, wire.PriorityUpdate) error {
	return nil
}
func (c *Codec) GeneratePing(io.Writer, [8]byte, bool) error { return errUnsupported("ping") }

func errUnsupported(what string) error {
	return fmt.Errorf("http1: %s not supported", what)
}

// --- ingress ---

func (c *Codec) OnIngress(data []byte) (int, error) {
	c.buf = append(c.buf, data...)
	for {
		progressed, err := c.step()
		if err != nil {
			return len(data), err
		}
		if !progressed {
			break
		}
	}
	return len(data), nil
}

func (c *Codec) step() (bool, error) {
	switch c.state {
	case stateAwaitHeaders:
		return c.parseHeaders()
	case stateBodyContentLength, stateBodyUntilClose:
		return c.consumeFixedBody()
	case stateBodyChunked:
		return c.consumeChunkedBody()
	case stateBodyNone:
		c.finishMessage()
		return true, nil
	}
	return false, nil
}

func (c *Codec) parseHeaders() (bool, error) {
	idx := bytes.Index(c.buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return false, nil
	}
	block := c.buf[:idx]
	c.buf = c.buf[idx+4:]

	lines := strings.Split(string(block), "\r\n")
	if len(lines) == 0 {
		return false, fmt.Errorf("http1: empty status line")
	}
	statusLine := strings.SplitN(lines[0], " ", 3)
	if len(statusLine) < 2 {
		return false, fmt.Errorf("http1: malformed status line %q", lines[0])
	}
	code, err := strconv.Atoi(statusLine[1])
	if err != nil {
		return false, fmt.Errorf("http1: malformed status code %q", statusLine[1])
	}

	msg := &wire.Message{StatusCode: code}
	var contentLength int64 = -1
	chunked := false
	for _, line := range lines[1:] {
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		name := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		msg.Headers = append(msg.Headers, wire.HeaderField{Name: name, Value: value})
		switch strings.ToLower(name) {
		case "content-length":
			if n, perr := strconv.ParseInt(value, 10, 64); perr == nil {
				contentLength = n
			}
		case "transfer-encoding":
			if strings.Contains(strings.ToLower(value), "chunked") {
				chunked = true
			}
		}
	}

	id := c.inbufID
	if code >= 100 && code < 200 && code != 101 {
		// informational response: emit and keep parsing the same message,
		// the final response still follows on this same id.
		c.cb.OnHeadersComplete(id, wire.DirEgress, 0, msg, false)
		return true, nil
	}

	if code == 101 {
		// a successful protocol upgrade: no body follows under this
		// codec's framing, but the stream is not done; bytes after this
		// point belong to whatever protocol took over.
		c.cb.OnHeadersComplete(id, wire.DirEgress, 0, msg, false)
		c.state = stateAwaitHeaders
		return true, nil
	}

	noBody := code == 204 || code == 304 || (code >= 100 && code < 200)
	eom := noBody
	c.cb.OnHeadersComplete(id, wire.DirEgress, 0, msg, eom)
	if eom {
		c.finishMessage()
		return true, nil
	}

	switch {
	case chunked:
		c.state = stateBodyChunked
	case contentLength >= 0:
		c.bodyRemaining = contentLength
		if contentLength == 0 {
			c.state = stateBodyNone
		} else {
			c.state = stateBodyContentLength
		}
	default:
		c.state = stateBodyUntilClose
	}
	return true, nil
}

func (c *Codec) consumeFixedBody() (bool, error) {
	if len(c.buf) == 0 {
		return false, nil
	}
	n := len(c.buf)
	if c.state == stateBodyContentLength && int64(n) > c.bodyRemaining {
		n = int(c.bodyRemaining)
	}
	if n == 0 {
		return false, nil
	}
	chunk := c.buf[:n]
	c.buf = c.buf[n:]
	c.cb.OnBody(c.inbufID, chunk)
	if c.state == stateBodyContentLength {
		c.bodyRemaining -= int64(n)
		if c.bodyRemaining == 0 {
			c.finishMessage()
		}
	}
	return true, nil
}

func (c *Codec) consumeChunkedBody() (bool, error) {
	if c.chunkRemaining > 0 {
		n := len(c.buf)
		if int64(n) > c.chunkRemaining {
			n = int(c.chunkRemaining)
		}
		if n == 0 {
			return false, nil
		}
		c.cb.OnBody(c.inbufID, c.buf[:n])
		c.buf = c.buf[n:]
		c.chunkRemaining -= int64(n)
		if c.chunkRemaining == 0 {
			if len(c.buf) < 2 {
				c.chunkCRLFPending = true
				return false, nil
			}
			c.buf = c.buf[2:] // trailing CRLF after chunk data
		}
		return true, nil
	}

	if c.chunkCRLFPending {
		if len(c.buf) < 2 {
			return false, nil
		}
		c.buf = c.buf[2:] // trailing CRLF of the previous chunk, arrived late
		c.chunkCRLFPending = false
	}
	idx := bytes.Index(c.buf, []byte("\r\n"))
	if idx < 0 {
		return false, nil
	}
	sizeLine := string(c.buf[:idx])
	if semi := strings.IndexByte(sizeLine, ';'); semi >= 0 {
		sizeLine = sizeLine[:semi]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
	if err != nil {
		return false, fmt.Errorf("http1: malformed chunk size %q", sizeLine)
	}
	if size == 0 && !bytes.HasPrefix(c.buf[idx+2:], []byte("\r\n")) && !bytes.Contains(c.buf[idx+2:], []byte("\r\n\r\n")) {
		return false, nil // keep the last-chunk line buffered until the end of the message has arrived
	}
	c.buf = c.buf[idx+2:]
	if size == 0 {
		if bytes.HasPrefix(c.buf, []byte("\r\n")) {
			// no trailers: the last-chunk line is immediately followed by
			// the single CRLF that ends the message.
			c.buf = c.buf[2:]
			c.finishMessage()
			return true, nil
		}
		tidx := bytes.Index(c.buf, []byte("\r\n\r\n"))
		if tidx < 0 {
			return false, nil
		}
		trailerBlock := c.buf[:tidx]
		c.buf = c.buf[tidx+4:]
		if len(trailerBlock) > 0 {
			msg := &wire.Message{Trailers: true}
			for _, line := range strings.Split(string(trailerBlock), "\r\n") {
				if i := strings.IndexByte(line, ':'); i >= 0 {
					msg.Headers = append(msg.Headers, wire.HeaderField{
						Name:  strings.TrimSpace(line[:i]),
						Value: strings.TrimSpace(line[i+1:]),
					})
				}
			}
			c.cb.OnTrailers(c.inbufID, msg)
		}
		c.finishMessage()
		return true, nil
	}
	c.chunkRemaining = size
	return true, nil
}

func (c *Codec) finishMessage() {
	c.cb.OnMessageComplete(c.inbufID)
	c.state = stateAwaitHeaders
	c.bodyRemaining = 0
	c.chunkRemaining = 0
}
