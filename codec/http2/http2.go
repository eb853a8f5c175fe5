// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

// Package http2 implements wire.Codec for HTTP/2, riding
// golang.org/x/net/http2 for frame construction and
// golang.org/x/net/http2/hpack for header compression. Outgoing frames
// are written with http2.Framer (synchronous, no blocking reads needed).
// Incoming frames are parsed by hand against a growing byte buffer,
// since the session hands ingress bytes in arbitrary-sized chunks and
// http2.Framer.ReadFrame assumes a blocking io.Reader that has no
// "not enough data yet" signal.
package http2

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ije/upsession/wire"
)

const frameHeaderLen = 9

// Codec is an HTTP/2 client codec: one instance per connection.
type Codec struct {
	cb wire.Callback

	nextID wire.StreamID // next client-initiated (odd) stream id

	hpackDec *hpack.Decoder

	buf []byte

	// continuation accumulation state for a HEADERS/PUSH_PROMISE sequence
	// split across CONTINUATION frames.
	headerStreamID  wire.StreamID
	headerAssocID   wire.StreamID
	headerBlock     []byte
	headerEndStream bool
	inHeaderSeq     bool

	maxConcurrentStreams uint32
}

// NewCodec returns an unstarted HTTP/2 codec.
func NewCodec() *Codec {
	c := &Codec{nextID: 1}
	c.hpackDec = hpack.NewDecoder(4096, nil)
	return c
}

func (c *Codec) SetCallback(cb wire.Callback) { c.cb = cb }

func (c *Codec) CreateStream() wire.StreamID {
	id := c.nextID
	c.nextID += 2
	return id
}

func (c *Codec) SupportsParallelRequests() bool  { return true }
func (c *Codec) SupportsStreamFlowControl() bool { return true }
func (c *Codec) SupportsPriority() bool          { return true }
func (c *Codec) DefaultWindowSize() uint32       { return 65535 }
func (c *Codec) Protocol() string                { return "h2" }
func (c *Codec) IsReusable() bool                { return true }
func (c *Codec) IsWaitingToDrain() bool          { return false }

func (c *Codec) MapPriorityToDependency(uint8) (wire.PriorityUpdate, bool) {
	return wire.PriorityUpdate{}, false
}

// --- egress ---

func (c *Codec) GenerateConnectionPreface(w io.Writer) error {
	_, err := io.WriteString(w, http2.ClientPreface)
	return err
}

func (c *Codec) GenerateSettings(w io.Writer, s wire.Settings) error {
	fr := http2.NewFramer(w, nil)
	var settings []http2.Setting
	if s.InitialWindowSize != 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingInitialWindowSize, Val: s.InitialWindowSize})
	}
	if s.MaxConcurrentStreams != 0 {
		c.maxConcurrentStreams = s.MaxConcurrentStreams
		settings = append(settings, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: s.MaxConcurrentStreams})
	}
	if s.MaxFrameSize != 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxFrameSize, Val: s.MaxFrameSize})
	}
	return fr.WriteSettings(settings...)
}

func (c *Codec) GenerateSettingsAck(w io.Writer) error {
	return http2.NewFramer(w, nil).WriteSettingsAck()
}

func encodeHeaderBlock(msg *wire.Message, statusOut bool) []byte {
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	if statusOut && msg.StatusCode != 0 {
		_ = enc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(msg.StatusCode)})
	}
	for _, h := range msg.Headers {
		_ = enc.WriteField(hpack.HeaderField{Name: h.Name, Value: h.Value})
	}
	return buf.Bytes()
}

func (c *Codec) GenerateHeader(w io.Writer, id wire.StreamID, msg *wire.Message, eom bool) error {
	block := encodeHeaderBlock(msg, true)
	fr := http2.NewFramer(w, nil)
	return fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      uint32(id),
		BlockFragment: block,
		EndStream:     eom,
		EndHeaders:    true,
	})
}

// GenerateExHeader sends a HEADERS frame carrying an extra
// "upsession-control-id" header referencing controlID, modeling an
// exchanged (bidirectional, peer-initiated-control) stream the way an
// Extended CONNECT stream references its controlling request.
func (c *Codec) GenerateExHeader(w io.Writer, id wire.StreamID, msg *wire.Message, controlID wire.StreamID, eom bool) error {
	augmented := &wire.Message{StatusCode: msg.StatusCode, Trailers: msg.Trailers}
	augmented.Headers = append(augmented.Headers, msg.Headers...)
	augmented.Headers = append(augmented.Headers, wire.HeaderField{
		Name: "upsession-control-id", Value: strconv.FormatUint(uint64(controlID), 10),
	})
	return c.GenerateHeader(w, id, augmented, eom)
}

func (c *Codec) GeneratePushPromise(w io.Writer, id wire.StreamID, assocID wire.StreamID, msg *wire.Message) error {
	block := encodeHeaderBlock(msg, false)
	fr := http2.NewFramer(w, nil)
	return fr.WritePushPromise(http2.PushPromiseParam{
		StreamID:      uint32(assocID),
		PromiseID:     uint32(id),
		BlockFragment: block,
		EndHeaders:    true,
	})
}

func (c *Codec) GenerateBody(w io.Writer, id wire.StreamID, data []byte, padding int, eom bool) error {
	return http2.NewFramer(w, nil).WriteData(uint32(id), eom, data)
}

func (c *Codec) GenerateEOM(w io.Writer, id wire.StreamID) error {
	return http2.NewFramer(w, nil).WriteData(uint32(id), true, nil)
}

func toHTTP2Code(code wire.ErrorCode) http2.ErrCode {
	switch code {
	case wire.NoError:
		return http2.ErrCodeNo
	case wire.ProtocolError:
		return http2.ErrCodeProtocol
	case wire.InternalError:
		return http2.ErrCodeInternal
	case wire.FlowControlError:
		return http2.ErrCodeFlowControl
	case wire.RefusedStream:
		return http2.ErrCodeRefusedStream
	case wire.Cancel:
		return http2.ErrCodeCancel
	default:
		return http2.ErrCodeProtocol
	}
}

func fromHTTP2Code(code http2.ErrCode) wire.ErrorCode {
	switch code {
	case http2.ErrCodeNo:
		return wire.NoError
	case http2.ErrCodeProtocol:
		return wire.ProtocolError
	case http2.ErrCodeInternal:
		return wire.InternalError
	case http2.ErrCodeFlowControl:
		return wire.FlowControlError
	case http2.ErrCodeRefusedStream:
		return wire.RefusedStream
	case http2.ErrCodeCancel:
		return wire.Cancel
	default:
		return wire.ProtocolError
	}
}

func (c *Codec) GenerateRstStream(w io.Writer, id wire.StreamID, code wire.ErrorCode) error {
	return http2.NewFramer(w, nil).WriteRSTStream(uint32(id), toHTTP2Code(code))
}

func (c *Codec) GenerateGoaway(w io.Writer, lastGood wire.StreamID, code wire.ErrorCode) error {
	return http2.NewFramer(w, nil).WriteGoAway(uint32(lastGood), toHTTP2Code(code), nil)
}

func (c *Codec) GenerateWindowUpdate(w io.Writer, id wire.StreamID, delta uint32) error {
	return http2.NewFramer(w, nil).WriteWindowUpdate(uint32(id), delta)
}

func (c *Codec) GeneratePriority(w io.Writer, id wire.StreamID, update wire.PriorityUpdate) error {
	weight := update.Weight
	if weight > 0 {
		weight--
	}
	return http2.NewFramer(w, nil).WritePriority(uint32(id), http2.PriorityParam{
		StreamDep: uint32(update.ParentID),
		Exclusive: update.Exclusive,
		Weight:    weight,
	})
}

func (c *Codec) GeneratePing(w io.Writer, data [8]byte, ack bool) error {
	return http2.NewFramer(w, nil).WritePing(ack, data)
}

// --- ingress ---

func (c *Codec) OnIngress(data []byte) (int, error) {
	c.buf = append(c.buf, data...)
	for {
		if len(c.buf) < frameHeaderLen {
			break
		}
		length := int(c.buf[0])<<16 | int(c.buf[1])<<8 | int(c.buf[2])
		typ := http2.FrameType(c.buf[3])
		flags := http2.Flags(c.buf[4])
		streamID := wire.StreamID(uint32(c.buf[5])<<24 | uint32(c.buf[6])<<16 | uint32(c.buf[7])<<8 | uint32(c.buf[8])&0x7fffffff)
		if len(c.buf) < frameHeaderLen+length {
			break
		}
		payload := c.buf[frameHeaderLen : frameHeaderLen+length]
		c.buf = c.buf[frameHeaderLen+length:]
		if err := c.handleFrame(typ, flags, streamID, payload); err != nil {
			return len(data), err
		}
	}
	return len(data), nil
}

func (c *Codec) handleFrame(typ http2.FrameType, flags http2.Flags, streamID wire.StreamID, payload []byte) error {
	switch typ {
	case http2.FrameData:
		return c.onData(flags, streamID, payload)
	case http2.FrameHeaders:
		return c.onHeaders(flags, streamID, payload)
	case http2.FrameContinuation:
		return c.onContinuation(flags, streamID, payload)
	case http2.FramePriority:
		return c.onPriority(streamID, payload)
	case http2.FrameRSTStream:
		return c.onRstStream(streamID, payload)
	case http2.FrameSettings:
		return c.onSettings(flags, payload)
	case http2.FramePushPromise:
		return c.onPushPromise(flags, streamID, payload)
	case http2.FramePing:
		return c.onPing(flags, payload)
	case http2.FrameGoAway:
		return c.onGoaway(payload)
	case http2.FrameWindowUpdate:
		return c.onWindowUpdate(streamID, payload)
	default:
		return nil // unknown frame types are ignored per RFC 7540 §4.1
	}
}

func (c *Codec) onData(flags http2.Flags, streamID wire.StreamID, payload []byte) error {
	body := payload
	if flags&http2.FlagDataPadded != 0 && len(payload) > 0 {
		padLen := int(payload[0])
		body = payload[1 : len(payload)-padLen]
	}
	if len(body) > 0 {
		c.cb.OnBody(streamID, body)
	}
	if flags&http2.FlagDataEndStream != 0 {
		c.cb.OnMessageComplete(streamID)
	}
	return nil
}

func stripPadding(flags http2.Flags, payload []byte) []byte {
	if flags&http2.FlagHeadersPadded == 0 {
		return payload
	}
	if len(payload) == 0 {
		return payload
	}
	padLen := int(payload[0])
	payload = payload[1:]
	if padLen <= len(payload) {
		payload = payload[:len(payload)-padLen]
	}
	return payload
}

func (c *Codec) onHeaders(flags http2.Flags, streamID wire.StreamID, payload []byte) error {
	payload = stripPadding(flags, payload)
	if flags&http2.FlagHeadersPriority != 0 && len(payload) >= 5 {
		payload = payload[5:] // dependency+weight, not tracked on ingress
	}
	c.inHeaderSeq = true
	c.headerStreamID = streamID
	c.headerAssocID = 0
	c.headerBlock = append([]byte(nil), payload...)
	c.headerEndStream = flags&http2.FlagHeadersEndStream != 0
	if flags&http2.FlagHeadersEndHeaders != 0 {
		return c.finishHeaderSeq()
	}
	return nil
}

func (c *Codec) onPushPromise(flags http2.Flags, streamID wire.StreamID, payload []byte) error {
	payload = stripPadding(flags, payload)
	if len(payload) < 4 {
		return fmt.Errorf("http2: short PUSH_PROMISE")
	}
	promisedID := wire.StreamID(uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])&0x7fffffff)
	c.inHeaderSeq = true
	c.headerStreamID = promisedID
	c.headerAssocID = streamID
	c.headerBlock = append([]byte(nil), payload[4:]...)
	c.headerEndStream = false
	c.cb.OnPushMessageBegin(promisedID, streamID)
	if flags&http2.FlagPushPromiseEndHeaders != 0 {
		return c.finishHeaderSeq()
	}
	return nil
}

func (c *Codec) onContinuation(flags http2.Flags, streamID wire.StreamID, payload []byte) error {
	if !c.inHeaderSeq || streamID != c.headerStreamID {
		return fmt.Errorf("http2: CONTINUATION without matching HEADERS")
	}
	c.headerBlock = append(c.headerBlock, payload...)
	if flags&http2.FlagContinuationEndHeaders != 0 {
		return c.finishHeaderSeq()
	}
	return nil
}

func (c *Codec) finishHeaderSeq() error {
	c.inHeaderSeq = false
	msg := &wire.Message{}
	// c.hpackDec is reused for the lifetime of the connection: the HPACK
	// dynamic table it maintains must survive across header blocks, only
	// the emit func and per-call parse buffer are reset here.
	c.hpackDec.SetEmitFunc(func(f hpack.HeaderField) {
		switch f.Name {
		case ":status":
			if code, err := strconv.Atoi(f.Value); err == nil {
				msg.StatusCode = code
			}
		default:
			msg.Headers = append(msg.Headers, wire.HeaderField{Name: f.Name, Value: f.Value})
		}
	})
	if _, err := c.hpackDec.Write(c.headerBlock); err != nil {
		return err
	}
	if err := c.hpackDec.Close(); err != nil {
		return err
	}
	id := c.headerStreamID
	dir := wire.DirEgress
	if c.headerAssocID != 0 {
		dir = wire.DirIngress
	}
	c.cb.OnHeadersComplete(id, dir, c.headerAssocID, msg, c.headerEndStream)
	if c.headerEndStream {
		c.cb.OnMessageComplete(id)
	}
	return nil
}

func (c *Codec) onPriority(streamID wire.StreamID, payload []byte) error {
	if len(payload) < 5 {
		return fmt.Errorf("http2: short PRIORITY")
	}
	dep := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	excl := dep&0x80000000 != 0
	dep &^= 0x80000000
	weight := payload[4] + 1
	c.cb.OnPriority(streamID, wire.PriorityUpdate{ParentID: wire.StreamID(dep), Exclusive: excl, Weight: weight})
	return nil
}

func (c *Codec) onRstStream(streamID wire.StreamID, payload []byte) error {
	if len(payload) < 4 {
		return fmt.Errorf("http2: short RST_STREAM")
	}
	code := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	c.cb.OnAbort(streamID, fromHTTP2Code(http2.ErrCode(code)))
	return nil
}

func (c *Codec) onSettings(flags http2.Flags, payload []byte) error {
	if flags&http2.FlagSettingsAck != 0 {
		c.cb.OnSettingsAck()
		return nil
	}
	var s wire.Settings
	for i := 0; i+6 <= len(payload); i += 6 {
		id := http2.SettingID(uint16(payload[i])<<8 | uint16(payload[i+1]))
		val := uint32(payload[i+2])<<24 | uint32(payload[i+3])<<16 | uint32(payload[i+4])<<8 | uint32(payload[i+5])
		switch id {
		case http2.SettingInitialWindowSize:
			s.InitialWindowSize = val
		case http2.SettingMaxConcurrentStreams:
			s.MaxConcurrentStreams = val
		case http2.SettingMaxFrameSize:
			s.MaxFrameSize = val
		}
	}
	c.cb.OnSettings(s)
	return nil
}

func (c *Codec) onPing(flags http2.Flags, payload []byte) error {
	if len(payload) != 8 {
		return fmt.Errorf("http2: malformed PING")
	}
	var data [8]byte
	copy(data[:], payload)
	if flags&http2.FlagPingAck != 0 {
		c.cb.OnPingReply(data)
	} else {
		c.cb.OnPingRequest(data)
	}
	return nil
}

func (c *Codec) onGoaway(payload []byte) error {
	if len(payload) < 8 {
		return fmt.Errorf("http2: short GOAWAY")
	}
	lastGood := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	lastGood &^= 0x80000000
	code := uint32(payload[4])<<24 | uint32(payload[5])<<16 | uint32(payload[6])<<8 | uint32(payload[7])
	debug := append([]byte(nil), payload[8:]...)
	c.cb.OnGoaway(wire.StreamID(lastGood), fromHTTP2Code(http2.ErrCode(code)), debug)
	return nil
}

func (c *Codec) onWindowUpdate(streamID wire.StreamID, payload []byte) error {
	if len(payload) < 4 {
		return fmt.Errorf("http2: short WINDOW_UPDATE")
	}
	incr := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	incr &^= 0x80000000
	c.cb.OnWindowUpdate(streamID, int32(incr))
	return nil
}
