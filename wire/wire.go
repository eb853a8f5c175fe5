// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

// Package wire defines the boundary between the upstream session core and
// the concrete byte-level protocols it can ride on: HTTP/1.x, SPDY/3.x and
// HTTP/2. A Codec never talks to the session directly; it is driven by
// method calls for egress and drives the session back through the Callback
// interface for ingress. The session owns exactly one Codec at a time
// (two, briefly, during an HTTP/1.1 upgrade).
package wire

import "io"

// StreamID identifies one stream/transaction within a codec. Zero means
// "the connection itself" (used by SETTINGS, GOAWAY, PING, connection-level
// WINDOW_UPDATE).
type StreamID uint32

// Direction classifies how a stream came to exist.
type Direction uint8

const (
	DirEgress    Direction = iota // locally minted, e.g. a client request
	DirIngress                   // peer-initiated, e.g. a server push
	DirExchanged                 // peer-initiated bidirectional (ex-header) stream
)

// ErrorCode mirrors the small set of wire-level reset/goaway reasons that
// the session needs to reason about. Codecs translate their own
// protocol-specific codes (HTTP/2 RST_STREAM codes, SPDY RST_STREAM status)
// to and from this set at the boundary.
type ErrorCode uint32

const (
	NoError ErrorCode = iota
	ProtocolError
	InternalError
	FlowControlError
	RefusedStream
	Cancel
	InvalidStream
	UnsupportedVersion
)

func (e ErrorCode) String() string {
	switch e {
	case NoError:
		return "NO_ERROR"
	case ProtocolError:
		return "PROTOCOL_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	case FlowControlError:
		return "FLOW_CONTROL_ERROR"
	case RefusedStream:
		return "REFUSED_STREAM"
	case Cancel:
		return "CANCEL"
	case InvalidStream:
		return "INVALID_STREAM"
	case UnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	default:
		return "UNKNOWN_ERROR"
	}
}

// HeaderField is a single name/value pair, order-preserving so that
// pseudo-headers (":method", ":path", ...) can be emitted first the way
// HTTP/2's HPACK and SPDY's header block both expect.
type HeaderField struct {
	Name  string
	Value string
}

// Message is the header-block payload exchanged in both directions:
// requests, responses, trailers and push promises all use it.
type Message struct {
	Headers    []HeaderField
	StatusCode int  // set on ingress responses, 0 for requests
	Trailers   bool // true if this Message is a trailer block
}

// Settings is the small subset of peer-announced parameters the session
// cares about. Codecs that don't support a given field (e.g. HTTP/1.x)
// leave it at its zero value and the session ignores it.
type Settings struct {
	InitialWindowSize    uint32
	MaxConcurrentStreams uint32
	MaxFrameSize         uint32
}

// PriorityUpdate is the raw-mode priority tuple: an explicit parent
// stream, exclusivity flag, and weight.
type PriorityUpdate struct {
	ParentID  StreamID
	Exclusive bool
	Weight    uint8 // 1..255 (256 does not fit a uint8), encoded as weight-1 on the wire where applicable
}

// Callback receives every ingress event a Codec can produce. The session
// implements this interface; a codec never calls application code
// directly.
type Callback interface {
	OnHeadersComplete(id StreamID, dir Direction, assocID StreamID, msg *Message, eom bool)
	OnBody(id StreamID, data []byte)
	OnChunkHeader(id StreamID, length int)
	OnChunkComplete(id StreamID)
	OnTrailers(id StreamID, msg *Message)
	OnMessageComplete(id StreamID)
	OnError(id StreamID, err error, isNew bool)
	OnAbort(id StreamID, code ErrorCode)
	OnGoaway(lastGood StreamID, code ErrorCode, debugData []byte)
	OnSettings(s Settings)
	OnSettingsAck()
	OnWindowUpdate(id StreamID, delta int32)
	OnPriority(id StreamID, update PriorityUpdate)
	OnPingRequest(data [8]byte)
	OnPingReply(data [8]byte)
	OnFrameHeader(id StreamID, kind byte, length int)
	OnPushMessageBegin(id StreamID, assocID StreamID)
}

// Codec is the external collaborator that turns Session operations into
// wire bytes and wire bytes into Callback invocations. One Codec
// instance is bound to exactly one underlying connection and one
// Callback (the owning Session).
type Codec interface {
	// SetCallback binds the ingress sink. Called once, before OnIngress.
	SetCallback(cb Callback)

	// OnIngress feeds newly-read transport bytes to the codec, which
	// parses as many frames/messages as are complete and invokes
	// Callback methods synchronously, in order, before returning.
	OnIngress(buf []byte) (consumed int, err error)

	// Egress generation. Each Generate* call appends wire bytes to w and
	// returns only an error; the session computes byte-event offsets
	// itself from the bytes it has queued.
	GenerateConnectionPreface(w io.Writer) error
	GenerateSettings(w io.Writer, s Settings) error
	GenerateSettingsAck(w io.Writer) error
	GenerateHeader(w io.Writer, id StreamID, msg *Message, eom bool) error
	GenerateExHeader(w io.Writer, id StreamID, msg *Message, controlID StreamID, eom bool) error
	GeneratePushPromise(w io.Writer, id StreamID, assocID StreamID, msg *Message) error
	GenerateBody(w io.Writer, id StreamID, data []byte, padding int, eom bool) error
	GenerateEOM(w io.Writer, id StreamID) error
	GenerateRstStream(w io.Writer, id StreamID, code ErrorCode) error
	GenerateGoaway(w io.Writer, lastGood StreamID, code ErrorCode) error
	GenerateWindowUpdate(w io.Writer, id StreamID, delta uint32) error
	GeneratePriority(w io.Writer, id StreamID, update PriorityUpdate) error
	GeneratePing(w io.Writer, data [8]byte, ack bool) error

	// MapPriorityToDependency resolves a PriorityTree level to the
	// dependency tuple the peer should observe; only meaningful for
	// codecs that support priority (HTTP/2, SPDY).
	MapPriorityToDependency(level uint8) (PriorityUpdate, bool)

	// CreateStream mints the next locally-assigned stream id.
	CreateStream() StreamID

	// Introspection predicates.
	SupportsParallelRequests() bool
	SupportsStreamFlowControl() bool
	SupportsPriority() bool
	DefaultWindowSize() uint32
	Protocol() string
	IsReusable() bool
	IsWaitingToDrain() bool
}
