// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import (
	"fmt"

	"github.com/ije/upsession/wire"
)

// ErrDirection says which leg of a transaction an error applies to. It is
// a bitflag, distinct from wire.Direction (which classifies how a stream
// came to exist): DirIngress|DirEgress is a valid combined value here.
type ErrDirection uint8

const (
	DirIngress ErrDirection = 1 << iota
	DirEgress
)

func (d ErrDirection) String() string {
	switch d {
	case DirIngress:
		return "ingress"
	case DirEgress:
		return "egress"
	case DirIngress | DirEgress:
		return "ingress|egress"
	default:
		return "none"
	}
}

// ErrorKind enumerates the error kinds surfaced to transactions.
type ErrorKind string

const (
	ErrStreamUnacknowledged  ErrorKind = "StreamUnacknowledged"
	ErrWriteTimeout          ErrorKind = "WriteTimeout"
	ErrReadTimeout           ErrorKind = "ReadTimeout"
	ErrParseHeader           ErrorKind = "ParseHeader"
	ErrIngressStateTransition ErrorKind = "IngressStateTransition"
	ErrDropped               ErrorKind = "Dropped"
	ErrClientRenegotiation   ErrorKind = "ClientRenegotiation"
	ErrProtocolError         ErrorKind = "ProtocolError"
	ErrRefusedStream         ErrorKind = "RefusedStream"
	ErrConnectionReset       ErrorKind = "ConnectionReset"
)

// SessionError is the concrete error type handed to Transaction.OnError.
// Its message has the literal format "<Kind> on transaction id: <N>",
// optionally suffixed with codec detail.
type SessionError struct {
	Kind      ErrorKind
	Direction ErrDirection
	StreamID  wire.StreamID
	Detail    string // e.g. "with codec error: PROTOCOL_ERROR"
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("%s on transaction id: %d", e.Kind, e.StreamID)
	if e.Detail != "" {
		msg += " " + e.Detail
	}
	return msg
}

func newSessionError(kind ErrorKind, dir ErrDirection, id wire.StreamID) *SessionError {
	return &SessionError{Kind: kind, Direction: dir, StreamID: id}
}

func newSessionErrorWithCodec(kind ErrorKind, dir ErrDirection, id wire.StreamID, code wire.ErrorCode) *SessionError {
	e := newSessionError(kind, dir, id)
	if code != wire.NoError {
		e.Detail = fmt.Sprintf("with codec error: %s", code)
	}
	return e
}
