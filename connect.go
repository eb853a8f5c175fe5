// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import (
	"crypto/tls"
	"errors"
	"net"

	"github.com/ije/upsession/codec/http1"
	"github.com/ije/upsession/codec/http2"
	"github.com/ije/upsession/codec/spdy3"
	"github.com/ije/upsession/wire"
)

// knownALPNProtocols is offered to the peer during the TLS handshake, in
// preference order. A plain Dial (no TLS) always falls back to http1.
var knownALPNProtocols = []string{"h2", "spdy/3.1", "http/1.1"}

// ErrUnsupportedProtocol is returned when a peer negotiates (or a caller
// names) a protocol this package does not have a codec for.
var ErrUnsupportedProtocol = errors.New("upsession: unsupported protocol")

// Dial opens a TLS connection to addr, negotiates a protocol over ALPN,
// builds the matching Codec, and returns an unstarted Session wrapping
// it. Call StartNow once a Handler is ready for the first transaction.
func Dial(addr string, tlsConfig *tls.Config, opts Options) (*Session, error) {
	cfg := tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = knownALPNProtocols
	}
	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	proto := conn.ConnectionState().NegotiatedProtocol
	codec, err := newCodecForProtocol(proto, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return NewSession(conn, codec, opts), nil
}

// DialPlain opens a plain TCP connection and builds an HTTP/1.x session
// over it. There is no ALPN on a non-TLS connection, so the session
// always starts on HTTP/1.x (a caller that wants h2c negotiates the
// upgrade itself; see Session.RequestUpgrade).
func DialPlain(network, addr string, opts Options) (*Session, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return NewSession(conn, http1.NewCodec(), opts), nil
}

func newCodecForProtocol(proto string, conn net.Conn) (wire.Codec, error) {
	switch proto {
	case "h2":
		return http2.NewCodec(), nil
	case "spdy/3.1", "spdy/3":
		return spdy3.NewCodec(), nil
	case "http/1.1", "":
		return http1.NewCodec(), nil
	default:
		return nil, ErrUnsupportedProtocol
	}
}
