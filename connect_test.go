// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ije/upsession/codec/http1"
	"github.com/ije/upsession/codec/http2"
	"github.com/ije/upsession/codec/spdy3"
)

func TestNewCodecForProtocolMapsALPNNames(t *testing.T) {
	cases := []struct {
		proto string
		want  string
	}{
		{"h2", "h2"},
		{"spdy/3.1", "spdy/3.1"},
		{"spdy/3", "spdy/3.1"},
		{"http/1.1", "http/1.1"},
		{"", "http/1.1"},
	}
	for _, c := range cases {
		codec, err := newCodecForProtocol(c.proto, nil)
		require.NoError(t, err, c.proto)
		assert.Equal(t, c.want, codec.Protocol(), c.proto)
	}

	h2Codec, _ := newCodecForProtocol("h2", nil)
	assert.IsType(t, &http2.Codec{}, h2Codec)
	spdyCodec, _ := newCodecForProtocol("spdy/3.1", nil)
	assert.IsType(t, &spdy3.Codec{}, spdyCodec)
	httpCodec, _ := newCodecForProtocol("http/1.1", nil)
	assert.IsType(t, &http1.Codec{}, httpCodec)
}

func TestNewCodecForProtocolRejectsUnknown(t *testing.T) {
	_, err := newCodecForProtocol("quic", nil)
	assert.Equal(t, ErrUnsupportedProtocol, err)
}
