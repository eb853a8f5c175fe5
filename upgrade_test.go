// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ije/upsession/codec/http1"
	"github.com/ije/upsession/codec/http2"
	"github.com/ije/upsession/wire"
)

func TestSupportedUpgradeProtocolMatchesKnownTokenCaseInsensitively(t *testing.T) {
	got, ok := supportedUpgradeProtocol("H2C")
	require.True(t, ok)
	assert.Equal(t, "h2c", got)
}

func TestSupportedUpgradeProtocolMatchesOneOfSeveralCommaSeparatedTokens(t *testing.T) {
	got, ok := supportedUpgradeProtocol("websocket, h2c")
	require.True(t, ok)
	assert.Equal(t, "h2c", got)
}

func TestSupportedUpgradeProtocolRejectsUnknownToken(t *testing.T) {
	_, ok := supportedUpgradeProtocol("websocket")
	assert.False(t, ok)
}

func TestUpgradeBridgeArmAndDisarm(t *testing.T) {
	var b upgradeBridge
	pre := http1.NewCodec()
	post := http2.NewCodec()
	txn := &transaction{id: 1}

	b.arm("h2c", pre, post, txn)
	assert.True(t, b.armed)
	assert.Equal(t, "h2c", b.protocol)
	assert.Same(t, txn, b.txn)

	b.disarm()
	assert.False(t, b.armed)
	assert.Nil(t, b.preCodec)
	assert.Nil(t, b.postCodec)
	assert.Nil(t, b.txn)
}

func TestRequestUpgradeRejectsUnknownProtocol(t *testing.T) {
	sess := newIdleSession(t)
	sess.StartNow()
	fh := newFakeHandler()
	txn := sess.NewTransaction(fh)
	require.NotNil(t, txn)

	ok := sess.RequestUpgrade(txn, "websocket", http2.NewCodec())
	assert.False(t, ok)
}

func TestSessionUpgradeSwapsCodecOn101(t *testing.T) {
	sess, peer := newTestHTTP1Session(t)
	sess.StartNow()

	fh := newFakeHandler()
	txn := sess.NewTransaction(fh)
	require.NotNil(t, txn)

	newCodec := http2.NewCodec()
	ok := sess.RequestUpgrade(txn, "h2c", newCodec)
	require.True(t, ok)

	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)
		readUntil(t, peer, "\r\n\r\n")
		_, err := peer.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: h2c\r\nConnection: Upgrade\r\n\r\n"))
		if err != nil {
			t.Errorf("peer write: %v", err)
		}
	}()

	err := txn.SendHeaders(&wire.Message{Headers: []wire.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
		{Name: "upgrade", Value: "h2c"},
		{Name: "connection", Value: "Upgrade"},
	}}, true)
	require.NoError(t, err)

	waitFor(t, fh.headersCh, "101 response delivered as headers")
	<-peerDone

	require.Len(t, fh.headers, 1)
	assert.Equal(t, 101, fh.headers[0].StatusCode)

	swapped := make(chan bool, 1)
	sess.egressCh <- func() { swapped <- (sess.codec == newCodec) }
	assert.True(t, <-swapped, "session codec must be swapped to the post-upgrade codec")
	assert.False(t, sess.upgrade.armed, "bridge disarms once the swap completes")
}
