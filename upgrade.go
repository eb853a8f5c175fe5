// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import (
	"strings"

	"github.com/ije/upsession/wire"
)

// knownUpgradeProtocols is the set of Upgrade: tokens this session can
// switch codecs to. "h2c" is the only one exercised end-to-end today, but
// the set is a slice so a future protocol is a one-line addition.
var knownUpgradeProtocols = []string{"h2c", "h2"}

func supportedUpgradeProtocol(headerValue string) (string, bool) {
	for _, tok := range strings.Split(headerValue, ",") {
		tok = strings.TrimSpace(tok)
		for _, known := range knownUpgradeProtocols {
			if strings.EqualFold(tok, known) {
				return known, true
			}
		}
	}
	return "", false
}

// upgradeBridge is the transient state held during an in-band protocol
// upgrade: it holds the pre-upgrade codec while the post-upgrade codec
// takes over, and owns the single pre-upgrade transaction (id 1 in both
// codecs).
type upgradeBridge struct {
	armed bool
	// protocol is the token the outgoing request offered and the 101
	// response must echo back.
	protocol string

	preCodec  wire.Codec
	postCodec wire.Codec
	txn       *transaction

	// got100 records whether an informational 100-continue was already
	// delivered before the 101 arrived, so ordering is preserved.
	got100 bool

	// bodyAlreadySent tracks that a chunked-encoded pre-upgrade request
	// body is considered delivered once the 101 response is processed.
	bodyAlreadySent bool
}

func (b *upgradeBridge) arm(protocol string, preCodec, postCodec wire.Codec, txn *transaction) {
	b.armed = true
	b.protocol = protocol
	b.preCodec = preCodec
	b.postCodec = postCodec
	b.txn = txn
}

func (b *upgradeBridge) disarm() {
	*b = upgradeBridge{}
}
