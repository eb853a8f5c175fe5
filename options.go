// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import (
	"log"
	"time"
)

// Options configures a Session: buffer limits, flow-control defaults,
// concurrency caps, timeouts, priority weights and the diagnostic hooks.
type Options struct {
	// WriteBufferLimit is the egress-pause threshold. Crossing it pauses
	// every transaction until writes drain back below it.
	WriteBufferLimit int

	// InitialRecvWindow is the default for InitialRecvWindowPerStream; it
	// is not sent to the peer itself. StartNow advertises the per-stream
	// value in SETTINGS.
	InitialRecvWindow uint32

	// InitialRecvWindowPerStream overrides InitialRecvWindow for newly
	// created streams specifically: SetFlowControl exposes two separate
	// knobs, initial-recv and initial-recv-per-stream.
	InitialRecvWindowPerStream uint32

	// ConnRecvWindow is the connection-level receive window.
	ConnRecvWindow uint32

	// MaxConcurrentOutgoingStreams caps how many transactions a
	// multiplexed codec may have open at once before "transactions full"
	// is reported via InfoCallback. The Go zero value, 0, is a legal,
	// explicit setting that drains the session immediately. Use
	// NewOptions, or set this field to NoMaxConcurrentOutgoingStreams
	// (-1) explicitly, to get the ordinary default of 10 instead.
	MaxConcurrentOutgoingStreams int

	// IdleTimeout is the default per-transaction idle timeout.
	IdleTimeout time.Duration

	// PriorityLevels, when > 0, enables PriorityTree levels mode at
	// startup.
	PriorityLevels  int
	HiPriWeight     uint8
	LoPriWeight     uint8

	Logger *log.Logger

	InfoCallback InfoCallback
}

const (
	defaultWriteBufferLimit   = 65536
	defaultInitialRecvWindow  = 65535
	defaultConnRecvWindow     = 65535
	defaultMaxOutgoingStreams = 10
	defaultIdleTimeout        = 60 * time.Second
	defaultHiPriWeight        = 18
	defaultLoPriWeight        = 2

	// NoMaxConcurrentOutgoingStreams is the sentinel for "unset": use it
	// when building Options programmatically to get the default cap of
	// 10. The struct's natural Go zero value (0) is left alone by
	// setDefaults, since an explicit 0 is meaningful on its own terms
	// ("drain immediately").
	NoMaxConcurrentOutgoingStreams = -1
)

// NewOptions returns Options pre-filled with NoMaxConcurrentOutgoingStreams
// so that setDefaults applies the normal cap of 10 rather than the
// drain-immediately behavior of a bare Options{}.
func NewOptions() Options {
	return Options{MaxConcurrentOutgoingStreams: NoMaxConcurrentOutgoingStreams}
}

func (o *Options) setDefaults() {
	if o.WriteBufferLimit == 0 {
		o.WriteBufferLimit = defaultWriteBufferLimit
	}
	if o.InitialRecvWindow == 0 {
		o.InitialRecvWindow = defaultInitialRecvWindow
	}
	if o.InitialRecvWindowPerStream == 0 {
		o.InitialRecvWindowPerStream = o.InitialRecvWindow
	}
	if o.ConnRecvWindow == 0 {
		o.ConnRecvWindow = defaultConnRecvWindow
	}
	if o.MaxConcurrentOutgoingStreams == NoMaxConcurrentOutgoingStreams {
		o.MaxConcurrentOutgoingStreams = defaultMaxOutgoingStreams
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.HiPriWeight == 0 {
		o.HiPriWeight = defaultHiPriWeight
	}
	if o.LoPriWeight == 0 {
		o.LoPriWeight = defaultLoPriWeight
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.InfoCallback == nil {
		o.InfoCallback = NopInfoCallback{}
	}
}
