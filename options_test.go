// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

import (
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetDefaultsFillsZeroValueFields(t *testing.T) {
	var o Options
	o.setDefaults()

	assert.EqualValues(t, defaultWriteBufferLimit, o.WriteBufferLimit)
	assert.EqualValues(t, defaultInitialRecvWindow, o.InitialRecvWindow)
	assert.EqualValues(t, defaultInitialRecvWindow, o.InitialRecvWindowPerStream)
	assert.EqualValues(t, defaultConnRecvWindow, o.ConnRecvWindow)
	assert.EqualValues(t, defaultIdleTimeout, o.IdleTimeout)
	assert.EqualValues(t, defaultHiPriWeight, o.HiPriWeight)
	assert.EqualValues(t, defaultLoPriWeight, o.LoPriWeight)
	assert.Equal(t, log.Default(), o.Logger)
	assert.IsType(t, NopInfoCallback{}, o.InfoCallback)

	// bare Options{} leaves MaxConcurrentOutgoingStreams at the Go zero
	// value, which is a legal explicit "drain immediately" setting.
	assert.Zero(t, o.MaxConcurrentOutgoingStreams)
}

func TestNewOptionsGetsOrdinaryStreamCapDefault(t *testing.T) {
	o := NewOptions()
	o.setDefaults()
	assert.EqualValues(t, defaultMaxOutgoingStreams, o.MaxConcurrentOutgoingStreams)
}

func TestSetDefaultsPreservesExplicitZeroStreamCap(t *testing.T) {
	o := Options{MaxConcurrentOutgoingStreams: 0}
	o.setDefaults()
	assert.Zero(t, o.MaxConcurrentOutgoingStreams)
}

func TestSetDefaultsPreservesExplicitNonZeroValues(t *testing.T) {
	customLogger := log.New(nil, "x", 0)
	o := Options{
		WriteBufferLimit:             1024,
		InitialRecvWindow:            2048,
		InitialRecvWindowPerStream:   512,
		ConnRecvWindow:               4096,
		MaxConcurrentOutgoingStreams: 3,
		HiPriWeight:                  7,
		LoPriWeight:                  1,
		Logger:                       customLogger,
	}
	o.setDefaults()

	assert.EqualValues(t, 1024, o.WriteBufferLimit)
	assert.EqualValues(t, 2048, o.InitialRecvWindow)
	assert.EqualValues(t, 512, o.InitialRecvWindowPerStream)
	assert.EqualValues(t, 4096, o.ConnRecvWindow)
	assert.EqualValues(t, 3, o.MaxConcurrentOutgoingStreams)
	assert.EqualValues(t, 7, o.HiPriWeight)
	assert.EqualValues(t, 1, o.LoPriWeight)
	assert.Same(t, customLogger, o.Logger)
}

func TestSetDefaultsDerivesPerStreamWindowFromInitialRecvWindow(t *testing.T) {
	o := Options{InitialRecvWindow: 9000}
	o.setDefaults()
	assert.EqualValues(t, 9000, o.InitialRecvWindowPerStream)
}
