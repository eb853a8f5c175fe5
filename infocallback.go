// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

package upsession

// InfoCallback is the observer interface a Session drives for diagnostics,
// metrics and test assertions. Every method has a no-op default via
// NopInfoCallback so embedding it lets callers implement only what they
// care about.
type InfoCallback interface {
	OnCreate(s *Session)
	OnDestroy(s *Session)
	OnIngressMessage(s *Session)
	OnRead(s *Session, n int)
	OnWrite(s *Session, n int)
	OnSettings(s *Session)
	OnSettingsAck(s *Session)
	OnSessionCodecChange(s *Session)
	OnSettingsOutgoingStreamsFull(s *Session)
	OnSettingsOutgoingStreamsNotFull(s *Session)
	OnFlowControlWindowExhausted(s *Session)
	OnPingReplyFlushed(s *Session)
}

// NopInfoCallback implements InfoCallback with no-ops; embed it to
// override only the methods you need.
type NopInfoCallback struct{}

func (NopInfoCallback) OnCreate(*Session)                        {}
func (NopInfoCallback) OnDestroy(*Session)                        {}
func (NopInfoCallback) OnIngressMessage(*Session)                 {}
func (NopInfoCallback) OnRead(*Session, int)                      {}
func (NopInfoCallback) OnWrite(*Session, int)                     {}
func (NopInfoCallback) OnSettings(*Session)                       {}
func (NopInfoCallback) OnSettingsAck(*Session)                    {}
func (NopInfoCallback) OnSessionCodecChange(*Session)              {}
func (NopInfoCallback) OnSettingsOutgoingStreamsFull(*Session)     {}
func (NopInfoCallback) OnSettingsOutgoingStreamsNotFull(*Session)  {}
func (NopInfoCallback) OnFlowControlWindowExhausted(*Session)      {}
func (NopInfoCallback) OnPingReplyFlushed(*Session)                {}
