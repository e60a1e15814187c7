package crewchat

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// MediaSource owns local audio capture for calls. The call layer never
// touches capture hardware directly; it attaches whatever tracks the
// source exposes and swaps them on senders for mute gating.
type MediaSource interface {
	// Acquire opens the capture device. Idempotent; a second call on an
	// open source is a no-op.
	Acquire(ctx context.Context) error

	// Tracks returns the captured local tracks. Empty before Acquire and
	// for receive-only sources.
	Tracks() []webrtc.TrackLocal

	// API returns a webrtc API configured for the source's codecs.
	API() (*webrtc.API, error)

	// Close stops every captured track and releases the device.
	// Idempotent.
	Close() error
}

// NewNullMediaSource returns a receive-only source: no local capture,
// default codecs. Remote audio still flows.
func NewNullMediaSource() MediaSource { return &nullMediaSource{} }

type nullMediaSource struct{}

func (*nullMediaSource) Acquire(context.Context) error { return nil }
func (*nullMediaSource) Tracks() []webrtc.TrackLocal   { return nil }
func (*nullMediaSource) Close() error                  { return nil }
func (*nullMediaSource) API() (*webrtc.API, error)     { return defaultAPI() }

// defaultAPI builds a webrtc API with default codecs and interceptors.
func defaultAPI() (*webrtc.API, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}
