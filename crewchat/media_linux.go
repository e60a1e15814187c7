//go:build linux && cgo

package crewchat

import (
	"context"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// micSource captures the system microphone via pion/mediadevices with an
// Opus encoder. The webrtc API it hands out is built from the same codec
// selector so captured tracks negotiate cleanly.
type micSource struct {
	mu     sync.Mutex
	stream mediadevices.MediaStream
	api    *webrtc.API
	tracks []webrtc.TrackLocal
}

// NewMicrophoneSource returns a MediaSource backed by the system
// microphone.
func NewMicrophoneSource() MediaSource { return &micSource{} }

func (m *micSource) Acquire(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return nil
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return err
	}
	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))

	engine := &webrtc.MediaEngine{}
	selector.Populate(engine)
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return err
	}
	m.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return err
	}
	m.stream = stream
	for _, t := range stream.GetTracks() {
		m.tracks = append(m.tracks, t)
	}
	return nil
}

func (m *micSource) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), m.tracks...)
}

func (m *micSource) API() (*webrtc.API, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.api == nil {
		return defaultAPI()
	}
	return m.api, nil
}

func (m *micSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	for _, t := range m.stream.GetTracks() {
		t.Close()
	}
	m.stream = nil
	m.tracks = nil
	m.api = nil
	return nil
}
