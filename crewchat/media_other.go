//go:build !linux || !cgo

package crewchat

// NewMicrophoneSource returns a receive-only source on platforms without
// a capture driver wired in. Remote audio still flows; nothing is sent.
func NewMicrophoneSource() MediaSource { return &nullMediaSource{} }
