package audio

import "time"

// AudioFrame is a chunk of PCM audio on its way to a [Connection].
type AudioFrame struct {
	// Data holds interleaved signed 16-bit little-endian samples.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int

	// Timestamp is the position of the frame within the track.
	Timestamp time.Duration
}

// Duration returns the playback length of f.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
