package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/cadenza/pkg/audio"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = audio.SampleRate
	opusChannels    = audio.Channels
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// maxOpusPacket bounds one encoded packet.
	maxOpusPacket = 4000

	minBitrate = 8000
	maxBitrate = 512000
)

// opusEncoder wraps a gopus Opus encoder for the output stream. It is not
// safe for concurrent use; only the send loop touches it.
type opusEncoder struct {
	enc *gopus.Encoder
}

// newOpusEncoder creates an encoder tuned for music.
func newOpusEncoder(bitrate int) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}
	return &opusEncoder{enc: enc}, nil
}

func (e *opusEncoder) setBitrate(bps int) { e.enc.SetBitrate(bps) }

// encode encodes one frame of interleaved PCM (little-endian bytes).
func (e *opusEncoder) encode(pcmBytes []byte) ([]byte, error) {
	pcm := bytesToInt16s(pcmBytes)
	opus, err := e.enc.Encode(pcm, opusFrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return opus, nil
}

func validBitrate(bps int) error {
	if bps < minBitrate || bps > maxBitrate {
		return fmt.Errorf("discord: bitrate %d out of range [%d, %d]", bps, minBitrate, maxBitrate)
	}
	return nil
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
