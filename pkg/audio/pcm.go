// Package audio provides PCM16 frame math, chunk encoding, and microphone
// capture for the live session pipeline. All audio is mono 16-bit
// little-endian: 16 kHz toward the model, 24 kHz back from it.
package audio

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
	Channels         = 1
	BytesPerSample   = 2

	// FrameSamples is the fixed capture block size. One frame is 4096
	// samples, 256ms at 16 kHz.
	FrameSamples = 4096
	FrameBytes   = FrameSamples * BytesPerSample
)

// Duration returns the playback duration of n bytes of mono PCM16 at the
// given sample rate.
func Duration(n int, sampleRateHz int) time.Duration {
	bytesPerSecond := sampleRateHz * Channels * BytesPerSample
	if bytesPerSecond <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bytesPerSecond))
}

// EncodeChunk serializes a captured frame into the base64 payload carried by
// the realtime-input envelope. Pure; no I/O.
func EncodeChunk(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeChunk decodes an inbound base64 audio payload into raw PCM16 bytes.
// The returned slice must contain whole samples.
func DecodeChunk(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("decode audio chunk: %d bytes is not a whole number of samples", len(pcm))
	}
	return pcm, nil
}
