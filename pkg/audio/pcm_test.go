package audio

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	// 24kHz mono PCM16 => 48000 bytes/s.
	if got := Duration(48000, OutputSampleRate); got != time.Second {
		t.Fatalf("Duration(48000, 24000) = %v, want 1s", got)
	}
	if got := Duration(960, OutputSampleRate); got != 20*time.Millisecond {
		t.Fatalf("Duration(960, 24000) = %v, want 20ms", got)
	}
	if got := Duration(FrameBytes, InputSampleRate); got != 256*time.Millisecond {
		t.Fatalf("Duration(one frame, 16000) = %v, want 256ms", got)
	}
	if got := Duration(0, OutputSampleRate); got != 0 {
		t.Fatalf("Duration(0) = %v, want 0", got)
	}
}

func TestEncodeDecodeChunk(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	enc := EncodeChunk(pcm)
	got, err := DecodeChunk(enc)
	if err != nil {
		t.Fatalf("DecodeChunk error: %v", err)
	}
	if string(got) != string(pcm) {
		t.Fatalf("round trip = %v, want %v", got, pcm)
	}
}

func TestDecodeChunk_RejectsGarbage(t *testing.T) {
	if _, err := DecodeChunk("not base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	// Valid base64 but an odd byte count is not whole PCM16 samples.
	odd := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})
	if _, err := DecodeChunk(odd); err == nil {
		t.Fatal("expected error for odd byte count")
	}
}
