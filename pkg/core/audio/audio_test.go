package audio

import (
	"bytes"
	"encoding/base64"
	"math"
	"testing"
)

func TestRMSEnergy(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		expected float64
	}{
		{
			name:     "silence",
			samples:  []int16{0, 0, 0, 0},
			expected: 0.0,
		},
		{
			name:     "max amplitude",
			samples:  []int16{32767, 32767, 32767, 32767},
			expected: 32767.0,
		},
		{
			name:     "half amplitude",
			samples:  []int16{16384, 16384, 16384, 16384},
			expected: 16384.0,
		},
		{
			name:     "mixed signal",
			samples:  []int16{16384, -16384, 16384, -16384},
			expected: 16384.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := make([]byte, len(tt.samples)*2)
			for i, s := range tt.samples {
				pcm[i*2] = byte(s & 0xFF)
				pcm[i*2+1] = byte((s >> 8) & 0xFF)
			}

			result := RMSEnergy(pcm)
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("expected RMS %.3f, got %.3f", tt.expected, result)
			}
		})
	}
}

func TestWireFormat(t *testing.T) {
	wire := WireFormat()

	// 8kHz, mono, 8-bit mu-law = 8000 bytes/second
	if wire.BytesPerSecond() != 8000 {
		t.Errorf("expected 8000 bytes/sec, got %d", wire.BytesPerSecond())
	}
	if wire.BytesForDurationMs(20) != 160 {
		t.Errorf("expected 160 bytes for 20ms, got %d", wire.BytesForDurationMs(20))
	}
	if wire.DurationMs(160) != 20 {
		t.Errorf("expected 20ms for 160 bytes, got %d", wire.DurationMs(160))
	}
}

func TestPCMFormat(t *testing.T) {
	pcm := PCMFormat()

	// 8kHz, mono, 16-bit = 16000 bytes/second
	if pcm.BytesPerSecond() != 16000 {
		t.Errorf("expected 16000 bytes/sec, got %d", pcm.BytesPerSecond())
	}
	if pcm.DurationMs(16000) != 1000 {
		t.Errorf("expected 1000ms for 16000 bytes, got %d", pcm.DurationMs(16000))
	}
}

func TestFrameRoundTrip(t *testing.T) {
	ulaw := []byte{0x00, 0x7F, 0x80, 0xFF, 0x55}

	payload := EncodeFrame(ulaw)
	decoded, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if !bytes.Equal(decoded, ulaw) {
		t.Errorf("round trip mismatch: got %v, want %v", decoded, ulaw)
	}
}

func TestDecodeFrameInvalid(t *testing.T) {
	if _, err := DecodeFrame("not base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestULawToPCMLength(t *testing.T) {
	pcm := ULawToPCM([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if len(pcm) != 8 {
		t.Fatalf("expected 8 PCM bytes for 4 mu-law samples, got %d", len(pcm))
	}
}

func TestULawSilence(t *testing.T) {
	// 0xFF is mu-law digital silence; it must expand to zero.
	pcm := ULawToPCM([]byte{0xFF})
	s := int16(pcm[0]) | int16(pcm[1])<<8
	if s != 0 {
		t.Errorf("expected 0 for mu-law silence, got %d", s)
	}
}

func TestULawRoundTrip(t *testing.T) {
	// Encoding is lossy, so compare through a second pass: once a sample has
	// been quantized, re-encoding its expansion must be stable.
	for i := 0; i < 256; i++ {
		u := byte(i)
		s := ulawToLinear(u)
		u2 := linearToULaw(s)
		s2 := ulawToLinear(u2)
		if s != s2 {
			t.Errorf("unstable quantization for 0x%02X: %d vs %d", u, s, s2)
		}
	}
}

func TestPCMToULawQuantizationError(t *testing.T) {
	samples := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}

	back := ULawToPCM(PCMToULaw(pcm))
	for i, want := range samples {
		got := int16(back[i*2]) | int16(back[i*2+1])<<8
		// Mu-law error grows with amplitude; allow segment-sized slack.
		slack := int32(want)
		if slack < 0 {
			slack = -slack
		}
		slack = slack/16 + 16
		diff := int32(got) - int32(want)
		if diff < 0 {
			diff = -diff
		}
		if diff > slack {
			t.Errorf("sample %d: got %d, want %d (±%d)", i, got, want, slack)
		}
	}
}

func TestBuffer(t *testing.T) {
	wire := WireFormat()
	buf := NewBuffer(wire, 100) // 100ms cap

	data50ms := make([]byte, wire.BytesForDurationMs(50))
	for i := range data50ms {
		data50ms[i] = byte(i % 256)
	}
	buf.Write(data50ms)

	if buf.DurationMs() != 50 {
		t.Errorf("expected 50ms, got %dms", buf.DurationMs())
	}

	// Another 100ms must trim to the 100ms cap, keeping the newest audio.
	data100ms := make([]byte, wire.BytesForDurationMs(100))
	buf.Write(data100ms)

	if buf.DurationMs() != 100 {
		t.Errorf("expected 100ms (capped), got %dms", buf.DurationMs())
	}

	buf.Reset()
	if buf.Len() != 0 {
		t.Errorf("expected 0 after reset, got %d", buf.Len())
	}
}

func TestBufferBytesCopies(t *testing.T) {
	buf := NewBuffer(WireFormat(), 100)
	buf.Write([]byte{1, 2, 3})

	out := buf.Bytes()
	out[0] = 99

	if got := buf.Bytes()[0]; got != 1 {
		t.Errorf("Bytes must return a copy; buffer mutated to %d", got)
	}
}

func TestEncodeFrameMatchesStdBase64(t *testing.T) {
	ulaw := []byte{0x01, 0x02, 0x03}
	if got, want := EncodeFrame(ulaw), base64.StdEncoding.EncodeToString(ulaw); got != want {
		t.Errorf("EncodeFrame = %q, want %q", got, want)
	}
}
