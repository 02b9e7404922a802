package audio

import (
	"math"
	"testing"
)

func generateSine(freq float64, durationMs int, sampleRate int, amp float64) []int16 {
	n := sampleRate * durationMs / 1000
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		v := amp * math.Sin(2*math.Pi*freq*t)
		out[i] = int16(v * 32767)
	}
	return out
}

func TestMulawRoundTrip(t *testing.T) {
	pcm := generateSine(440, 20, 8000, 0.5)

	for i, s := range pcm {
		b := mulawEncodeSample(s)
		decoded := mulawDecodeByte(b)

		// G.711 is lossy quantization; allow a generous error bound
		// relative to sample magnitude (quantization step grows with
		// exponent band).
		diff := math.Abs(float64(decoded) - float64(s))
		tolerance := math.Abs(float64(s))*0.12 + 300
		if diff > tolerance {
			t.Fatalf("sample %d: round-trip %d -> %d exceeds tolerance %.1f (diff %.1f)", i, s, decoded, tolerance, diff)
		}
	}
}

func TestEncodeDecodeMulawBuffers(t *testing.T) {
	pcm := generateSine(300, 20, 16000, 0.3)

	mulaw := EncodePCM16ToMulaw(pcm, 8000)
	if len(mulaw) != len(pcm)/2 {
		t.Fatalf("expected %d mulaw bytes, got %d", len(pcm)/2, len(mulaw))
	}

	back := DecodeMulawToPCM16(mulaw, 8000)
	if len(back) != len(pcm) {
		t.Fatalf("expected %d pcm samples back, got %d", len(pcm), len(back))
	}
}

func TestResamplePolyphaseRatio(t *testing.T) {
	pcm8k := generateSine(440, 100, 8000, 0.5)

	pcm16k := ResamplePolyphase(pcm8k, 8000, 16000)
	if len(pcm16k) < len(pcm8k)*2-4 || len(pcm16k) > len(pcm8k)*2+4 {
		t.Fatalf("expected roughly %d samples at 16kHz, got %d", len(pcm8k)*2, len(pcm16k))
	}

	back8k := ResamplePolyphase(pcm16k, 16000, 8000)
	if back8k == nil {
		t.Fatal("expected non-nil resample result")
	}
}

func TestResampleIdentityRatio(t *testing.T) {
	pcm := generateSine(200, 20, 16000, 0.4)
	out := ResamplePolyphase(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("identity resample changed length: %d -> %d", len(pcm), len(out))
	}
	for i := range pcm {
		if out[i] != pcm[i] {
			t.Fatalf("identity resample altered sample %d: %d -> %d", i, pcm[i], out[i])
		}
	}
}

func TestResamplerStatefulNoDiscontinuity(t *testing.T) {
	full := generateSine(440, 200, 8000, 0.5)

	r := NewResampler(8000, 16000)
	var chunked []int16
	chunkSize := 160 // 20ms @ 8kHz
	for i := 0; i < len(full); i += chunkSize {
		end := i + chunkSize
		if end > len(full) {
			end = len(full)
		}
		chunked = append(chunked, r.Process(full[i:end])...)
	}

	if len(chunked) == 0 {
		t.Fatal("expected resampled output")
	}

	// No single-sample jump should exceed a small multiple of the signal's
	// peak-to-peak amplitude; a naive non-stateful per-chunk resample would
	// otherwise show sharp clicks at chunk boundaries.
	for i := 1; i < len(chunked); i++ {
		diff := math.Abs(float64(chunked[i]) - float64(chunked[i-1]))
		if diff > 20000 {
			t.Fatalf("discontinuity at sample %d: %d -> %d", i, chunked[i-1], chunked[i])
		}
	}
}

func TestBytesPCM16RoundTrip(t *testing.T) {
	pcm := generateSine(100, 10, 8000, 0.6)
	b := PCM16ToBytes(pcm)
	back := BytesToPCM16(b)
	if len(back) != len(pcm) {
		t.Fatalf("length mismatch: %d vs %d", len(back), len(pcm))
	}
	for i := range pcm {
		if back[i] != pcm[i] {
			t.Fatalf("sample %d mismatch: %d vs %d", i, pcm[i], back[i])
		}
	}
}
