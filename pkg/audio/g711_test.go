package audio_test

import (
	"testing"

	"github.com/MrWong99/voxline/pkg/audio"
)

func TestDecodeMuLaw_KnownCodes(t *testing.T) {
	tests := []struct {
		code byte
		want int16
	}{
		{0xFF, 0},      // positive zero
		{0x7F, 0},      // negative zero also decodes to silence
		{0x80, 32124},  // maximum positive
		{0x00, -32124}, // maximum negative
		{0xF0, 120},
		{0xCE, 988},
	}
	for _, tt := range tests {
		got := audio.DecodeMuLaw([]byte{tt.code})
		if len(got) != 1 {
			t.Fatalf("code 0x%02X: expected 1 sample, got %d", tt.code, len(got))
		}
		if got[0] != tt.want {
			t.Errorf("code 0x%02X: got %d, want %d", tt.code, got[0], tt.want)
		}
	}
}

func TestEncodeMuLaw_Clipping(t *testing.T) {
	// Full-scale samples clip to the same codes as the maximum companded
	// magnitude instead of wrapping.
	got := audio.EncodeMuLaw([]int16{32767, -32768, 0})
	want := []byte{0x80, 0x00, 0xFF}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d: got 0x%02X, want 0x%02X", i, got[i], want[i])
		}
	}
}

func TestMuLawRoundTrip_AllCodes(t *testing.T) {
	// Every code except 0x7F survives decode followed by encode. 0x7F is
	// negative zero: it decodes to 0, which re-encodes as positive zero 0xFF.
	for i := range 256 {
		code := byte(i)
		sample := audio.DecodeMuLaw([]byte{code})
		back := audio.EncodeMuLaw(sample)
		if code == 0x7F {
			if back[0] != 0xFF {
				t.Errorf("code 0x7F: re-encoded as 0x%02X, want 0xFF", back[0])
			}
			continue
		}
		if back[0] != code {
			t.Errorf("code 0x%02X: round-tripped to 0x%02X", code, back[0])
		}
	}
}

func TestEncodeMuLaw_Empty(t *testing.T) {
	if got := audio.EncodeMuLaw(nil); len(got) != 0 {
		t.Errorf("expected empty output, got %d bytes", len(got))
	}
	if got := audio.DecodeMuLaw(nil); len(got) != 0 {
		t.Errorf("expected empty output, got %d samples", len(got))
	}
}
