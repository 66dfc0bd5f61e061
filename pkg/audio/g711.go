// Package audio implements the narrowband telephony audio path: ITU-T G.711
// μ-law companding and exact 1:3 sample-rate conversion between 8 kHz
// telephony audio and the 24 kHz PCM16 stream the speech model consumes.
//
// All functions are pure and safe for concurrent use. The μ-law decode table
// is built once at package init; per-call work allocates only the output
// slice.
package audio

// μ-law companding constants per ITU-T G.711.
const (
	muLawClip = 32635
	muLawBias = 132
)

// muLawSegments holds the eight biased-magnitude upper bounds that classify
// a sample into its exponent segment.
var muLawSegments = [8]int32{0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF, 0x3FFF, 0x7FFF}

// muLawDecodeTable maps every μ-law code to its linear PCM16 value.
var muLawDecodeTable [256]int16

func init() {
	for i := range 256 {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
	}
}

// decodeMuLawSample expands a single μ-law code to linear PCM.
func decodeMuLawSample(c byte) int16 {
	c = ^c
	sign := c & 0x80
	exponent := (c >> 4) & 0x07
	mantissa := c & 0x0F

	sample := ((int32(mantissa)<<3 + muLawBias) << exponent) - muLawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// encodeMuLawSample compresses a single linear PCM sample to its μ-law code.
func encodeMuLawSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exponent := 7
	for seg, bound := range muLawSegments {
		if v <= bound {
			exponent = seg
			break
		}
	}

	mantissa := byte(v>>(exponent+3)) & 0x0F
	return ^(sign | byte(exponent)<<4 | mantissa)
}

// DecodeMuLaw expands μ-law bytes to linear PCM16 samples via table lookup.
func DecodeMuLaw(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, c := range in {
		out[i] = muLawDecodeTable[c]
	}
	return out
}

// EncodeMuLaw compresses linear PCM16 samples to μ-law bytes. Magnitudes are
// clipped at 32635 before companding, so full-scale input stays valid.
func EncodeMuLaw(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = encodeMuLawSample(s)
	}
	return out
}
