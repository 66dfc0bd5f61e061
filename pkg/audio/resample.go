package audio

// Sample rates on either side of the bridge. The fixed 1:3 ratio keeps both
// resamplers exact integer operations with no filter state.
const (
	// TelephonyRate is the narrowband rate of the μ-law telephony leg.
	TelephonyRate = 8000
	// ModelRate is the PCM16 rate of the speech-model leg.
	ModelRate = 24000
)

// Upsample8kTo24k triples the sample rate by linear interpolation. Each
// adjacent source pair (a, b) contributes a and the two interior points
// (2a+b)/3 and (a+2b)/3, rounded to nearest; the final source sample is
// repeated three times. len(out) == 3*len(in).
func Upsample8kTo24k(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, 3*len(in))
	for i := range len(in) - 1 {
		a := int32(in[i])
		b := int32(in[i+1])
		out[i*3] = in[i]
		out[i*3+1] = roundThird(2*a + b)
		out[i*3+2] = roundThird(a + 2*b)
	}
	last := in[len(in)-1]
	out[len(out)-3] = last
	out[len(out)-2] = last
	out[len(out)-1] = last
	return out
}

// roundThird divides by three rounding to nearest. Exact halves cannot occur
// with an odd divisor, so no tie-breaking rule is needed.
func roundThird(x int32) int16 {
	if x >= 0 {
		return int16((x + 1) / 3)
	}
	return int16((x - 1) / 3)
}

// Downsample24kTo8k decimates by three, keeping samples 0, 3, 6 and so on.
// A trailing remainder of one or two samples is discarded.
func Downsample24kTo8k(in []int16) []int16 {
	n := len(in) / 3
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	for i := range n {
		out[i] = in[i*3]
	}
	return out
}

// SamplesLE unpacks little-endian PCM16 bytes into samples. A trailing odd
// byte is ignored.
func SamplesLE(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := range n {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

// BytesLE packs samples into little-endian PCM16 bytes.
func BytesLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// MuLawToPCM24k converts one telephony frame of μ-law bytes into 24 kHz
// little-endian PCM16 bytes for the speech model.
func MuLawToPCM24k(mulaw []byte) []byte {
	if len(mulaw) == 0 {
		return nil
	}
	return BytesLE(Upsample8kTo24k(DecodeMuLaw(mulaw)))
}

// PCM24kToMuLaw converts 24 kHz little-endian PCM16 bytes from the speech
// model into μ-law telephony bytes.
func PCM24kToMuLaw(pcm []byte) []byte {
	samples := Downsample24kTo8k(SamplesLE(pcm))
	if len(samples) == 0 {
		return nil
	}
	return EncodeMuLaw(samples)
}
