// Package pcm converts between float audio samples and the 16-bit signed
// little-endian PCM the backend consumes.
package pcm

import "encoding/binary"

// BytesPerSample is the size of one encoded sample.
const BytesPerSample = 2

// EncodeSample clamps x to [-1, 1] and scales it to int16. Negative values use
// the full 32768 range, non-negative values stop at 32767.
func EncodeSample(x float32) int16 {
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	if x < 0 {
		return int16(x * 32768)
	}
	return int16(x * 32767)
}

// DecodeSample is the inverse of EncodeSample, up to quantization error.
func DecodeSample(s int16) float32 {
	if s < 0 {
		return float32(s) / 32768
	}
	return float32(s) / 32767
}

// Encode packs samples as little-endian int16 PCM.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, x := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(EncodeSample(x)))
	}
	return out
}

// Decode unpacks little-endian int16 PCM into float samples. A trailing odd
// byte is ignored.
func Decode(data []byte) []float32 {
	out := make([]float32, len(data)/BytesPerSample)
	for i := range out {
		out[i] = DecodeSample(int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:])))
	}
	return out
}

// Mix averages two mono signals sample by sample. The result has the length
// of the shorter input.
func Mix(a, b []float32) []float32 {
	n := min(len(a), len(b))
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = (a[i] + b[i]) / 2
	}
	return out
}
