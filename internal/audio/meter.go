package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	fftSize = 2048

	// Decibel range mapped onto [0, 1] per frequency bin.
	minDecibels = -100.0
	maxDecibels = -30.0
)

// analyser keeps the most recent fftSize samples of one source and turns
// them into a loudness reading on demand.
type analyser struct {
	mu     sync.Mutex
	recent []float32
	seq    []float64
	coeffs []complex128
	fft    *fourier.FFT
}

func newAnalyser() *analyser {
	return &analyser{
		recent: make([]float32, fftSize),
		seq:    make([]float64, fftSize),
		fft:    fourier.NewFFT(fftSize),
	}
}

// push appends samples to the analysis window, discarding the oldest.
func (a *analyser) push(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(samples) >= fftSize {
		copy(a.recent, samples[len(samples)-fftSize:])
		return
	}
	copy(a.recent, a.recent[len(samples):])
	copy(a.recent[fftSize-len(samples):], samples)
}

// level averages the normalized magnitude of every frequency bin of the
// current window. Silence reads 0.
func (a *analyser) level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.recent {
		a.seq[i] = float64(s)
	}
	window.Blackman(a.seq)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.seq)

	bins := fftSize / 2
	var sum float64
	for _, c := range a.coeffs[:bins] {
		sum += normalizeMagnitude(math.Hypot(real(c), imag(c)) / fftSize)
	}
	return sum / float64(bins)
}

func normalizeMagnitude(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := (db - minDecibels) / (maxDecibels - minDecibels)
	return math.Max(0, math.Min(1, v))
}
