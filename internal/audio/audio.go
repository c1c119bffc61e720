package audio

import "errors"

const (
	// SampleRate is the canonical capture rate sent to the backend.
	SampleRate = 16000
	// Quantum is the number of samples processed per capture callback.
	Quantum = 4096
)

var (
	// ErrMicUnavailable means the microphone could not be acquired. A
	// session cannot run without it.
	ErrMicUnavailable = errors.New("audio: microphone unavailable")
	// ErrNoSystemDevice means no loopback/monitor input was found.
	ErrNoSystemDevice = errors.New("audio: no system audio device")
)

// Source is one acquired input device delivering mono float samples.
type Source interface {
	Start() error
	Stop() error
	// Read blocks until len(dst) samples have been captured.
	Read(dst []float32) error
	Close() error
}

// Devices acquires input sources.
type Devices interface {
	OpenMic(deviceID string) (Source, error)
	OpenSystem(deviceID string) (Source, error)
	ListDevices() ([]AudioDevice, error)
	Close() error
}

// FrameSink receives encoded PCM frames. A non-nil error means the frame was
// not delivered and has been dropped.
type FrameSink interface {
	SendPCM(frame []byte) error
}

// AudioDevice represents an audio input device
type AudioDevice struct {
	ID      string
	Name    string
	Default bool
}

// Levels is one loudness reading per source, each in [0, 1].
type Levels struct {
	Mic    float64
	System float64
}
