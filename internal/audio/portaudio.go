package audio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// Name fragments that identify loopback/monitor inputs on common hosts.
var systemDeviceHints = []string{"monitor", "loopback", "stereo mix", "blackhole", "soundflower"}

// PortAudio acquires input devices through PortAudio.
type PortAudio struct {
	log zerolog.Logger
}

// NewPortAudio initializes PortAudio. Call Close when done.
func NewPortAudio(log zerolog.Logger) (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &PortAudio{log: log}, nil
}

func (p *PortAudio) OpenMic(deviceID string) (Source, error) {
	var device *portaudio.DeviceInfo
	if deviceID == "" {
		var err error
		device, err = portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
	} else {
		var err error
		device, err = findDevice(func(d *portaudio.DeviceInfo) bool { return d.Name == deviceID })
		if err != nil {
			return nil, err
		}
	}

	if device == nil {
		return nil, fmt.Errorf("device not found: %s", deviceID)
	}

	return openSource(device, 1)
}

// OpenSystem opens deviceID, or the first input whose name looks like a
// loopback/monitor device when deviceID is empty.
func (p *PortAudio) OpenSystem(deviceID string) (Source, error) {
	match := func(d *portaudio.DeviceInfo) bool { return d.Name == deviceID }
	if deviceID == "" {
		match = func(d *portaudio.DeviceInfo) bool { return looksLikeSystemDevice(d.Name) }
	}

	device, err := findDevice(match)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrNoSystemDevice
	}

	p.log.Debug().Str("device", device.Name).Msg("Using system audio device")
	return openSource(device, min(device.MaxInputChannels, 2))
}

func looksLikeSystemDevice(name string) bool {
	name = strings.ToLower(name)
	for _, hint := range systemDeviceHints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}

func findDevice(match func(*portaudio.DeviceInfo) bool) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && match(d) {
			return d, nil
		}
	}
	return nil, nil
}

func (p *PortAudio) ListDevices() ([]AudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]AudioDevice, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, AudioDevice{
				ID:      d.Name,
				Name:    d.Name,
				Default: d == defaultDevice,
			})
		}
	}

	return result, nil
}

func (p *PortAudio) Close() error {
	return portaudio.Terminate()
}

type portAudioSource struct {
	stream   *portaudio.Stream
	buffer   []float32
	channels int
}

// openSource opens a blocking float32 input stream delivering Quantum frames
// per read at SampleRate.
func openSource(device *portaudio.DeviceInfo, channels int) (*portAudioSource, error) {
	if channels < 1 {
		channels = 1
	}
	buffer := make([]float32, Quantum*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: Quantum,
	}, buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream on %q: %w", device.Name, err)
	}
	return &portAudioSource{stream: stream, buffer: buffer, channels: channels}, nil
}

func (s *portAudioSource) Start() error { return s.stream.Start() }

func (s *portAudioSource) Stop() error { return s.stream.Stop() }

func (s *portAudioSource) Read(dst []float32) error {
	// An overflow still leaves a full buffer of valid samples.
	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return err
	}
	copy(dst, downmixInterleaved(s.buffer, s.channels, Quantum))
	return nil
}

func (s *portAudioSource) Close() error { return s.stream.Close() }

// downmixInterleaved averages interleaved channels into a new mono slice.
func downmixInterleaved(input []float32, channels, frames int) []float32 {
	out := make([]float32, frames)
	if channels <= 1 {
		copy(out, input)
		return out
	}
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += input[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
