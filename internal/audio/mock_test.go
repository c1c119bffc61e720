package audio

import (
	"errors"
	"sync"
	"time"
)

var errStopped = errors.New("stream not started")

type fakeSource struct {
	value  float32
	period time.Duration

	mu        sync.Mutex
	running   bool
	closed    bool
	starts    int
	stops     int
	reads     int
	failAfter int // 0 = never
}

func newFakeSource(value float32) *fakeSource {
	return &fakeSource{value: value, period: 2 * time.Millisecond}
}

func (f *fakeSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.running = true
	f.starts++
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
	return nil
}

func (f *fakeSource) Read(dst []float32) error {
	time.Sleep(f.period)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return errStopped
	}
	f.reads++
	if f.failAfter > 0 && f.reads > f.failAfter {
		return errors.New("device unplugged")
	}
	for i := range dst {
		dst[i] = f.value
	}
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.running = false
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDevices struct {
	mic       Source
	micErr    error
	system    Source
	systemErr error
}

func (d *fakeDevices) OpenMic(string) (Source, error) {
	if d.micErr != nil {
		return nil, d.micErr
	}
	return d.mic, nil
}

func (d *fakeDevices) OpenSystem(string) (Source, error) {
	if d.systemErr != nil {
		return nil, d.systemErr
	}
	if d.system == nil {
		return nil, ErrNoSystemDevice
	}
	return d.system, nil
}

func (d *fakeDevices) ListDevices() ([]AudioDevice, error) {
	return []AudioDevice{{ID: "default", Name: "Default", Default: true}}, nil
}

func (d *fakeDevices) Close() error { return nil }

type fakeSink struct {
	mu       sync.Mutex
	open     bool
	frames   [][]byte
	attempts int
}

func (s *fakeSink) SendPCM(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if !s.open {
		return errors.New("not open")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSink) setOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = open
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// waitFor polls cond for up to one second.
func waitFor(cond func() bool) bool {
	for i := 0; i < 100; i++ {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
