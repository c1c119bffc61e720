package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder writes emitted PCM to a 16-bit mono WAV file.
type Recorder struct {
	mu  sync.Mutex
	f   *os.File
	enc *wav.Encoder
	buf *goaudio.IntBuffer
}

// NewRecorder creates (or truncates) the WAV file at path.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording %q: %w", path, err)
	}
	return &Recorder{
		f:   f,
		enc: wav.NewEncoder(f, SampleRate, 16, 1, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: SampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// Write appends one encoded little-endian 16-bit PCM frame.
func (r *Recorder) Write(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enc == nil {
		return fmt.Errorf("recording closed")
	}
	r.buf.Data = r.buf.Data[:0]
	for i := 0; i+1 < len(frame); i += 2 {
		r.buf.Data = append(r.buf.Data, int(int16(binary.LittleEndian.Uint16(frame[i:]))))
	}
	return r.enc.Write(r.buf)
}

// Close finalizes the WAV header and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enc == nil {
		return nil
	}
	err := r.enc.Close()
	r.enc = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}
