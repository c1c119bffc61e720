package audio

import "testing"

func TestDownmixInterleaved(t *testing.T) {
	tests := []struct {
		name     string
		input    []float32
		channels int
		frames   int
		want     []float32
	}{
		{
			name:     "mono copies",
			input:    []float32{0.1, 0.2, 0.3, 0.4},
			channels: 1,
			frames:   4,
			want:     []float32{0.1, 0.2, 0.3, 0.4},
		},
		{
			name: "stereo averages",
			input: []float32{
				0.0, 1.0,
				0.5, 0.5,
				1.0, 0.0,
				-0.5, 0.5,
			},
			channels: 2,
			frames:   4,
			want:     []float32{0.5, 0.5, 0.5, 0.0},
		},
		{
			name:     "three channels",
			input:    []float32{1, 3, 5, 2, 4, 6},
			channels: 3,
			frames:   2,
			want:     []float32{3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := downmixInterleaved(tt.input, tt.channels, tt.frames)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d frames, got %d", len(tt.want), len(got))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("frame %d mismatch: expected %f, got %f", i, tt.want[i], got[i])
				}
			}
			if &got[0] == &tt.input[0] {
				t.Fatal("expected result to be copied into a new slice")
			}
		})
	}
}

func TestLooksLikeSystemDevice(t *testing.T) {
	tests := map[string]bool{
		"Monitor of Built-in Audio Analog Stereo": true,
		"BlackHole 2ch":              true,
		"Stereo Mix (Realtek Audio)": true,
		"MacBook Pro Microphone":     false,
		"USB Headset":                false,
	}
	for name, want := range tests {
		if got := looksLikeSystemDevice(name); got != want {
			t.Errorf("looksLikeSystemDevice(%q) = %v, want %v", name, got, want)
		}
	}
}
