package audio

import (
	"errors"
	"testing"
)

func TestProbeValidWAV(t *testing.T) {
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = 0.25
	}
	data := SamplesToWAV(samples, 16000)

	dur, err := Probe(data)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if dur.Seconds() < 0.9 || dur.Seconds() > 1.1 {
		t.Errorf("duration = %v, want ~1s", dur)
	}
}

func TestProbeRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not audio", []byte("hello world this is not audio data")},
		{"truncated header", []byte("RIFF")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Probe(tt.data); !errors.Is(err, ErrUnusable) {
				t.Errorf("err = %v, want ErrUnusable", err)
			}
		})
	}
}
