package audio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/naturalspeech/naturalspeech/internal/tts"
)

func TestWAVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	sink, err := NewWAVSink(path, tts.DefaultFormat)
	if err != nil {
		t.Fatalf("NewWAVSink: %v", err)
	}

	first := EncodeSamples([]int{1, 2, 3, 4})
	second := EncodeSamples([]int{-5, -6})
	for _, pcm := range [][]byte{first, second} {
		if err := sink.Play(context.Background(), tts.Clip{PCM: pcm}); err != nil {
			t.Fatalf("Play: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Play(context.Background(), tts.Clip{PCM: first}); err == nil {
		t.Error("Play after Close should fail")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !IsWAV(data) {
		t.Fatal("output is not a WAV file")
	}

	pcm, format, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if format != tts.DefaultFormat {
		t.Errorf("format = %+v, want %+v", format, tts.DefaultFormat)
	}
	got := Samples(pcm)
	want := []int{1, 2, 3, 4, -5, -6}
	if len(got) != len(want) {
		t.Fatalf("decoded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestIsWAV(t *testing.T) {
	if IsWAV([]byte("RIFF")) {
		t.Error("short header accepted")
	}
	if IsWAV(make([]byte, 64)) {
		t.Error("raw PCM accepted")
	}
}
