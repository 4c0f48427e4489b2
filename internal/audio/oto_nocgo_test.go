//go:build nocgo

package audio

import (
	"context"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/naturalspeech/naturalspeech/internal/tts"
)

func TestOtoSink_WithoutCgo(t *testing.T) {
	logger := log.New(io.Discard)
	if _, err := NewOtoSink(tts.Format{SampleRate: 22050, Channels: 1, BitDepth: 24}, logger); err == nil {
		t.Error("24-bit format should be rejected")
	}

	sink, err := NewOtoSink(tts.DefaultFormat, logger)
	if err != nil {
		t.Fatalf("NewOtoSink: %v", err)
	}
	defer sink.Close() //nolint:errcheck

	if err := sink.Play(context.Background(), tts.Clip{PCM: EncodeSamples([]int{1, 2})}); err != nil {
		t.Errorf("Play: %v", err)
	}
	if err := sink.Play(context.Background(), tts.Clip{PCM: []byte{1, 2, 3}}); err == nil {
		t.Error("misaligned PCM should be rejected")
	}
}
