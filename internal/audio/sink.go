package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// pollInterval is how often playback completion is checked.
const pollInterval = 10 * time.Millisecond

// Sink plays one clip to completion. Each call opens the output, writes the
// clip, drains it and releases the output on every return path. A cancelled
// ctx stops playback early.
type Sink interface {
	Play(ctx context.Context, clip tts.Clip) error
	Close() error
}

// NullSink discards audio. With Realtime set it sleeps for the clip's
// duration so timing behaves like a real device.
type NullSink struct {
	Format   tts.Format
	Realtime bool
}

// Play implements Sink.
func (s NullSink) Play(ctx context.Context, clip tts.Clip) error {
	if !s.Realtime {
		return ctx.Err()
	}
	format := s.Format
	if format.SampleRate == 0 {
		format = tts.DefaultFormat
	}
	timer := time.NewTimer(format.Duration(len(clip.PCM)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Sink.
func (NullSink) Close() error { return nil }

// checkOutputFormat reports whether format can be played on a device.
func checkOutputFormat(format tts.Format) error {
	if format.BitDepth != 16 {
		return fmt.Errorf("bit depth must be 16, got %d", format.BitDepth)
	}
	if format.Channels != 1 && format.Channels != 2 {
		return fmt.Errorf("channels must be 1 (mono) or 2 (stereo), got %d", format.Channels)
	}
	return nil
}
