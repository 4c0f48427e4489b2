//go:build nocgo

package audio

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// OtoSink stands in for the sound device in builds without cgo. Clips are
// discarded after their real duration.
type OtoSink struct {
	null NullSink
}

// NewOtoSink returns a silent sink for format.
func NewOtoSink(format tts.Format, logger *log.Logger) (*OtoSink, error) {
	if err := checkOutputFormat(format); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default().WithPrefix("audio")
	}
	logger.Warn("built without audio support, clips will not be heard")
	return &OtoSink{null: NullSink{Format: format, Realtime: true}}, nil
}

// Play implements Sink.
func (s *OtoSink) Play(ctx context.Context, clip tts.Clip) error {
	if err := ValidatePCM(clip.PCM, s.null.Format); err != nil {
		return err
	}
	return s.null.Play(ctx, clip)
}

// Close implements Sink.
func (s *OtoSink) Close() error { return s.null.Close() }
