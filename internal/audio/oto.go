//go:build !nocgo

package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// oto allows a single context per process.
var (
	otoOnce    sync.Once
	otoContext *oto.Context
	otoFormat  tts.Format
	otoErr     error
)

// OtoSink plays clips on the default sound device. Players are created per
// clip so opening and closing many times in a row does not leak devices;
// the underlying context is shared and lives for the process.
type OtoSink struct {
	format tts.Format
	ctx    *oto.Context
	log    *log.Logger
}

// NewOtoSink initializes the process-wide oto context for format.
func NewOtoSink(format tts.Format, logger *log.Logger) (*OtoSink, error) {
	if err := checkOutputFormat(format); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default().WithPrefix("audio")
	}

	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		}
		c, ready, err := oto.NewContext(op)
		if err != nil {
			otoErr = fmt.Errorf("%w: %v", tts.ErrAudioDeviceUnavailable, err)
			return
		}
		<-ready
		otoContext = c
		otoFormat = format
		logger.Debug("audio context ready", "sample_rate", format.SampleRate, "channels", format.Channels)
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoFormat != format {
		return nil, fmt.Errorf("audio context already opened at %+v, cannot reopen at %+v", otoFormat, format)
	}

	return &OtoSink{format: format, ctx: otoContext, log: logger}, nil
}

// Play implements Sink.
func (s *OtoSink) Play(ctx context.Context, clip tts.Clip) error {
	if err := ValidatePCM(clip.PCM, s.format); err != nil {
		return err
	}

	pcm := ApplyGain(clip.PCM, clip.Gain.Value())

	// The reader keeps pcm reachable for the whole playback.
	reader := bytes.NewReader(pcm)
	player := s.ctx.NewPlayer(reader)
	if player == nil {
		return errors.New("failed to create oto player")
	}
	defer player.Close() //nolint:errcheck

	player.Play()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close implements Sink. The shared context is left running because oto
// cannot recreate it.
func (s *OtoSink) Close() error {
	return nil
}
