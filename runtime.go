package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/naturalspeech/naturalspeech/internal/audio"
	"github.com/naturalspeech/naturalspeech/internal/cache"
	"github.com/naturalspeech/naturalspeech/internal/config"
	"github.com/naturalspeech/naturalspeech/internal/speech"
	"github.com/naturalspeech/naturalspeech/internal/telemetry"
	"github.com/naturalspeech/naturalspeech/internal/tts"
	"github.com/naturalspeech/naturalspeech/internal/tts/engines/command"
)

// runtime is an orchestrator with the pieces built from config around it.
type runtime struct {
	orch    *speech.Orchestrator
	cache   *cache.Tiered
	metrics *telemetry.Metrics
}

// newSink picks the audio output. A non-empty out writes a WAV file.
func newSink(c config.Config, out string) (audio.Sink, error) {
	format := c.Format()
	switch {
	case out != "":
		return audio.NewWAVSink(out, format)
	case c.Audio.Output == "null":
		return audio.NullSink{Format: format, Realtime: true}, nil
	default:
		return audio.NewOtoSink(format, log.WithPrefix("audio"))
	}
}

func newRuntime(c config.Config, sink audio.Sink) (*runtime, error) {
	rt := &runtime{}
	opts := []speech.Option{
		speech.WithLogger(log.WithPrefix("speech")),
		speech.WithFragmentOptions(c.FragmentOptions()),
	}

	if c.Metrics.Enabled {
		m, err := telemetry.New("naturalspeech")
		if err != nil {
			return nil, err
		}
		rt.metrics = m
		opts = append(opts, speech.WithMetrics(m))
	}
	if c.Cache.Enabled {
		cc := c.ClipCache()
		cc.Logger = log.WithPrefix("cache")
		tc, err := cache.NewTiered(cc)
		if err != nil {
			return nil, fmt.Errorf("unable to open clip cache: %w", err)
		}
		rt.cache = tc
		opts = append(opts, speech.WithCache(tc))
	}

	rt.orch = speech.New(sink, opts...)

	if c.Command.Enabled {
		ec := c.CommandEngine()
		ec.Sink = rt.orch.Mixer()
		ec.Events = rt.orch.Events()
		if rt.metrics != nil {
			ec.Metrics = rt.metrics
		}
		ec.Logger = log.WithPrefix("command")
		engine, err := command.New(ec)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.orch.Register(engine)
	}
	return rt, nil
}

// Close stops the orchestrator, then flushes the cache and metrics.
func (rt *runtime) Close() error {
	err := rt.orch.Stop()
	if rt.cache != nil {
		err = errors.Join(err, rt.cache.Close())
	}
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = errors.Join(err, rt.metrics.Shutdown(ctx))
	}
	return err
}

// masterGain applies the configured gain to requests that carry none.
type masterGain struct {
	*speech.Orchestrator
	gain tts.Gain
}

func (m masterGain) Speak(ctx context.Context, voice tts.VoiceID, text string, gain tts.Gain, line string) (string, error) {
	if gain == nil {
		gain = m.gain
	}
	return m.Orchestrator.Speak(ctx, voice, text, gain, line)
}
