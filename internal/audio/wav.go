package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// WAVSink appends every clip to a single WAV file. Clips from different
// lines are written in the order Play is called.
type WAVSink struct {
	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	format tts.Format
	closed bool
}

// NewWAVSink creates path and writes a WAV header for format.
func NewWAVSink(path string, format tts.Format) (*WAVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create wav file: %w", err)
	}
	enc := wav.NewEncoder(f, format.SampleRate, format.BitDepth, format.Channels, 1)
	return &WAVSink{file: f, enc: enc, format: format}, nil
}

// Play implements Sink.
func (s *WAVSink) Play(ctx context.Context, clip tts.Clip) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidatePCM(clip.PCM, s.format); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("wav sink is closed")
	}

	pcm := ApplyGain(clip.PCM, clip.Gain.Value())
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: s.format.Channels, SampleRate: s.format.SampleRate},
		Data:           Samples(pcm),
		SourceBitDepth: s.format.BitDepth,
	}
	if err := s.enc.Write(buf); err != nil {
		return fmt.Errorf("unable to write wav data: %w", err)
	}
	return nil
}

// Close finalizes the WAV header and closes the file.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.enc.Close(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("unable to finalize wav file: %w", err)
	}
	return s.file.Close()
}

// DecodeWAV reads a WAV payload and returns its samples as 16-bit little
// endian PCM along with the payload's format.
func DecodeWAV(data []byte) ([]byte, tts.Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, tts.Format{}, fmt.Errorf("invalid wav data")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, tts.Format{}, fmt.Errorf("unable to decode wav data: %w", err)
	}

	format := tts.Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   16,
	}

	samples := buf.Data
	switch depth := int(dec.BitDepth); {
	case depth > 16:
		shift := depth - 16
		for i, v := range samples {
			samples[i] = v >> shift
		}
	case depth == 8:
		// 8-bit WAV is unsigned.
		for i, v := range samples {
			samples[i] = (v - 128) << 8
		}
	}
	return EncodeSamples(samples), format, nil
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}
