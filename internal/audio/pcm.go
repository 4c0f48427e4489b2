package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// Gain limits in dB.
const (
	MinGain = -80.0
	MaxGain = 6.0
)

// DBToLinear converts a gain in dB to a linear amplitude factor.
func DBToLinear(db float64) float64 {
	if db <= MinGain {
		return 0
	}
	return math.Pow(10, db/20)
}

// ApplyGain returns a copy of 16-bit little endian PCM scaled by db.
// Samples are clamped to the int16 range. A 0 dB gain returns pcm as is.
func ApplyGain(pcm []byte, db float64) []byte {
	if db == 0 || len(pcm) < 2 {
		return pcm
	}

	factor := DBToLinear(db)
	out := make([]byte, len(pcm)&^1)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		scaled := sample * factor
		switch {
		case scaled > math.MaxInt16:
			scaled = math.MaxInt16
		case scaled < math.MinInt16:
			scaled = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(scaled)))
	}
	return out
}

// ValidatePCM checks that pcm is non-empty and sample aligned for format.
func ValidatePCM(pcm []byte, format tts.Format) error {
	if len(pcm) == 0 {
		return errors.New("empty PCM data")
	}
	frame := format.BitDepth / 8 * format.Channels
	if frame <= 0 {
		return fmt.Errorf("invalid PCM format %+v", format)
	}
	if len(pcm)%frame != 0 {
		return fmt.Errorf("PCM data length %d is not aligned to %d-byte frames", len(pcm), frame)
	}
	return nil
}

// Samples decodes 16-bit little endian PCM into ints.
func Samples(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}

// EncodeSamples encodes ints as 16-bit little endian PCM, clamping each.
func EncodeSamples(samples []int) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		s = max(math.MinInt16, min(math.MaxInt16, s))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return out
}

// Convert reshapes 16-bit PCM from one format to another by averaging
// channels down to mono and resampling linearly. Only mono output is
// supported; from is returned unchanged when the formats already match.
func Convert(pcm []byte, from, to tts.Format) ([]byte, error) {
	if from == to {
		return pcm, nil
	}
	if from.BitDepth != 16 || to.BitDepth != 16 || to.Channels != 1 || from.Channels < 1 {
		return nil, fmt.Errorf("unsupported conversion %+v -> %+v", from, to)
	}

	in := Samples(pcm)
	if from.Channels > 1 {
		mono := make([]int, len(in)/from.Channels)
		for i := range mono {
			sum := 0
			for c := range from.Channels {
				sum += in[i*from.Channels+c]
			}
			mono[i] = sum / from.Channels
		}
		in = mono
	}
	if from.SampleRate == to.SampleRate || len(in) == 0 {
		return EncodeSamples(in), nil
	}

	ratio := float64(from.SampleRate) / float64(to.SampleRate)
	out := make([]int, int(float64(len(in))/ratio))
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j+1 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int(math.Round(float64(in[j])*(1-frac) + float64(in[j+1])*frac))
	}
	return EncodeSamples(out), nil
}
