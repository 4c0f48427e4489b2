package tts

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DialogueLine is the reserved line used for NPC dialogue. It is never
// silenced by CancelOthers.
const DialogueLine = "&dialogue"

// VoiceID names a voice inside a model namespace. It is comparable and is
// used directly as a map key.
type VoiceID struct {
	Model string
	Voice string
}

// ParseVoiceID parses a "model:voice" string. A missing voice part yields
// voice "0".
func ParseVoiceID(s string) (VoiceID, error) {
	s = strings.TrimSpace(s)
	model, voice, found := strings.Cut(s, ":")
	if model == "" {
		return VoiceID{}, fmt.Errorf("%w: %q", ErrInvalidVoice, s)
	}
	if !found || voice == "" {
		voice = "0"
	}
	return VoiceID{Model: model, Voice: voice}, nil
}

// String returns the "model:voice" form.
func (v VoiceID) String() string {
	return v.Model + ":" + v.Voice
}

// Gain reports the current gain in dB. It is evaluated at playback time so
// volume changes apply to clips that are already queued.
type Gain func() float64

// FixedGain returns a Gain that always reports db.
func FixedGain(db float64) Gain {
	return func() float64 { return db }
}

// Value returns the gain in dB, treating a nil Gain as 0 dB.
func (g Gain) Value() float64 {
	if g == nil {
		return 0
	}
	return g()
}

// Task is one fragment of an utterance waiting for synthesis.
type Task struct {
	ID        string
	Utterance string
	Seq       uint64
	Text      string
	Voice     VoiceID
	Gain      Gain
	Line      string
	Queued    time.Time
}

// Clip is synthesized audio bound for a line.
type Clip struct {
	PCM  []byte
	Gain Gain
	Line string
	Seq  uint64
}

// Format describes raw PCM audio.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is the format piper produces with --output-raw.
var DefaultFormat = Format{SampleRate: 22050, Channels: 1, BitDepth: 16}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// Duration returns the playback length of n bytes of audio.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// State is the lifecycle state of an engine or worker pool.
type State int

const (
	// StateStopped indicates nothing is running.
	StateStopped State = iota
	// StateStarting indicates workers are being spawned.
	StateStarting
	// StateRunning indicates the engine accepts work.
	StateRunning
	// StateStopping indicates workers are being torn down.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// StateMachine guards lifecycle transitions.
type StateMachine struct {
	mu          sync.Mutex
	current     State
	transitions map[State][]State
}

// NewStateMachine creates a state machine in StateStopped.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StateStopped,
		transitions: map[State][]State{
			StateStopped:  {StateStarting},
			StateStarting: {StateRunning, StateStopping, StateStopped},
			StateRunning:  {StateStopping},
			StateStopping: {StateStopped},
		},
	}
}

// Transition moves to the given state or returns ErrInvalidState.
func (sm *StateMachine) Transition(to State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, s := range sm.transitions[sm.current] {
		if s == to {
			sm.current = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, sm.current, to)
}

// Current returns the current state.
func (sm *StateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}
