package bus

import (
	"github.com/naturalspeech/naturalspeech/internal/events"
	"github.com/naturalspeech/naturalspeech/internal/speech"
)

// Subject suffixes under the configured prefix.
const (
	SubjectSpeak  = "speak"
	SubjectCancel = "cancel"
	SubjectStatus = "status"
	SubjectEvents = "events"
)

// SpeakRequest asks the server to speak text on a line.
type SpeakRequest struct {
	// Voice is "model:voice".
	Voice  string   `json:"voice"`
	Text   string   `json:"text"`
	GainDB *float64 `json:"gain_db,omitempty"`
	Line   string   `json:"line"`
}

// SpeakReply carries the utterance ID, empty when nothing was queued.
type SpeakReply struct {
	Utterance string `json:"utterance,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CancelRequest cancels speech. All wins over Others, which wins over a
// plain line cancel.
type CancelRequest struct {
	Line   string   `json:"line,omitempty"`
	Others bool     `json:"others,omitempty"`
	All    bool     `json:"all,omitempty"`
	Exempt []string `json:"exempt,omitempty"`
}

// CancelReply acknowledges a cancel.
type CancelReply struct {
	Error string `json:"error,omitempty"`
}

// StatusReply lists every model.
type StatusReply struct {
	Models []speech.ModelStatus `json:"models"`
}

// Subjects builds subjects under a prefix.
type Subjects struct {
	Prefix string
}

// Speak returns the speak subject.
func (s Subjects) Speak() string { return s.Prefix + "." + SubjectSpeak }

// Cancel returns the cancel subject.
func (s Subjects) Cancel() string { return s.Prefix + "." + SubjectCancel }

// Status returns the status subject.
func (s Subjects) Status() string { return s.Prefix + "." + SubjectStatus }

// Event returns the subject events of kind are published on.
func (s Subjects) Event(kind events.Kind) string {
	return s.Prefix + "." + SubjectEvents + "." + string(kind)
}

// AllEvents matches every event subject.
func (s Subjects) AllEvents() string { return s.Prefix + "." + SubjectEvents + ".>" }
