package tts

import "context"

// SpeechEngine is the capability every speech backend provides. The worker
// pool engine and the one-shot command engine both implement it.
type SpeechEngine interface {
	// Name returns the model name the engine serves.
	Name() string

	// Start brings the engine up. It fails with ErrSpawnFailed if no
	// backend could be started.
	Start(ctx context.Context) error

	// Stop tears the engine down and drops pending work. It is idempotent.
	Stop() error

	// Started reports whether the engine can currently speak.
	Started() bool

	// CanSpeak reports whether the engine serves the voice.
	CanSpeak(voice VoiceID) bool

	// Speak queues one utterance fragment for synthesis.
	Speak(ctx context.Context, task Task) error

	// Silence drops pending work for every line matching pred.
	Silence(pred func(line string) bool)

	// SilenceAll drops all pending work.
	SilenceAll()
}

// ClipSink receives synthesized clips in completion order and restores
// ticket order before playback.
type ClipSink interface {
	// Ticket reserves the next playback position on a line.
	Ticket(line string) uint64
	// Deliver hands over a finished clip carrying its ticket.
	Deliver(clip Clip)
	// Skip releases a ticket whose clip will never arrive.
	Skip(line string, seq uint64)
	// CloseLine drops everything pending on a line.
	CloseLine(line string)
}
