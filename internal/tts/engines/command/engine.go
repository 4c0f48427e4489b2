// Package command speaks through an external program started once per
// fragment, such as espeak-ng or say. The program's stdout is read as WAV
// when it carries a RIFF header and as raw PCM otherwise.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-shellwords"

	"github.com/naturalspeech/naturalspeech/internal/audio"
	"github.com/naturalspeech/naturalspeech/internal/events"
	"github.com/naturalspeech/naturalspeech/internal/queue"
	"github.com/naturalspeech/naturalspeech/internal/telemetry"
	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// Placeholders substituted in each argument of the command template.
const (
	VoicePlaceholder = "{voice}"
	TextPlaceholder  = "{text}"
)

// Config configures an Engine.
type Config struct {
	// Name is the model name voices refer to.
	Name string
	// Command is a shell-words template, e.g. "espeak-ng --stdout -v {voice} {text}".
	// Without a {text} argument the text is written to stdin.
	Command string
	// Voices limits CanSpeak. Empty accepts any voice.
	Voices []string
	// RawFormat is the format of non-WAV output.
	RawFormat tts.Format
	// Format is what the sink plays; output is converted to it.
	Format   tts.Format
	Overflow int
	Timeout  time.Duration

	Sink    tts.ClipSink
	Events  events.Publisher
	Metrics telemetry.Recorder
	Logger  *log.Logger
}

// Engine runs one process per fragment, one at a time, in submission
// order.
type Engine struct {
	cfg   Config
	log   *log.Logger
	argv  []string
	state *tts.StateMachine

	mu     sync.Mutex
	queue  *queue.TaskQueue
	lines  map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New parses the command template. It does not check that the program
// exists; Start does.
func New(cfg Config) (*Engine, error) {
	if cfg.Name == "" {
		return nil, errors.New("command engine needs a name")
	}
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	argv, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", cfg.Command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	if cfg.RawFormat.SampleRate == 0 {
		cfg.RawFormat = tts.DefaultFormat
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = tts.DefaultFormat
	}
	if cfg.Overflow == 0 {
		cfg.Overflow = queue.DefaultOverflow
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("command")
	}

	return &Engine{
		cfg:   cfg,
		log:   cfg.Logger.With("model", cfg.Name),
		argv:  argv,
		state: tts.NewStateMachine(),
		queue: queue.New(cfg.Overflow),
		lines: make(map[string]struct{}),
	}, nil
}

// Name returns the model name.
func (e *Engine) Name() string { return e.cfg.Name }

// Start checks that the program can be found and starts the render loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.state.Transition(tts.StateStarting); err != nil {
		return tts.NewError("command", "start", e.cfg.Name, err)
	}
	if _, err := exec.LookPath(e.argv[0]); err != nil {
		_ = e.state.Transition(tts.StateStopped)
		return tts.NewError("command", "start", e.cfg.Name, fmt.Errorf("%w: %v", tts.ErrSpawnFailed, err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.queue = queue.New(e.cfg.Overflow)
	e.lines = make(map[string]struct{})
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.loop(loopCtx, e.queue, e.done)
	_ = e.state.Transition(tts.StateRunning)
	e.log.Info("engine started", "command", e.argv[0])
	e.cfg.Events.Publish(events.Event{Kind: events.ModelStarted, Model: e.cfg.Name, Time: time.Now()})
	return nil
}

// Stop drops queued work and waits for the current process to exit.
func (e *Engine) Stop() error {
	if err := e.state.Transition(tts.StateStopping); err != nil {
		return nil
	}
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	q, done := e.queue, e.done
	e.mu.Unlock()

	e.skip(q.Close(), telemetry.ReasonCancel)
	if done != nil {
		<-done
	}
	_ = e.state.Transition(tts.StateStopped)
	e.cfg.Events.Publish(events.Event{Kind: events.ModelExited, Model: e.cfg.Name, Time: time.Now()})
	return nil
}

// Started reports whether the engine accepts work.
func (e *Engine) Started() bool {
	return e.state.Current() == tts.StateRunning
}

// CanSpeak reports whether the engine serves voice.
func (e *Engine) CanSpeak(voice tts.VoiceID) bool {
	return voice.Model == e.cfg.Name && (len(e.cfg.Voices) == 0 || slices.Contains(e.cfg.Voices, voice.Voice))
}

// Speak queues a task. The same ticket rules as the piper pool apply.
func (e *Engine) Speak(ctx context.Context, task tts.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.Started() {
		return tts.NewError("command", "speak", e.cfg.Name, tts.ErrEngineNotActive)
	}

	e.mu.Lock()
	e.lines[task.Line] = struct{}{}
	q := e.queue
	e.mu.Unlock()

	dropped, err := q.Push(task)
	if err != nil {
		return tts.NewError("command", "speak", e.cfg.Name, err)
	}
	e.cfg.Metrics.TaskSubmitted(e.cfg.Name)
	if len(dropped) > 0 {
		e.log.Warn("queue overflow, dropped backlog", "dropped", len(dropped))
		e.skip(dropped, telemetry.ReasonOverflow)
		e.cfg.Events.Publish(events.Event{Kind: events.QueueOverflow, Model: e.cfg.Name, Line: task.Line,
			Count: len(dropped), Reason: tts.ErrQueueOverflow.Error(), Time: time.Now()})
	}
	return nil
}

// Silence drops queued tasks for matching lines and closes those lines.
func (e *Engine) Silence(pred func(line string) bool) {
	e.mu.Lock()
	q := e.queue
	var lines []string
	for line := range e.lines {
		if pred(line) {
			lines = append(lines, line)
			delete(e.lines, line)
		}
	}
	e.mu.Unlock()

	e.skip(q.RemoveWhere(func(t tts.Task) bool { return pred(t.Line) }), telemetry.ReasonCancel)
	if e.cfg.Sink == nil {
		return
	}
	for _, line := range lines {
		e.cfg.Sink.CloseLine(line)
	}
}

// SilenceAll drops all queued work.
func (e *Engine) SilenceAll() {
	e.Silence(func(string) bool { return true })
}

func (e *Engine) loop(ctx context.Context, q *queue.TaskQueue, done chan struct{}) {
	defer close(done)
	for {
		if err := q.Wait(ctx); err != nil {
			return
		}
		task, ok := q.Pop()
		if !ok {
			continue
		}

		start := time.Now()
		pcm, err := e.render(ctx, task)
		if err != nil {
			if ctx.Err() == nil {
				e.log.Error("render failed", "line", task.Line, "err", err)
			}
			e.skip([]tts.Task{task}, telemetry.ReasonError)
			continue
		}
		e.cfg.Metrics.RenderDuration(e.cfg.Name, time.Since(start))
		if e.cfg.Sink != nil {
			e.cfg.Sink.Deliver(tts.Clip{PCM: pcm, Gain: task.Gain, Line: task.Line, Seq: task.Seq})
		}
	}
}

// Args returns the argument vector for a task.
func (e *Engine) Args(voice, text string) (args []string, stdin bool) {
	stdin = true
	args = make([]string, len(e.argv))
	for i, a := range e.argv {
		if strings.Contains(a, TextPlaceholder) {
			stdin = false
		}
		a = strings.ReplaceAll(a, VoicePlaceholder, voice)
		args[i] = strings.ReplaceAll(a, TextPlaceholder, text)
	}
	return args, stdin
}

func (e *Engine) render(ctx context.Context, task tts.Task) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args, useStdin := e.Args(task.Voice.Voice, task.Text)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec
	if useStdin {
		cmd.Stdin = strings.NewReader(task.Text + "\n")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	format := e.cfg.RawFormat
	pcm := out
	if audio.IsWAV(out) {
		pcm, format, err = audio.DecodeWAV(out)
		if err != nil {
			return nil, err
		}
	}
	return audio.Convert(pcm, format, e.cfg.Format)
}

func (e *Engine) skip(tasks []tts.Task, reason string) {
	if len(tasks) == 0 {
		return
	}
	e.cfg.Metrics.TaskDropped(e.cfg.Name, reason, len(tasks))
	if e.cfg.Sink == nil {
		return
	}
	for _, t := range tasks {
		e.cfg.Sink.Skip(t.Line, t.Seq)
	}
}

var _ tts.SpeechEngine = (*Engine)(nil)
