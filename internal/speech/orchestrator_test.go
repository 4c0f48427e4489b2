package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/naturalspeech/naturalspeech/internal/events"
	"github.com/naturalspeech/naturalspeech/internal/tts"
	"github.com/naturalspeech/naturalspeech/internal/tts/engines/piper"
)

// fakeEngine stands in for a worker pool. With deliver set every task is
// rendered as its own text, later fragments finishing first.
type fakeEngine struct {
	cfg      piper.PoolConfig
	startErr error
	deliver  bool

	mu       sync.Mutex
	started  bool
	stops    int
	tasks    []tts.Task
	silenced []string
	lines    map[string]struct{}
}

func (f *fakeEngine) Name() string { return f.cfg.Name }

func (f *fakeEngine) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	if f.cfg.Events != nil {
		f.cfg.Events.Publish(events.Event{Kind: events.ModelStarted, Model: f.cfg.Name})
	}
	return nil
}

func (f *fakeEngine) Stop() error {
	f.mu.Lock()
	wasStarted := f.started
	f.started = false
	f.stops++
	f.mu.Unlock()
	if wasStarted && f.cfg.Events != nil {
		f.cfg.Events.Publish(events.Event{Kind: events.ModelExited, Model: f.cfg.Name})
	}
	return nil
}

func (f *fakeEngine) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeEngine) CanSpeak(v tts.VoiceID) bool { return v.Model == f.cfg.Name }

func (f *fakeEngine) Speak(_ context.Context, task tts.Task) error {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	if f.lines == nil {
		f.lines = make(map[string]struct{})
	}
	f.lines[task.Line] = struct{}{}
	f.mu.Unlock()

	if f.deliver {
		go func() {
			// Reverse the completion order within an utterance.
			time.Sleep(time.Duration(10-min(task.Seq, 9)) * 3 * time.Millisecond)
			f.cfg.Sink.Deliver(tts.Clip{PCM: []byte(task.Text), Gain: task.Gain, Line: task.Line, Seq: task.Seq})
		}()
	}
	return nil
}

func (f *fakeEngine) Silence(pred func(string) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for line := range f.lines {
		if pred(line) {
			f.silenced = append(f.silenced, line)
		}
	}
}

func (f *fakeEngine) SilenceAll() { f.Silence(func(string) bool { return true }) }

func (f *fakeEngine) snapshot() (tasks []tts.Task, silenced []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := slices.Clone(f.silenced)
	slices.Sort(s)
	return slices.Clone(f.tasks), s
}

type factory struct {
	mu       sync.Mutex
	engines  map[string][]*fakeEngine
	startErr map[string]error
	deliver  bool
}

func newFactory() *factory {
	return &factory{engines: make(map[string][]*fakeEngine), startErr: make(map[string]error)}
}

func (f *factory) build(cfg piper.PoolConfig) tts.SpeechEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{cfg: cfg, startErr: f.startErr[cfg.Name], deliver: f.deliver}
	f.engines[cfg.Name] = append(f.engines[cfg.Name], e)
	return e
}

func (f *factory) latest(name string) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.engines[name]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// playLog is an audio.Sink recording what each line played.
type playLog struct {
	mu     sync.Mutex
	played map[string][]string
}

func (p *playLog) Play(_ context.Context, clip tts.Clip) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played[clip.Line] = append(p.played[clip.Line], string(clip.PCM))
	return nil
}

func (p *playLog) Close() error { return nil }

func (p *playLog) line(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.played[name])
}

func newTestOrchestrator(t *testing.T, f *factory, opts ...Option) (*Orchestrator, *playLog) {
	t.Helper()
	sink := &playLog{played: make(map[string][]string)}
	opts = append([]Option{WithLogger(log.New(io.Discard)), WithPoolFactory(f.build)}, opts...)
	o := New(sink, opts...)
	t.Cleanup(func() { _ = o.Stop() })
	return o, sink
}

func startModel(t *testing.T, o *Orchestrator, name string) {
	t.Helper()
	if err := o.StartModel(context.Background(), piper.PoolConfig{Name: name}); err != nil {
		t.Fatalf("StartModel(%s) error = %v", name, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var libritts = tts.VoiceID{Model: "libritts", Voice: "0"}

func TestOrchestrator_SpeakErrors(t *testing.T) {
	f := newFactory()
	o, _ := newTestOrchestrator(t, f)
	startModel(t, o, "libritts")
	_ = f.latest("libritts").Stop()

	tests := []struct {
		name  string
		voice tts.VoiceID
		want  error
	}{
		{"unknown model", tts.VoiceID{Model: "vctk", Voice: "0"}, tts.ErrEngineUnavailable},
		{"inactive model", libritts, tts.ErrEngineNotActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Speak(context.Background(), tt.voice, "Hello.", nil, "player")
			if !errors.Is(err, tt.want) {
				t.Errorf("Speak() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOrchestrator_SpeakFragments(t *testing.T) {
	f := newFactory()
	o, _ := newTestOrchestrator(t, f)
	startModel(t, o, "libritts")

	text := "The quick brown fox jumps over the lazy dog. It was not amused! Why would it be?"
	id, err := o.Speak(context.Background(), libritts, text, tts.FixedGain(-3), "npc-1")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("Speak() returned an empty utterance id")
	}

	tasks, _ := f.latest("libritts").snapshot()
	want := tts.Split(text)
	if len(tasks) != len(want) {
		t.Fatalf("tasks = %d, want %d", len(tasks), len(want))
	}
	for i, task := range tasks {
		if task.Text != want[i] || task.Seq != uint64(i) || task.Line != "npc-1" || task.Utterance != id {
			t.Errorf("task %d = %+v", i, task)
		}
		if task.Gain.Value() != -3 {
			t.Errorf("task %d gain = %v", i, task.Gain.Value())
		}
	}
}

func TestOrchestrator_SpeakNothing(t *testing.T) {
	f := newFactory()
	o, _ := newTestOrchestrator(t, f, WithShouldSpeak(func(line string) bool { return line != "muted" }))
	startModel(t, o, "libritts")

	tests := []struct {
		name string
		text string
		line string
	}{
		{"filtered line", "Hello there.", "muted"},
		{"empty text", "   ", "player"},
		{"punctuation only", "...", "player"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := o.Speak(context.Background(), libritts, tt.text, nil, tt.line)
			if err != nil || id != "" {
				t.Errorf("Speak() = %q, %v; want no utterance and no error", id, err)
			}
		})
	}
	if tasks, _ := f.latest("libritts").snapshot(); len(tasks) != 0 {
		t.Errorf("queued %d tasks, want 0", len(tasks))
	}
}

func TestOrchestrator_PlaysFragmentsInOrder(t *testing.T) {
	f := newFactory()
	f.deliver = true
	o, sink := newTestOrchestrator(t, f)
	startModel(t, o, "libritts")

	text := strings.Repeat("word ", 30) + "end. Second sentence. Third one? Fourth!"
	if _, err := o.Speak(context.Background(), libritts, text, nil, "npc"); err != nil {
		t.Fatal(err)
	}
	want := tts.Split(text)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	waitFor(t, "all fragments played", func() bool { return len(sink.line("npc")) == len(want) })
	if err := o.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sink.line("npc"); !slices.Equal(got, want) {
		t.Errorf("played %q, want %q", got, want)
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	tests := []struct {
		name   string
		cancel func(o *Orchestrator)
		want   []string
		// spared lines keep the ticket of their undelivered clip.
		spared []string
	}{
		{
			name:   "speaker",
			cancel: func(o *Orchestrator) { o.CancelSpeaker("bob") },
			want:   []string{"bob"},
			spared: []string{tts.DialogueLine, "alice", "carol"},
		},
		{
			name:   "others spares dialogue",
			cancel: func(o *Orchestrator) { o.CancelOthers("alice", nil) },
			want:   []string{"bob", "carol"},
			spared: []string{tts.DialogueLine, "alice"},
		},
		{
			name: "others with exemption",
			cancel: func(o *Orchestrator) {
				o.CancelOthers("alice", func(l string) bool { return l == "carol" })
			},
			want:   []string{"bob"},
			spared: []string{tts.DialogueLine, "alice", "carol"},
		},
		{
			name:   "all",
			cancel: func(o *Orchestrator) { o.CancelAll() },
			want:   []string{tts.DialogueLine, "alice", "bob", "carol"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFactory()
			o, _ := newTestOrchestrator(t, f)
			startModel(t, o, "libritts")
			for _, line := range []string{"alice", "bob", "carol", tts.DialogueLine} {
				if _, err := o.Speak(context.Background(), libritts, "Hi.", nil, line); err != nil {
					t.Fatal(err)
				}
			}

			tt.cancel(o)

			_, silenced := f.latest("libritts").snapshot()
			if !slices.Equal(silenced, tt.want) {
				t.Errorf("silenced %v, want %v", silenced, tt.want)
			}
			for _, line := range tt.want {
				if !o.Mixer().Idle(line) {
					t.Errorf("line %s still has pending tickets", line)
				}
			}
			for _, line := range tt.spared {
				if o.Mixer().Idle(line) {
					t.Errorf("line %s lost its pending clip", line)
				}
			}
		})
	}
}

func TestOrchestrator_ModelLifecycle(t *testing.T) {
	f := newFactory()
	o, _ := newTestOrchestrator(t, f)

	var mu sync.Mutex
	var started, exited []string
	o.OnModelStart(func(m string) { mu.Lock(); started = append(started, m); mu.Unlock() })
	o.OnModelExit(func(m string) { mu.Lock(); exited = append(exited, m); mu.Unlock() })

	if o.IsModelActive("libritts") {
		t.Fatal("model active before start")
	}
	startModel(t, o, "libritts")
	if !o.IsModelActive("libritts") {
		t.Fatal("model inactive after start")
	}

	// Starting again replaces the running pool.
	first := f.latest("libritts")
	startModel(t, o, "libritts")
	first.mu.Lock()
	stops := first.stops
	first.mu.Unlock()
	if first.Started() || stops != 1 {
		t.Error("previous pool was not stopped on restart")
	}

	if err := o.StopModel("libritts"); err != nil {
		t.Fatal(err)
	}
	if o.IsModelActive("libritts") {
		t.Error("model active after StopModel")
	}
	if err := o.StopModel("libritts"); !errors.Is(err, tts.ErrEngineUnavailable) {
		t.Errorf("second StopModel() error = %v, want ErrEngineUnavailable", err)
	}

	waitFor(t, "listeners", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 2 && len(exited) == 2
	})
}

func TestOrchestrator_StartModelsJoinsErrors(t *testing.T) {
	f := newFactory()
	f.startErr["broken"] = fmt.Errorf("%w: no model file", tts.ErrSpawnFailed)
	o, _ := newTestOrchestrator(t, f)

	err := o.StartModels(context.Background(), []piper.PoolConfig{{Name: "libritts"}, {Name: "broken"}, {Name: "vctk"}})
	if !errors.Is(err, tts.ErrSpawnFailed) {
		t.Fatalf("StartModels() error = %v, want ErrSpawnFailed", err)
	}
	for name, want := range map[string]bool{"libritts": true, "broken": false, "vctk": true} {
		if got := o.IsModelActive(name); got != want {
			t.Errorf("IsModelActive(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestOrchestrator_Reconcile(t *testing.T) {
	f := newFactory()
	o, _ := newTestOrchestrator(t, f)

	initial := []piper.PoolConfig{
		{Name: "keep", Instances: 2},
		{Name: "change", Instances: 1},
		{Name: "remove", Instances: 1},
	}
	if err := o.Reconcile(context.Background(), initial); err != nil {
		t.Fatal(err)
	}
	keep, change, remove := f.latest("keep"), f.latest("change"), f.latest("remove")

	next := []piper.PoolConfig{
		{Name: "keep", Instances: 2},
		{Name: "change", Instances: 3},
		{Name: "add", Instances: 1},
	}
	if err := o.Reconcile(context.Background(), next); err != nil {
		t.Fatal(err)
	}

	if f.latest("keep") != keep || !keep.Started() {
		t.Error("unchanged model was restarted")
	}
	if f.latest("change") == change || change.Started() || !f.latest("change").Started() {
		t.Error("changed model was not restarted")
	}
	if remove.Started() || o.IsModelActive("remove") {
		t.Error("removed model still running")
	}
	if !o.IsModelActive("add") {
		t.Error("added model not started")
	}
}

func TestOrchestrator_RegisteredEngine(t *testing.T) {
	f := newFactory()
	o, _ := newTestOrchestrator(t, f)

	engine := &fakeEngine{cfg: piper.PoolConfig{Name: "system", Sink: o.Mixer()}}
	o.Register(engine)
	if o.IsModelActive("system") {
		t.Fatal("engine active before Start")
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !o.IsModelActive("system") {
		t.Fatal("engine inactive after Start")
	}
	if _, err := o.Speak(context.Background(), tts.VoiceID{Model: "system", Voice: "en"}, "Hello.", nil, "a"); err != nil {
		t.Fatal(err)
	}
	if tasks, _ := engine.snapshot(); len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}

	statuses := o.Status()
	if len(statuses) != 1 || statuses[0].Model != "system" || statuses[0].Engine != "command" || !statuses[0].Active {
		t.Errorf("Status() = %+v", statuses)
	}
}
