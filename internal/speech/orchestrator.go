// Package speech ties synthesis engines to the audio mixer. It owns the
// models that are running, splits text into fragments, hands out playback
// tickets, and routes cancellation to every engine and line.
package speech

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/muesli/reflow/truncate"
	"golang.org/x/sync/errgroup"

	"github.com/naturalspeech/naturalspeech/internal/audio"
	"github.com/naturalspeech/naturalspeech/internal/events"
	"github.com/naturalspeech/naturalspeech/internal/telemetry"
	"github.com/naturalspeech/naturalspeech/internal/tts"
	"github.com/naturalspeech/naturalspeech/internal/tts/engines/piper"
)

// PoolFactory builds the engine for a model started with StartModel.
type PoolFactory func(cfg piper.PoolConfig) tts.SpeechEngine

func newPiperPool(cfg piper.PoolConfig) tts.SpeechEngine {
	return piper.NewPool(cfg)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithEvents publishes lifecycle events on bus instead of a private one.
// The caller keeps ownership of bus.
func WithEvents(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithMetrics records counters through r.
func WithMetrics(r telemetry.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithCache gives every model a clip cache.
func WithCache(c piper.ClipCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithShouldSpeak filters lines before any work is queued.
func WithShouldSpeak(fn func(line string) bool) Option {
	return func(o *Orchestrator) { o.shouldSpeak = fn }
}

// WithFragmentOptions sets the fragment length limits.
func WithFragmentOptions(f tts.FragmentOptions) Option {
	return func(o *Orchestrator) { o.fragment = f }
}

// WithPoolFactory replaces the piper pool constructor.
func WithPoolFactory(f PoolFactory) Option {
	return func(o *Orchestrator) { o.newPool = f }
}

// Orchestrator is the entry point for speech. It is safe for concurrent use.
type Orchestrator struct {
	mixer    *audio.Mixer
	bus      *events.Bus
	ownsBus  bool
	log      *log.Logger
	metrics  telemetry.Recorder
	cache    piper.ClipCache
	fragment tts.FragmentOptions
	newPool  PoolFactory

	shouldSpeak func(line string) bool

	mu         sync.RWMutex
	models     map[string]tts.SpeechEngine
	modelCfgs  map[string]piper.PoolConfig
	engines    map[string]tts.SpeechEngine
	modelLocks map[string]*sync.Mutex

	// speakMu keeps the tickets of one utterance contiguous on its line.
	speakMu sync.Mutex

	listenMu  sync.RWMutex
	onStart   []func(model string)
	onExit    []func(model string)
	unsubs    []func()
	closeOnce sync.Once
}

// New creates an orchestrator playing through sink.
func New(sink audio.Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		metrics:    telemetry.Nop,
		newPool:    newPiperPool,
		models:     make(map[string]tts.SpeechEngine),
		modelCfgs:  make(map[string]piper.PoolConfig),
		engines:    make(map[string]tts.SpeechEngine),
		modelLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = log.Default().WithPrefix("speech")
	}
	if o.bus == nil {
		o.bus = events.NewBus(events.DefaultBuffer, o.log)
		o.ownsBus = true
	}

	o.mixer = audio.NewMixer(audio.MixerConfig{
		Sink:   sink,
		Logger: o.log.WithPrefix("mixer"),
		OnPlayed: func(line string, _ tts.Clip, err error) {
			if err != nil {
				return
			}
			o.metrics.ClipPlayed(line)
			o.bus.Publish(events.Event{Kind: events.ClipPlayed, Line: line})
		},
	})

	o.unsubs = append(o.unsubs,
		o.bus.Subscribe(events.ModelStarted, func(e events.Event) { o.notify(&o.onStart, e.Model) }),
		o.bus.Subscribe(events.ModelExited, func(e events.Event) { o.notify(&o.onExit, e.Model) }),
	)
	return o
}

// Mixer returns the mixer engines deliver clips to.
func (o *Orchestrator) Mixer() *audio.Mixer { return o.mixer }

// Events returns the bus lifecycle events are published on.
func (o *Orchestrator) Events() *events.Bus { return o.bus }

func (o *Orchestrator) notify(list *[]func(string), model string) {
	o.listenMu.RLock()
	fns := slices.Clone(*list)
	o.listenMu.RUnlock()
	for _, fn := range fns {
		fn(model)
	}
}

// OnModelStart registers fn to run after a model starts. Listeners run on
// the event goroutine.
func (o *Orchestrator) OnModelStart(fn func(model string)) {
	o.listenMu.Lock()
	defer o.listenMu.Unlock()
	o.onStart = append(o.onStart, fn)
}

// OnModelExit registers fn to run after a model stops for any reason,
// including losing its last worker.
func (o *Orchestrator) OnModelExit(fn func(model string)) {
	o.listenMu.Lock()
	defer o.listenMu.Unlock()
	o.onExit = append(o.onExit, fn)
}

// Register adds an engine that is not a piper pool, such as the command
// engine. It replaces any engine registered under the same name.
func (o *Orchestrator) Register(engine tts.SpeechEngine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.engines[engine.Name()] = engine
}

// Start starts every registered engine.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.RLock()
	engines := make([]tts.SpeechEngine, 0, len(o.engines))
	for _, e := range o.engines {
		engines = append(engines, e)
	}
	o.mu.RUnlock()

	var errs []error
	for _, e := range engines {
		if e.Started() {
			continue
		}
		if err := e.Start(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) modelLock(name string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.modelLocks[name]
	if !ok {
		l = &sync.Mutex{}
		o.modelLocks[name] = l
	}
	return l
}

// StartModel starts a worker pool for cfg.Name, stopping any pool already
// running for it.
func (o *Orchestrator) StartModel(ctx context.Context, cfg piper.PoolConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: model has no name", tts.ErrInvalidVoice)
	}
	lock := o.modelLock(cfg.Name)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	old := o.models[cfg.Name]
	delete(o.models, cfg.Name)
	delete(o.modelCfgs, cfg.Name)
	o.mu.Unlock()
	if old != nil {
		o.log.Info("restarting model", "model", cfg.Name)
		_ = old.Stop()
	}

	requested := cfg
	cfg.Sink = o.mixer
	cfg.Events = o.bus
	cfg.Metrics = o.metrics
	if cfg.Cache == nil {
		cfg.Cache = o.cache
	}
	if cfg.Logger == nil {
		cfg.Logger = o.log.WithPrefix("piper")
	}

	pool := o.newPool(cfg)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	o.models[cfg.Name] = pool
	o.modelCfgs[cfg.Name] = requested
	o.mu.Unlock()
	return nil
}

// StartModels starts models concurrently and returns every failure.
func (o *Orchestrator) StartModels(ctx context.Context, cfgs []piper.PoolConfig) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, cfg := range cfgs {
		g.Go(func() error {
			if err := o.StartModel(ctx, cfg); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// StopModel stops the model's pool and drops its queued work.
func (o *Orchestrator) StopModel(name string) error {
	lock := o.modelLock(name)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	pool, ok := o.models[name]
	delete(o.models, name)
	delete(o.modelCfgs, name)
	o.mu.Unlock()
	if !ok {
		return tts.NewError("speech", "stop", name, tts.ErrEngineUnavailable)
	}
	return pool.Stop()
}

// Reconcile makes the running models match want: models not in want are
// stopped, new ones started, and changed ones restarted.
func (o *Orchestrator) Reconcile(ctx context.Context, want []piper.PoolConfig) error {
	wanted := make(map[string]piper.PoolConfig, len(want))
	for _, cfg := range want {
		wanted[cfg.Name] = cfg
	}

	o.mu.RLock()
	var stop []string
	var start []piper.PoolConfig
	for name, running := range o.modelCfgs {
		if _, ok := wanted[name]; !ok {
			stop = append(stop, name)
		} else if !sameModel(running, wanted[name]) {
			start = append(start, wanted[name])
		}
	}
	for name, cfg := range wanted {
		if _, ok := o.modelCfgs[name]; !ok {
			start = append(start, cfg)
		}
	}
	o.mu.RUnlock()

	var errs []error
	for _, name := range stop {
		o.log.Info("stopping removed model", "model", name)
		if err := o.StopModel(name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.StartModels(ctx, start); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sameModel compares the settings that require a restart when changed.
func sameModel(a, b piper.PoolConfig) bool {
	return a.Name == b.Name &&
		slices.Equal(a.Voices, b.Voices) &&
		a.Instances == b.Instances &&
		a.Overflow == b.Overflow &&
		a.Respawn == b.Respawn &&
		a.Worker.Binary == b.Worker.Binary &&
		a.Worker.Model == b.Worker.Model &&
		a.Worker.ConfigPath == b.Worker.ConfigPath &&
		slices.Equal(a.Worker.Args, b.Worker.Args) &&
		slices.Equal(a.Worker.Env, b.Worker.Env)
}

// engineFor resolves a model name to a running pool or registered engine.
func (o *Orchestrator) engineFor(model string) tts.SpeechEngine {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if e, ok := o.models[model]; ok {
		return e
	}
	return o.engines[model]
}

// IsModelActive reports whether the model can currently speak.
func (o *Orchestrator) IsModelActive(model string) bool {
	e := o.engineFor(model)
	return e != nil && e.Started()
}

// Speak splits text into fragments and queues them on line. It returns the
// utterance ID, or "" when the line is filtered or the text is empty.
func (o *Orchestrator) Speak(ctx context.Context, voice tts.VoiceID, text string, gain tts.Gain, line string) (string, error) {
	if o.shouldSpeak != nil && !o.shouldSpeak(line) {
		return "", nil
	}

	engine := o.engineFor(voice.Model)
	if engine == nil || !engine.CanSpeak(voice) {
		return "", tts.NewError("speech", "speak", voice.Model, fmt.Errorf("%w: %s", tts.ErrEngineUnavailable, voice))
	}
	if !engine.Started() {
		return "", tts.NewError("speech", "speak", voice.Model, tts.ErrEngineNotActive)
	}

	fragments := tts.SplitWith(text, o.fragment)
	if len(fragments) == 0 {
		return "", nil
	}

	utterance := uuid.NewString()
	now := time.Now()

	o.speakMu.Lock()
	defer o.speakMu.Unlock()
	for i, fragment := range fragments {
		seq := o.mixer.Ticket(line)
		task := tts.Task{
			ID:        uuid.NewString(),
			Utterance: utterance,
			Seq:       seq,
			Text:      fragment,
			Voice:     voice,
			Gain:      gain,
			Line:      line,
			Queued:    now,
		}
		if err := engine.Speak(ctx, task); err != nil {
			o.mixer.Skip(line, seq)
			o.log.Warn("fragment rejected", "line", line, "fragment", i, "err", err)
			return utterance, err
		}
	}

	o.log.Debug("utterance queued", "line", line, "voice", voice, "fragments", len(fragments),
		"text", truncate.StringWithTail(text, 48, "…"))
	o.bus.Publish(events.Event{Kind: events.UtteranceQueued, Model: voice.Model, Line: line, Count: len(fragments)})
	return utterance, nil
}

func (o *Orchestrator) allEngines() []tts.SpeechEngine {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]tts.SpeechEngine, 0, len(o.models)+len(o.engines))
	for _, e := range o.models {
		out = append(out, e)
	}
	for _, e := range o.engines {
		out = append(out, e)
	}
	return out
}

func (o *Orchestrator) cancelWhere(pred func(line string) bool) {
	for _, e := range o.allEngines() {
		e.Silence(pred)
	}
	o.mixer.CloseLinesWhere(pred)
}

// CancelSpeaker drops everything pending for line. A clip already playing
// finishes.
func (o *Orchestrator) CancelSpeaker(line string) {
	o.cancelWhere(func(l string) bool { return l == line })
}

// CancelOthers drops pending speech on every line except line, the
// dialogue line, and lines for which exempt returns true.
func (o *Orchestrator) CancelOthers(line string, exempt func(line string) bool) {
	o.cancelWhere(func(l string) bool {
		if l == line || l == tts.DialogueLine {
			return false
		}
		return exempt == nil || !exempt(l)
	})
}

// CancelAll drops pending speech on every line.
func (o *Orchestrator) CancelAll() {
	for _, e := range o.allEngines() {
		e.SilenceAll()
	}
	o.mixer.CloseAll()
}

// WaitIdle blocks until every line has played everything queued on it.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	return o.mixer.WaitIdle(ctx)
}

// ModelStatus describes one model or registered engine.
type ModelStatus struct {
	Model     string `json:"model"`
	Engine    string `json:"engine"`
	Active    bool   `json:"active"`
	State     string `json:"state,omitempty"`
	Workers   int    `json:"workers"`
	Busy      int    `json:"busy"`
	Queued    int    `json:"queued"`
	Dropped   int64  `json:"dropped"`
	Overflows int64  `json:"overflows"`
}

type statuser interface {
	Status() piper.Status
}

// Status returns the status of every model and engine, sorted by name.
func (o *Orchestrator) Status() []ModelStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]ModelStatus, 0, len(o.models)+len(o.engines))
	for name, e := range o.models {
		s := ModelStatus{Model: name, Engine: "piper", Active: e.Started()}
		if st, ok := e.(statuser); ok {
			ps := st.Status()
			s.State = ps.State
			s.Workers = ps.Workers
			s.Busy = ps.Busy
			s.Queued = ps.Queued
			s.Dropped = ps.Queue.TotalDropped
			s.Overflows = ps.Queue.Overflows
		}
		out = append(out, s)
	}
	for name, e := range o.engines {
		out = append(out, ModelStatus{Model: name, Engine: "command", Active: e.Started()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Stop stops every model and engine, then closes the mixer and, if the
// orchestrator created it, the event bus.
func (o *Orchestrator) Stop() error {
	var errs []error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		engines := make([]tts.SpeechEngine, 0, len(o.models)+len(o.engines))
		for _, e := range o.models {
			engines = append(engines, e)
		}
		for _, e := range o.engines {
			engines = append(engines, e)
		}
		clear(o.models)
		clear(o.modelCfgs)
		o.mu.Unlock()

		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, e := range engines {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.Stop(); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if err := o.mixer.Close(); err != nil {
			errs = append(errs, err)
		}
		// Closing the bus first lets listeners see the final exits.
		if o.ownsBus {
			o.bus.Close()
		}
		for _, unsub := range o.unsubs {
			unsub()
		}
	})
	return errors.Join(errs...)
}
