package piper

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/muesli/reflow/truncate"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/naturalspeech/naturalspeech/internal/cache"
	"github.com/naturalspeech/naturalspeech/internal/events"
	"github.com/naturalspeech/naturalspeech/internal/queue"
	"github.com/naturalspeech/naturalspeech/internal/telemetry"
	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// DefaultInstances is the number of processes a pool runs per model.
const DefaultInstances = 2

// worker is the part of *Worker the pool depends on.
type worker interface {
	Render(ctx context.Context, text, voice string) ([]byte, error)
	TryAcquire() bool
	Release()
	Busy() bool
	Alive() bool
	Done() <-chan struct{}
	Stop() error
	PID() int
}

type spawnFunc func(ctx context.Context, cfg WorkerConfig) (worker, error)

func startProcess(ctx context.Context, cfg WorkerConfig) (worker, error) {
	w, err := StartWorker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ClipCache stores rendered audio by cache.Key.
type ClipCache interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte) error
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Name is the model name voices refer to.
	Name string
	// Voices limits CanSpeak to these voice keys. Empty accepts any.
	Voices []string
	Worker WorkerConfig

	Instances int
	Overflow  int

	// Respawn replaces crashed workers, at most RespawnBurst at once and
	// one per RespawnEvery afterwards.
	Respawn      bool
	RespawnEvery time.Duration
	RespawnBurst int

	Cache   ClipCache
	Sink    tts.ClipSink
	Events  events.Publisher
	Metrics telemetry.Recorder
	Logger  *log.Logger
}

func (c *PoolConfig) setDefaults() {
	if c.Instances <= 0 {
		c.Instances = DefaultInstances
	}
	if c.Overflow == 0 {
		c.Overflow = queue.DefaultOverflow
	}
	if c.RespawnEvery == 0 {
		c.RespawnEvery = 5 * time.Second
	}
	if c.RespawnBurst == 0 {
		c.RespawnBurst = 3
	}
	if c.Events == nil {
		c.Events = events.Nop
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.Nop
	}
	if c.Logger == nil {
		c.Logger = log.Default().WithPrefix("piper")
	}
	if c.Worker.Logger == nil {
		c.Worker.Logger = c.Logger
	}
}

// Status is a snapshot of a pool.
type Status struct {
	Model   string      `json:"model"`
	State   string      `json:"state"`
	Workers int         `json:"workers"`
	Busy    int         `json:"busy"`
	Queued  int         `json:"queued"`
	Queue   queue.Stats `json:"queue"`
}

// Pool dispatches synthesis tasks for one model to a set of piper
// processes. Tasks are started in submission order on whichever worker is
// idle; finished clips go to the sink with their playback ticket.
type Pool struct {
	cfg   PoolConfig
	log   *log.Logger
	spawn spawnFunc
	state *tts.StateMachine

	mu      sync.Mutex
	workers []worker
	lines   map[string]struct{}
	queue   *queue.TaskQueue
	ctx     context.Context
	cancel  context.CancelFunc

	idle     chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
	limiter  *rate.Limiter
}

// NewPool creates a stopped pool.
func NewPool(cfg PoolConfig) *Pool {
	cfg.setDefaults()
	return &Pool{
		cfg:     cfg,
		log:     cfg.Logger.With("model", cfg.Name),
		spawn:   startProcess,
		state:   tts.NewStateMachine(),
		lines:   make(map[string]struct{}),
		queue:   queue.New(cfg.Overflow),
		limiter: rate.NewLimiter(rate.Every(cfg.RespawnEvery), cfg.RespawnBurst),
	}
}

// Name returns the model name.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Start spawns the configured number of workers. If any of them fails to
// start, the others are stopped again and the pool stays stopped.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.state.Transition(tts.StateStarting); err != nil {
		return tts.NewError("pool", "start", p.cfg.Name, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.queue = queue.New(p.cfg.Overflow)
	p.ctx, p.cancel = loopCtx, cancel
	p.idle = make(chan struct{}, 1)
	p.loopDone = make(chan struct{})
	p.lines = make(map[string]struct{})
	p.mu.Unlock()
	go p.loop()

	spawned := make([]worker, p.cfg.Instances)
	g, gctx := errgroup.WithContext(ctx)
	for i := range spawned {
		g.Go(func() error {
			w, err := p.spawn(gctx, p.cfg.Worker)
			if err != nil {
				return err
			}
			spawned[i] = w
			return nil
		})
	}
	err := g.Wait()
	if err == nil && p.state.Transition(tts.StateRunning) != nil {
		err = fmt.Errorf("%w: stopped while starting", tts.ErrSpawnFailed)
	}
	if err != nil {
		for _, w := range spawned {
			if w != nil {
				_ = w.Stop()
			}
		}
		p.abortStart()
		p.log.Error("failed to start model", "err", err)
		return tts.NewError("pool", "start", p.cfg.Name, err)
	}

	for _, w := range spawned {
		p.addWorker(w)
	}
	p.log.Info("model started", "workers", len(spawned))
	p.cfg.Events.Publish(events.Event{Kind: events.ModelStarted, Model: p.cfg.Name, Count: len(spawned), Time: time.Now()})
	return nil
}

// abortStart winds down the dispatch loop of a failed Start.
func (p *Pool) abortStart() {
	p.cancel()
	p.queue.Close()
	<-p.loopDone
	if p.state.Current() == tts.StateStarting {
		_ = p.state.Transition(tts.StateStopped)
	}
}

// addWorker puts w in the idle set and watches its process.
func (p *Pool) addWorker(w worker) {
	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		_ = w.Stop()
		return
	}
	p.workers = append(p.workers, w)
	ctx := p.ctx
	p.mu.Unlock()

	p.log.Debug("worker started", "pid", w.PID())
	p.cfg.Events.Publish(events.Event{Kind: events.WorkerStarted, Model: p.cfg.Name, PID: w.PID(), Time: time.Now()})
	p.signalIdle()

	go func() {
		select {
		case <-w.Done():
			p.removeWorker(w, "process exited")
		case <-ctx.Done():
		}
	}()
}

// removeWorker drops w from the set. The first caller for a worker
// publishes WorkerExited and decides what to do when no worker is left.
func (p *Pool) removeWorker(w worker, reason string) {
	p.mu.Lock()
	idx := slices.Index(p.workers, w)
	if idx >= 0 {
		p.workers = slices.Delete(p.workers, idx, idx+1)
	}
	remaining := len(p.workers)
	p.mu.Unlock()
	if idx < 0 {
		return
	}

	_ = w.Stop()
	p.cfg.Events.Publish(events.Event{Kind: events.WorkerExited, Model: p.cfg.Name, PID: w.PID(), Reason: reason, Time: time.Now()})
	if p.state.Current() != tts.StateRunning {
		return
	}

	p.cfg.Metrics.WorkerCrashed(p.cfg.Name)
	p.log.Warn("worker exited", "pid", w.PID(), "reason", reason, "remaining", remaining)

	if p.cfg.Respawn && p.limiter.Allow() {
		go p.respawn()
		return
	}
	if remaining == 0 {
		p.log.Error("no workers left, stopping model")
		go p.Stop() //nolint:errcheck
	}
}

func (p *Pool) respawn() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	w, err := p.spawn(ctx, p.cfg.Worker)
	if err != nil {
		p.log.Error("respawn failed", "err", err)
		if p.Alive() == 0 {
			go p.Stop() //nolint:errcheck
		}
		return
	}
	p.addWorker(w)
}

func (p *Pool) signalIdle() {
	select {
	case p.idle <- struct{}{}:
	default:
	}
}

// claim returns an idle worker, already acquired, or nil.
func (p *Pool) claim() worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.TryAcquire() {
			return w
		}
	}
	return nil
}

// loop starts the head task on an idle worker until the pool stops. A
// worker is claimed before the task is popped so that tasks keep their
// order while all workers are busy.
func (p *Pool) loop() {
	defer close(p.loopDone)
	for {
		if err := p.queue.Wait(p.ctx); err != nil {
			return
		}

		w := p.claim()
		if w == nil {
			select {
			case <-p.idle:
				continue
			case <-p.ctx.Done():
				return
			}
		}

		task, ok := p.queue.Pop()
		if !ok {
			w.Release()
			continue
		}
		p.inflight.Add(1)
		go p.render(w, task)
	}
}

func (p *Pool) render(w worker, task tts.Task) {
	defer p.inflight.Done()

	start := time.Now()
	pcm, err := w.Render(p.ctx, task.Text, task.Voice.Voice)
	switch {
	case err == nil:
		w.Release()
		p.signalIdle()
		p.cfg.Metrics.RenderDuration(p.cfg.Name, time.Since(start))
		p.log.Debug("rendered", "pid", w.PID(), "line", task.Line, "seq", task.Seq,
			"bytes", len(pcm), "took", time.Since(start))
		if p.cfg.Cache != nil {
			if err := p.cfg.Cache.Put(cache.Key(p.cfg.Name, task.Voice.Voice, task.Text), pcm); err != nil {
				p.log.Debug("cache put failed", "err", err)
			}
		}
		p.deliver(task, pcm)

	case errors.Is(err, tts.ErrWorkerCrashed):
		p.removeWorker(w, err.Error())
		if p.ctx.Err() != nil {
			p.skip([]tts.Task{task}, telemetry.ReasonCancel)
			return
		}
		if err := p.queue.PushFront(task); err != nil {
			p.skip([]tts.Task{task}, telemetry.ReasonNoWorker)
			return
		}
		p.log.Debug("requeued task after crash", "line", task.Line, "seq", task.Seq)

	default:
		w.Release()
		p.signalIdle()
		reason := telemetry.ReasonError
		if p.ctx.Err() != nil {
			reason = telemetry.ReasonCancel
		} else {
			p.log.Error("render failed", "line", task.Line, "err", err)
		}
		p.skip([]tts.Task{task}, reason)
	}
}

func (p *Pool) deliver(task tts.Task, pcm []byte) {
	if p.cfg.Sink == nil {
		return
	}
	p.cfg.Sink.Deliver(tts.Clip{PCM: pcm, Gain: task.Gain, Line: task.Line, Seq: task.Seq})
}

// skip releases the playback tickets of tasks that will never be rendered.
func (p *Pool) skip(tasks []tts.Task, reason string) {
	if len(tasks) == 0 {
		return
	}
	p.cfg.Metrics.TaskDropped(p.cfg.Name, reason, len(tasks))
	if p.cfg.Sink == nil {
		return
	}
	for _, task := range tasks {
		p.cfg.Sink.Skip(task.Line, task.Seq)
	}
}

// Started reports whether the pool is running with at least one worker.
func (p *Pool) Started() bool {
	return p.state.Current() == tts.StateRunning && p.Alive() > 0
}

// CanSpeak reports whether the pool serves voice.
func (p *Pool) CanSpeak(voice tts.VoiceID) bool {
	if voice.Model != p.cfg.Name {
		return false
	}
	return len(p.cfg.Voices) == 0 || slices.Contains(p.cfg.Voices, voice.Voice)
}

// Speak queues a task. Once Speak returns nil the pool owns the task's
// ticket: it delivers a clip or skips the ticket. On error the caller
// still owns it.
//
// If the queue already holds the overflow limit, the backlog is dropped
// before the task is appended.
func (p *Pool) Speak(ctx context.Context, task tts.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.Started() {
		return tts.NewError("pool", "speak", p.cfg.Name, tts.ErrEngineNotActive)
	}
	if task.Queued.IsZero() {
		task.Queued = time.Now()
	}

	p.mu.Lock()
	p.lines[task.Line] = struct{}{}
	q := p.queue
	p.mu.Unlock()

	if p.cfg.Cache != nil {
		if pcm, ok := p.cfg.Cache.Get(cache.Key(p.cfg.Name, task.Voice.Voice, task.Text)); ok {
			p.cfg.Metrics.CacheHit(p.cfg.Name)
			p.log.Debug("cache hit", "line", task.Line, "text", truncate.StringWithTail(task.Text, 32, "…"))
			p.deliver(task, pcm)
			return nil
		}
	}

	dropped, err := q.Push(task)
	if err != nil {
		return tts.NewError("pool", "speak", p.cfg.Name, err)
	}
	p.cfg.Metrics.TaskSubmitted(p.cfg.Name)
	p.log.Debug("queued", "line", task.Line, "seq", task.Seq, "text", truncate.StringWithTail(task.Text, 32, "…"))

	if len(dropped) > 0 {
		p.log.Warn("queue overflow, dropped backlog", "dropped", len(dropped))
		p.skip(dropped, telemetry.ReasonOverflow)
		p.cfg.Events.Publish(events.Event{
			Kind:   events.QueueOverflow,
			Model:  p.cfg.Name,
			Line:   task.Line,
			Count:  len(dropped),
			Reason: tts.ErrQueueOverflow.Error(),
			Time:   time.Now(),
		})
	}
	return nil
}

// Silence drops queued tasks for lines matching pred and closes those
// lines on the sink. Renders already running finish but their clips are
// discarded by the sink.
func (p *Pool) Silence(pred func(line string) bool) {
	p.mu.Lock()
	q := p.queue
	var lines []string
	for line := range p.lines {
		if pred(line) {
			lines = append(lines, line)
			delete(p.lines, line)
		}
	}
	p.mu.Unlock()

	p.skip(q.RemoveWhere(func(t tts.Task) bool { return pred(t.Line) }), telemetry.ReasonCancel)
	if p.cfg.Sink == nil {
		return
	}
	for _, line := range lines {
		p.cfg.Sink.CloseLine(line)
	}
}

// SilenceAll drops every queued task and closes every line the pool fed.
func (p *Pool) SilenceAll() {
	p.Silence(func(string) bool { return true })
}

// Stop drops queued tasks and stops every worker. It is idempotent and
// safe to call from any goroutine, including the pool's own.
func (p *Pool) Stop() error {
	if err := p.state.Transition(tts.StateStopping); err != nil {
		return nil
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	workers := p.workers
	p.workers = nil
	q := p.queue
	loopDone := p.loopDone
	p.mu.Unlock()

	p.skip(q.Close(), telemetry.ReasonCancel)

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Stop()
			p.cfg.Events.Publish(events.Event{Kind: events.WorkerExited, Model: p.cfg.Name, PID: w.PID(), Reason: "stopped", Time: time.Now()})
		}()
	}
	wg.Wait()
	if loopDone != nil {
		<-loopDone
	}
	p.inflight.Wait()

	_ = p.state.Transition(tts.StateStopped)
	p.log.Info("model stopped")
	p.cfg.Events.Publish(events.Event{Kind: events.ModelExited, Model: p.cfg.Name, Time: time.Now()})
	return nil
}

// Alive returns the number of live workers.
func (p *Pool) Alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.Alive() {
			n++
		}
	}
	return n
}

// Status returns a snapshot of the pool.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Model:   p.cfg.Name,
		State:   p.state.Current().String(),
		Workers: len(p.workers),
		Queued:  p.queue.Size(),
		Queue:   p.queue.GetStats(),
	}
	for _, w := range p.workers {
		if w.Busy() {
			s.Busy++
		}
	}
	return s
}

var _ tts.SpeechEngine = (*Pool)(nil)
