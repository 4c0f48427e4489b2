package audio

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// MixerConfig configures a Mixer.
type MixerConfig struct {
	Sink   Sink
	Logger *log.Logger

	// OnPlayed is called from the line's playback goroutine after each
	// clip finishes, with the sink error if any.
	OnPlayed func(line string, clip tts.Clip, err error)
}

// Mixer multiplexes clips onto named lines. Each line plays its clips one
// at a time in order; different lines play concurrently.
//
// Closing a line drops its pending clips but lets the clip that is already
// playing finish. Only Close interrupts playback.
type Mixer struct {
	sink     Sink
	log      *log.Logger
	onPlayed func(string, tts.Clip, error)

	mu     sync.RWMutex
	lines  map[string]*line
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// line is one playback channel. Every field is guarded by mu.
type line struct {
	mu      sync.Mutex
	name    string
	queue   []tts.Clip
	playing bool

	// Tickets order clips that finish synthesis out of order. issued is the
	// next ticket to hand out and next the next ticket to release.
	issued  uint64
	next    uint64
	held    map[uint64]tts.Clip
	skipped map[uint64]struct{}
}

// NewMixer creates a mixer playing through cfg.Sink.
func NewMixer(cfg MixerConfig) *Mixer {
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("mixer")
	}
	if cfg.Sink == nil {
		cfg.Sink = NullSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mixer{
		sink:     cfg.Sink,
		log:      cfg.Logger,
		onPlayed: cfg.OnPlayed,
		lines:    make(map[string]*line),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// getLine returns the named line, creating it if create is set.
func (m *Mixer) getLine(name string, create bool) *line {
	m.mu.RLock()
	l := m.lines[name]
	m.mu.RUnlock()
	if l != nil || !create {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l = m.lines[name]; l == nil {
		l = &line{
			name:    name,
			held:    make(map[uint64]tts.Clip),
			skipped: make(map[uint64]struct{}),
		}
		m.lines[name] = l
	}
	return l
}

// Enqueue appends clip to the named line and starts playback if the line
// is idle.
func (m *Mixer) Enqueue(name string, clip tts.Clip) {
	clip.Line = name
	l := m.getLine(name, true)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, clip)
	m.startLocked(l)
}

// Ticket reserves the next playback position on the named line. A clip
// delivered with the ticket is played after every earlier ticket has been
// delivered or skipped.
func (m *Mixer) Ticket(name string) uint64 {
	l := m.getLine(name, true)

	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.issued
	l.issued++
	return seq
}

// Deliver hands over a clip holding a ticket from Ticket. Clips whose
// ticket predates the last close of their line are discarded.
func (m *Mixer) Deliver(clip tts.Clip) {
	l := m.getLine(clip.Line, true)

	l.mu.Lock()
	defer l.mu.Unlock()
	if clip.Seq < l.next || clip.Seq >= l.issued {
		m.log.Debug("dropping stale clip", "line", l.name, "seq", clip.Seq)
		return
	}
	l.held[clip.Seq] = clip
	m.releaseLocked(l)
	m.startLocked(l)
}

// Skip gives up a ticket whose clip will never be delivered.
func (m *Mixer) Skip(name string, seq uint64) {
	l := m.getLine(name, false)
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < l.next || seq >= l.issued {
		return
	}
	l.skipped[seq] = struct{}{}
	m.releaseLocked(l)
	m.startLocked(l)
}

// releaseLocked moves clips that are next in ticket order to the queue.
func (m *Mixer) releaseLocked(l *line) {
	for {
		if clip, ok := l.held[l.next]; ok {
			delete(l.held, l.next)
			l.queue = append(l.queue, clip)
			l.next++
			continue
		}
		if _, ok := l.skipped[l.next]; ok {
			delete(l.skipped, l.next)
			l.next++
			continue
		}
		return
	}
}

// startLocked flips the line to playing and starts its playback goroutine.
// The flip happens under the same lock as the emptiness check, so a line
// never has two playback goroutines and never strands a queued clip.
func (m *Mixer) startLocked(l *line) {
	if l.playing || len(l.queue) == 0 {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	l.playing = true
	m.wg.Add(1)
	go m.play(l)
}

func (m *Mixer) play(l *line) {
	defer m.wg.Done()

	for {
		l.mu.Lock()
		if len(l.queue) == 0 || m.ctx.Err() != nil {
			l.queue = nil
			l.playing = false
			l.mu.Unlock()
			return
		}
		clip := l.queue[0]
		l.queue[0] = tts.Clip{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		err := m.sink.Play(m.ctx, clip)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("playback failed", "line", l.name, "err", err)
		}
		if m.onPlayed != nil {
			m.onPlayed(l.name, clip, err)
		}
	}
}

// CloseLine drops the pending clips of the named line and every clip still
// being synthesized for it.
func (m *Mixer) CloseLine(name string) {
	if l := m.getLine(name, false); l != nil {
		l.reset()
	}
}

// CloseLinesWhere closes every line whose name satisfies pred.
func (m *Mixer) CloseLinesWhere(pred func(name string) bool) {
	m.mu.RLock()
	matched := make([]*line, 0, len(m.lines))
	for name, l := range m.lines {
		if pred(name) {
			matched = append(matched, l)
		}
	}
	m.mu.RUnlock()

	for _, l := range matched {
		l.reset()
	}
}

// CloseAll closes every line.
func (m *Mixer) CloseAll() {
	m.CloseLinesWhere(func(string) bool { return true })
}

func (l *line) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.queue {
		l.queue[i] = tts.Clip{}
	}
	l.queue = l.queue[:0]
	l.next = l.issued
	clear(l.held)
	clear(l.skipped)
}

// Playing reports whether the named line has an active playback goroutine.
func (m *Mixer) Playing(name string) bool {
	l := m.getLine(name, false)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playing
}

// Pending returns the number of clips queued on the named line, not
// counting the one playing.
func (m *Mixer) Pending(name string) int {
	l := m.getLine(name, false)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Idle reports whether the named line has nothing playing, queued or
// awaiting synthesis.
func (m *Mixer) Idle(name string) bool {
	l := m.getLine(name, false)
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.playing && len(l.queue) == 0 && l.next == l.issued
}

// WaitIdle blocks until every line is idle or ctx is done.
func (m *Mixer) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		idle := true
		for _, name := range m.Lines() {
			if !m.Idle(name) {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Lines returns the names of every line created so far, sorted.
func (m *Mixer) Lines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.lines))
	for name := range m.lines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close interrupts playback on every line, waits for the playback
// goroutines to exit and closes the sink.
func (m *Mixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.CloseAll()
	m.wg.Wait()

	return m.sink.Close()
}
