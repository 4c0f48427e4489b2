// Package piper runs pools of long-lived piper processes. Each process
// reads JSON requests on stdin and writes raw PCM on stdout; a stderr line
// reporting the real-time factor marks the end of each utterance.
package piper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// DoneMarker is the stderr text piper logs after finishing an utterance.
const DoneMarker = "Real-time factor"

// WorkerConfig describes how to launch one piper process.
type WorkerConfig struct {
	Binary     string
	Model      string
	ConfigPath string
	// Args are inserted before the model arguments.
	Args []string
	// Env is appended to the parent environment.
	Env []string

	// Grace is how long Stop waits after closing stdin before killing.
	Grace time.Duration
	// StartupCheck is how long a new process must survive to count as started.
	StartupCheck time.Duration
	// Drain is how long to keep reading stdout after the done marker.
	Drain time.Duration
	// RenderTimeout bounds one Render call.
	RenderTimeout time.Duration

	Logger *log.Logger
}

func (c *WorkerConfig) setDefaults() {
	if c.Binary == "" {
		c.Binary = "piper"
	}
	if c.Grace == 0 {
		c.Grace = 2 * time.Second
	}
	if c.StartupCheck == 0 {
		c.StartupCheck = 250 * time.Millisecond
	}
	if c.Drain == 0 {
		c.Drain = 50 * time.Millisecond
	}
	if c.RenderTimeout == 0 {
		c.RenderTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default().WithPrefix("piper")
	}
}

// request is the JSON line piper reads with --json-input.
type request struct {
	Text      string `json:"text"`
	SpeakerID int    `json:"speaker_id"`
}

// Worker owns one piper process. Render must only be called by the holder
// of the busy flag, obtained with TryAcquire.
type Worker struct {
	cfg   WorkerConfig
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   *log.Logger

	busy  atomic.Bool
	alive atomic.Bool

	out     chan []byte
	markers chan struct{}
	exited  chan struct{}
	exitErr error

	stderrMu   sync.Mutex
	stderrTail []string

	stopOnce sync.Once
}

// StartWorker launches a piper process for cfg.Model. It returns an error
// wrapping tts.ErrSpawnFailed if the process cannot start or exits during
// the startup check.
func StartWorker(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	cfg.setDefaults()

	args := append([]string{}, cfg.Args...)
	args = append(args, "--model", cfg.Model)
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}
	args = append(args, "--output-raw", "--json-input")

	cmd := exec.Command(cfg.Binary, args...) //nolint:gosec
	cmd.Env = append(cmd.Environ(), cfg.Env...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", tts.ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", tts.ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", tts.ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", tts.ErrSpawnFailed, err)
	}

	w := &Worker{
		cfg:     cfg,
		cmd:     cmd,
		stdin:   stdin,
		log:     cfg.Logger.With("pid", cmd.Process.Pid),
		out:     make(chan []byte, 64),
		markers: make(chan struct{}, 16),
		exited:  make(chan struct{}),
	}
	w.alive.Store(true)

	go w.readStdout(stdout)
	go w.readStderr(stderr)
	go func() {
		// Output still unread when the process exits is of no use, so
		// the pipes may be closed under the readers.
		w.exitErr = cmd.Wait()
		w.alive.Store(false)
		close(w.exited)
	}()

	timer := time.NewTimer(cfg.StartupCheck)
	defer timer.Stop()
	select {
	case <-w.exited:
		return nil, fmt.Errorf("%w: process exited during startup: %v %s",
			tts.ErrSpawnFailed, w.exitErr, strings.Join(w.stderrLines(), "; "))
	case <-ctx.Done():
		_ = w.Stop()
		return nil, fmt.Errorf("%w: %v", tts.ErrSpawnFailed, ctx.Err())
	case <-timer.C:
	}

	w.log.Debug("worker started", "model", cfg.Model)
	return w, nil
}

func (w *Worker) readStdout(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case w.out <- data:
			case <-w.exited:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (w *Worker) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, DoneMarker) {
			select {
			case w.markers <- struct{}{}:
			default:
			}
			continue
		}
		if line == "" {
			continue
		}

		w.stderrMu.Lock()
		w.stderrTail = append(w.stderrTail, line)
		if len(w.stderrTail) > 20 {
			w.stderrTail = w.stderrTail[1:]
		}
		w.stderrMu.Unlock()
		w.log.Debug("stderr", "line", line)
	}
}

func (w *Worker) stderrLines() []string {
	w.stderrMu.Lock()
	defer w.stderrMu.Unlock()
	return append([]string(nil), w.stderrTail...)
}

// PID returns the process id.
func (w *Worker) PID() int {
	return w.cmd.Process.Pid
}

// Alive reports whether the process is running and usable.
func (w *Worker) Alive() bool {
	return w.alive.Load()
}

// Done is closed when the process has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.exited
}

// TryAcquire claims the worker for one Render call.
func (w *Worker) TryAcquire() bool {
	return w.Alive() && w.busy.CompareAndSwap(false, true)
}

// Release returns the worker to the idle set.
func (w *Worker) Release() {
	w.busy.Store(false)
}

// Busy reports whether the worker is claimed.
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

// Render synthesizes text with the given voice and returns raw PCM. A
// non-numeric voice key selects speaker 0. If the process dies or stops
// responding the error wraps tts.ErrWorkerCrashed and the worker must not
// be used again. A cancelled ctx stops the process too.
func (w *Worker) Render(ctx context.Context, text, voice string) ([]byte, error) {
	if !w.Alive() {
		return nil, fmt.Errorf("%w: process not running", tts.ErrWorkerCrashed)
	}

	w.discardStale()

	speaker, err := strconv.Atoi(voice)
	if err != nil {
		speaker = 0
	}
	payload, err := json.Marshal(request{Text: text, SpeakerID: speaker})
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')
	if _, err := w.stdin.Write(payload); err != nil {
		w.kill()
		return nil, fmt.Errorf("%w: write request: %v", tts.ErrWorkerCrashed, err)
	}

	timeout := time.NewTimer(w.cfg.RenderTimeout)
	defer timeout.Stop()

	// drain runs once the done marker arrives and restarts on each chunk
	// that follows it.
	drain := time.NewTimer(time.Hour)
	drain.Stop()
	defer drain.Stop()
	armed := false

	var pcm []byte
	for {
		select {
		case chunk := <-w.out:
			pcm = append(pcm, chunk...)
			if armed {
				resetTimer(drain, w.cfg.Drain)
			}
		case <-w.markers:
			armed = true
			resetTimer(drain, w.cfg.Drain)
		case <-drain.C:
			return pcm, nil
		case <-w.exited:
			return nil, fmt.Errorf("%w: process exited: %v", tts.ErrWorkerCrashed, w.exitErr)
		case <-timeout.C:
			w.kill()
			return nil, fmt.Errorf("%w: no response after %s", tts.ErrWorkerCrashed, w.cfg.RenderTimeout)
		case <-ctx.Done():
			w.kill()
			return nil, ctx.Err()
		}
	}
}

// discardStale drops output left over from an abandoned request.
func (w *Worker) discardStale() {
	for {
		select {
		case <-w.out:
		case <-w.markers:
		default:
			return
		}
	}
}

// kill terminates the process immediately.
func (w *Worker) kill() {
	w.alive.Store(false)
	if err := killProcessGroup(w.cmd); err != nil {
		w.log.Debug("kill failed", "err", err)
	}
}

// Stop closes stdin, waits up to the grace period for the process to exit
// and kills it otherwise. It is idempotent.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		w.alive.Store(false)
		_ = w.stdin.Close()

		grace := time.NewTimer(w.cfg.Grace)
		defer grace.Stop()
		select {
		case <-w.exited:
			return
		case <-grace.C:
			w.log.Warn("force killing worker")
			w.kill()
		}

		select {
		case <-w.exited:
		case <-time.After(w.cfg.Grace):
			w.log.Error("worker did not exit after kill")
		}
	})
	return nil
}

// ExitErr returns the process exit error once Done is closed.
func (w *Worker) ExitErr() error {
	select {
	case <-w.exited:
		return w.exitErr
	default:
		return nil
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

var errNotStarted = errors.New("process not started")
