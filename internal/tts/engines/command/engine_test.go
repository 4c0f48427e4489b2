package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/naturalspeech/naturalspeech/internal/audio"
	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// TestMain doubles as a fake TTS program when NS_FAKE_TTS is set. Its
// arguments are a voice and the text; a "stdin" voice reads the text from
// stdin and a "wav" voice answers with a 44.1 kHz WAV file.
func TestMain(m *testing.M) {
	if os.Getenv("NS_FAKE_TTS") == "1" {
		os.Exit(fakeTTS(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeTTS(args []string) int {
	voice, text := args[0], ""
	if len(args) > 1 {
		text = args[1]
	}
	switch voice {
	case "stdin":
		data, _ := io.ReadAll(os.Stdin)
		text = string(data)
	case "fail":
		fmt.Fprintln(os.Stderr, "no such voice")
		return 1
	case "wav":
		return writeWAV()
	}
	if len(text)%2 == 1 {
		text += " "
	}
	_, _ = os.Stdout.WriteString(text)
	return 0
}

func writeWAV() int {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("fake-tts-%d.wav", os.Getpid()))
	defer os.Remove(path)

	sink, err := audio.NewWAVSink(path, tts.Format{SampleRate: 44100, Channels: 1, BitDepth: 16})
	if err != nil {
		return 2
	}
	clip := tts.Clip{PCM: audio.EncodeSamples([]int{0, 100, 200, 300})}
	if err := sink.Play(context.Background(), clip); err != nil {
		return 2
	}
	if err := sink.Close(); err != nil {
		return 2
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 2
	}
	_, _ = os.Stdout.Write(data)
	return 0
}

type recordSink struct {
	mu        sync.Mutex
	delivered []tts.Clip
	skipped   []uint64
	closed    []string
}

func (s *recordSink) Ticket(string) uint64 { return 0 }

func (s *recordSink) Deliver(c tts.Clip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, c)
}

func (s *recordSink) Skip(_ string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped = append(s.skipped, seq)
}

func (s *recordSink) CloseLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, line)
}

func (s *recordSink) snapshot() ([]tts.Clip, []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.delivered), slices.Clone(s.skipped)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startFake(t *testing.T, template string) (*Engine, *recordSink) {
	t.Helper()
	t.Setenv("NS_FAKE_TTS", "1")

	sink := &recordSink{}
	e, err := New(Config{
		Name:    "system",
		Command: fmt.Sprintf("%q %s", os.Args[0], template),
		Sink:    sink,
		Logger:  log.New(io.Discard),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Stop() })
	return e, sink
}

func speak(t *testing.T, e *Engine, voice, text string, seq uint64) {
	t.Helper()
	task := tts.Task{Text: text, Voice: tts.VoiceID{Model: "system", Voice: voice}, Line: "a", Seq: seq}
	if err := e.Speak(context.Background(), task); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Name: "system", Command: "espeak-ng --stdout -v {voice} {text}"}, false},
		{"missing name", Config{Command: "espeak-ng"}, true},
		{"empty command", Config{Name: "system", Command: "  "}, true},
		{"unbalanced quote", Config{Name: "system", Command: `say "oops`}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEngine_Args(t *testing.T) {
	tests := []struct {
		name      string
		template  string
		voice     string
		text      string
		want      []string
		wantStdin bool
	}{
		{
			name:     "placeholders",
			template: "espeak-ng --stdout -v {voice} {text}",
			voice:    "en-us", text: "hello there; rm -rf /",
			want: []string{"espeak-ng", "--stdout", "-v", "en-us", "hello there; rm -rf /"},
		},
		{
			name:     "embedded placeholder",
			template: "tts --voice=voices/{voice}.onnx",
			voice:    "amy", text: "hi",
			want:      []string{"tts", "--voice=voices/amy.onnx"},
			wantStdin: true,
		},
		{
			name:     "quoted arguments",
			template: `say -v "{voice}" '{text}'`,
			voice:    "Samantha", text: "it's fine",
			want: []string{"say", "-v", "Samantha", "it's fine"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(Config{Name: "system", Command: tt.template, Logger: log.New(io.Discard)})
			if err != nil {
				t.Fatal(err)
			}
			got, stdin := e.Args(tt.voice, tt.text)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Args() = %q, want %q", got, tt.want)
			}
			if stdin != tt.wantStdin {
				t.Errorf("stdin = %v, want %v", stdin, tt.wantStdin)
			}
		})
	}
}

func TestEngine_StartMissingProgram(t *testing.T) {
	e, err := New(Config{Name: "system", Command: "/nonexistent/tts {text}", Logger: log.New(io.Discard)})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, tts.ErrSpawnFailed) {
		t.Fatalf("Start() error = %v, want ErrSpawnFailed", err)
	}
	if e.Started() {
		t.Error("engine should not be started")
	}
	if err := e.Speak(context.Background(), tts.Task{Line: "a"}); !errors.Is(err, tts.ErrEngineNotActive) {
		t.Errorf("Speak() error = %v, want ErrEngineNotActive", err)
	}
}

func TestEngine_SpeaksInOrder(t *testing.T) {
	e, sink := startFake(t, "{voice} {text}")

	for i, text := range []string{"one.", "two.", "three"} {
		speak(t, e, "0", text, uint64(i))
	}
	waitFor(t, "three clips", func() bool { d, _ := sink.snapshot(); return len(d) == 3 })

	delivered, _ := sink.snapshot()
	want := []string{"one.", "two.", "three "}
	for i, clip := range delivered {
		if string(clip.PCM) != want[i] || clip.Seq != uint64(i) {
			t.Errorf("clip %d = %q seq %d, want %q seq %d", i, clip.PCM, clip.Seq, want[i], i)
		}
	}
}

func TestEngine_TextOnStdin(t *testing.T) {
	e, sink := startFake(t, "{voice}")

	speak(t, e, "stdin", "piped", 0)
	waitFor(t, "clip", func() bool { d, _ := sink.snapshot(); return len(d) == 1 })

	delivered, _ := sink.snapshot()
	if got := string(delivered[0].PCM); got != "piped\n" {
		t.Errorf("clip = %q, want %q", got, "piped\n")
	}
}

func TestEngine_DecodesAndResamplesWAV(t *testing.T) {
	e, sink := startFake(t, "{voice} {text}")

	speak(t, e, "wav", "ignored", 0)
	waitFor(t, "clip", func() bool { d, _ := sink.snapshot(); return len(d) == 1 })

	delivered, _ := sink.snapshot()
	if got := audio.Samples(delivered[0].PCM); !slices.Equal(got, []int{0, 200}) {
		t.Errorf("samples = %v, want [0 200]", got)
	}
}

func TestEngine_FailureSkipsTicket(t *testing.T) {
	e, sink := startFake(t, "{voice} {text}")

	speak(t, e, "fail", "x", 0)
	speak(t, e, "0", "ok", 1)
	waitFor(t, "clip", func() bool { d, _ := sink.snapshot(); return len(d) == 1 })

	delivered, skipped := sink.snapshot()
	if !slices.Equal(skipped, []uint64{0}) {
		t.Errorf("skipped = %v, want [0]", skipped)
	}
	if delivered[0].Seq != 1 {
		t.Errorf("delivered seq = %d, want 1", delivered[0].Seq)
	}
}

func TestEngine_SilenceAndStop(t *testing.T) {
	e, sink := startFake(t, "{voice} {text}")

	e.SilenceAll()
	speak(t, e, "0", "x", 0)
	e.Silence(func(line string) bool { return line == "a" })

	sink.mu.Lock()
	closed := slices.Clone(sink.closed)
	sink.mu.Unlock()
	if !slices.Equal(closed, []string{"a"}) {
		t.Errorf("closed = %v, want [a]", closed)
	}

	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if e.Started() {
		t.Error("engine should be stopped")
	}
}
