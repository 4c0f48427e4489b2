package bus

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"

	"github.com/naturalspeech/naturalspeech/internal/config"
	"github.com/naturalspeech/naturalspeech/internal/events"
	"github.com/naturalspeech/naturalspeech/internal/speech"
	"github.com/naturalspeech/naturalspeech/internal/tts"
)

type call struct {
	op     string
	voice  tts.VoiceID
	text   string
	gain   float64
	line   string
	exempt func(string) bool
}

type fakeSpeaker struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeSpeaker) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeSpeaker) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeSpeaker) Speak(_ context.Context, voice tts.VoiceID, text string, gain tts.Gain, line string) (string, error) {
	f.record(call{op: "speak", voice: voice, text: text, gain: gain.Value(), line: line})
	if voice.Model != "libritts" {
		return "", tts.ErrEngineUnavailable
	}
	return "utt-1", nil
}

func (f *fakeSpeaker) CancelSpeaker(line string) { f.record(call{op: "speaker", line: line}) }

func (f *fakeSpeaker) CancelOthers(line string, exempt func(string) bool) {
	f.record(call{op: "others", line: line, exempt: exempt})
}

func (f *fakeSpeaker) CancelAll() { f.record(call{op: "all"}) }

func (f *fakeSpeaker) Status() []speech.ModelStatus {
	return []speech.ModelStatus{{Model: "libritts", Engine: "piper", Active: true, Workers: 2}}
}

func startBridge(t *testing.T) (*Client, *fakeSpeaker, *events.Bus) {
	t.Helper()
	logger := log.New(io.Discard)

	srv, err := StartEmbedded(config.BusConfig{Port: -1}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(conn.Close)

	speaker := &fakeSpeaker{}
	ev := events.NewBus(0, logger)
	t.Cleanup(ev.Close)

	bridge := NewBridge(conn, speaker, "ns-test", logger)
	if err := bridge.Start(ev); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(bridge.Close)

	client, err := Connect(srv.ClientURL(), "ns-test", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	return client, speaker, ev
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestBridge_Speak(t *testing.T) {
	client, speaker, _ := startBridge(t)

	gain := -6.0
	id, err := client.Speak(ctx(t), SpeakRequest{Voice: "libritts:3", Text: "Hello.", GainDB: &gain, Line: "npc"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "utt-1" {
		t.Errorf("utterance = %q, want utt-1", id)
	}
	got := speaker.last()
	if got.voice != (tts.VoiceID{Model: "libritts", Voice: "3"}) || got.text != "Hello." || got.gain != -6 || got.line != "npc" {
		t.Errorf("speak call = %+v", got)
	}

	tests := []struct {
		name    string
		req     SpeakRequest
		wantErr string
	}{
		{"unknown model", SpeakRequest{Voice: "vctk:0", Text: "x"}, tts.ErrEngineUnavailable.Error()},
		{"bad voice", SpeakRequest{Voice: ":0", Text: "x"}, "voice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Speak(ctx(t), tt.req)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Speak() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestBridge_Cancel(t *testing.T) {
	client, speaker, _ := startBridge(t)

	tests := []struct {
		name    string
		req     CancelRequest
		wantOp  string
		wantErr bool
	}{
		{"speaker", CancelRequest{Line: "bob"}, "speaker", false},
		{"others", CancelRequest{Line: "alice", Others: true, Exempt: []string{"carol"}}, "others", false},
		{"all", CancelRequest{All: true, Line: "ignored"}, "all", false},
		{"empty", CancelRequest{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Cancel(ctx(t), tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Cancel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := speaker.last(); got.op != tt.wantOp {
				t.Errorf("op = %q, want %q", got.op, tt.wantOp)
			}
		})
	}

	speaker.mu.Lock()
	others := speaker.calls[1]
	speaker.mu.Unlock()
	if others.exempt == nil || !others.exempt("carol") || others.exempt("bob") {
		t.Error("exempt list not passed through")
	}
}

func TestBridge_Status(t *testing.T) {
	client, _, _ := startBridge(t)

	models, err := client.Status(ctx(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].Model != "libritts" || models[0].Workers != 2 || !models[0].Active {
		t.Errorf("Status() = %+v", models)
	}
}

func TestBridge_ForwardsEvents(t *testing.T) {
	client, _, ev := startBridge(t)

	got := make(chan events.Event, 1)
	sub, err := client.Events(func(e events.Event) { got <- e })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	if err := client.conn.Flush(); err != nil {
		t.Fatal(err)
	}

	ev.Publish(events.Event{Kind: events.WorkerExited, Model: "libritts", PID: 42})

	select {
	case e := <-got:
		if e.Kind != events.WorkerExited || e.Model != "libritts" || e.PID != 42 {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not forwarded")
	}
}

func TestClient_NoServer(t *testing.T) {
	srv, err := StartEmbedded(config.BusConfig{Port: -1}, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	client, err := Connect(srv.ClientURL(), "nobody", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if _, err := client.Status(ctx(t)); err == nil || !strings.Contains(err.Error(), "no naturalspeech server") {
		t.Errorf("Status() error = %v, want no responders", err)
	}
}
