package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_Exported(t *testing.T) {
	m, err := New("naturalspeech-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Shutdown(context.Background()) //nolint:errcheck

	m.TaskSubmitted("libritts")
	m.TaskSubmitted("libritts")
	m.TaskDropped("libritts", ReasonOverflow, 10)
	m.WorkerCrashed("libritts")
	m.RenderDuration("libritts", 150*time.Millisecond)
	m.CacheHit("libritts")
	m.ClipPlayed("alice")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	for _, want := range []string{
		"naturalspeech_tasks_submitted",
		"naturalspeech_tasks_dropped",
		`reason="overflow"`,
		"naturalspeech_workers_crashed",
		"naturalspeech_render_duration",
		"naturalspeech_clips_played",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestNop(t *testing.T) {
	// Nop must accept every call without panicking.
	Nop.TaskSubmitted("m")
	Nop.TaskDropped("m", ReasonCancel, 1)
	Nop.WorkerCrashed("m")
	Nop.RenderDuration("m", time.Second)
	Nop.CacheHit("m")
	Nop.ClipPlayed("l")
}
