package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tfretry/tfretry/pkg/classify"
	"github.com/tfretry/tfretry/pkg/engine"
)

func TestDisabledMetricsAreNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}

	// None of these may panic on a disabled instance.
	if err := m.Record(context.Background(), sampleRecord(1)); err != nil {
		t.Fatal(err)
	}
	m.RecordRunCompleted(engine.RunStateSucceeded, 1, time.Second)
	if err := m.StartServer(); err != nil {
		t.Fatal(err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestMetricsExposeAttemptCounters(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{
		Enabled:   true,
		Namespace: "tfretry",
		Path:      "/metrics",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := sampleRecord(1)
	rec.CleanupWarning = "destroy timed out"
	if err := m.Record(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	m.RecordRunCompleted(engine.RunStateRetriesExhausted, 5, 3*time.Minute)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	wantSeries := []string{
		`tfretry_attempts_total{action="destroyed_and_retrying",outcome="retryable_capacity"} 1`,
		`tfretry_cleanup_warnings_total 1`,
		`tfretry_runs_completed_total{state="retries_exhausted"} 1`,
	}
	for _, want := range wantSeries {
		if !strings.Contains(text, want) {
			t.Errorf("missing series %q in:\n%s", want, text)
		}
	}
}

func TestMetricsRecorderSatisfiesInterface(t *testing.T) {
	var _ engine.Recorder = &Metrics{}

	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "tfretry"})
	if err != nil {
		t.Fatal(err)
	}
	rec := sampleRecord(2)
	rec.Outcome = classify.KindSuccess
	rec.Action = engine.ActionCompleted
	if err := m.Record(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
}
