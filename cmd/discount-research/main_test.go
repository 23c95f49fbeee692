package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/lfy-personal/Pricing/internal/artifact"
	"github.com/lfy-personal/Pricing/internal/domain"
	"github.com/lfy-personal/Pricing/internal/orchestrator"
)

func TestFanOut(t *testing.T) {
	if fn := fanOut(nil); fn != nil {
		t.Error("expected nil callback with no listeners")
	}
	if fn := fanOut([]func(orchestrator.Event){nil, nil}); fn != nil {
		t.Error("expected nil callback when every listener is nil")
	}

	var calls []string
	fn := fanOut([]func(orchestrator.Event){
		func(e orchestrator.Event) { calls = append(calls, "a:"+e.RunID) },
		nil,
		func(e orchestrator.Event) { calls = append(calls, "b:"+e.RunID) },
	})
	fn(orchestrator.Event{RunID: "r1"})

	if strings.Join(calls, ",") != "a:r1,b:r1" {
		t.Errorf("calls = %v", calls)
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	emit := progressPrinter(&buf)

	emit(orchestrator.Event{Type: orchestrator.EventRunStarted, RunID: "r1"})
	emit(orchestrator.Event{
		Type:   orchestrator.EventBrandFinished,
		RunID:  "r1",
		Counts: domain.Counts{Total: 2, Done: 1},
		Result: &domain.ResearchResult{Brand: "Acme", Status: domain.StatusInferred, Provenance: "heuristic/no_capability"},
	})
	emit(orchestrator.Event{
		Type:   orchestrator.EventBrandFinished,
		RunID:  "r1",
		Counts: domain.Counts{Total: 2, Done: 2},
		Result: &domain.ResearchResult{Status: domain.StatusError, ErrorDetail: "empty brand name"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "[1/2] Acme") || !strings.Contains(lines[0], "heuristic/no_capability") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "ERROR") || !strings.Contains(lines[1], "empty brand name") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestPrintSummary(t *testing.T) {
	created := time.Now().Add(-2 * time.Minute)
	finished := created.Add(90 * time.Second)
	run := &domain.Run{
		ID:         "run-1",
		Source:     "brands.csv",
		CreatedAt:  created,
		FinishedAt: &finished,
		Status:     domain.RunPartial,
		Capability: "NONE",
		Cancelled:  true,
		Batch:      []domain.BrandRequest{{SequenceIndex: 0, Name: "Acme"}, {SequenceIndex: 1, Name: ""}},
		Results: []domain.ResearchResult{
			{SequenceIndex: 0, Brand: "Acme", Status: domain.StatusInferred},
			{SequenceIndex: 1, Status: domain.StatusError, ErrorDetail: "run cancelled"},
		},
	}

	var buf bytes.Buffer
	printSummary(&buf, run, artifact.Paths{Dir: "/data/runs/run-1"})
	out := buf.String()

	for _, want := range []string{
		"Run:       run-1",
		"Status:    PARTIAL (cancelled)",
		"Progress:  2/2 (100%)",
		"Results:   0 DISCOVERED | 1 INFERRED | 1 ERROR",
		"after 1m30s",
		"Artifacts: /data/runs/run-1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"Acme", 10, "Acme"},
		{"Northwind Apparel", 5, "Nort…"},
		{"Café Zürich", 5, "Café…"},
	}
	for _, tt := range tests {
		if got := clip(tt.in, tt.n); got != tt.want {
			t.Errorf("clip(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
