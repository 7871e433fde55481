package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeCounterStore struct {
	mu    sync.Mutex
	calls []counterCall
	err   error
}

type counterCall struct {
	videoID   string
	total     int64
	technical int64
	issues    map[string]int64
}

func (s *fakeCounterStore) IncrementLiveCounters(_ context.Context, videoID string, total, technical int64, issues map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	copied := make(map[string]int64, len(issues))
	for k, v := range issues {
		copied[k] = v
	}
	s.calls = append(s.calls, counterCall{videoID, total, technical, copied})
	return nil
}

func (s *fakeCounterStore) callsFor(videoID string) []counterCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []counterCall
	for _, c := range s.calls {
		if c.videoID == videoID {
			out = append(out, c)
		}
	}
	return out
}

func TestAggregatorAccumulatesAndFlushes(t *testing.T) {
	store := &fakeCounterStore{}
	agg := NewAggregator(store, time.Hour)

	agg.Record("vid1", Verdict{Severity: "none"})
	agg.Record("vid1", Verdict{IsTechnical: true, Category: "ÁUDIO", Issue: "SEM ÁUDIO", Severity: "high"})
	agg.Record("vid1", Verdict{IsTechnical: true, Category: "ÁUDIO", Issue: "SEM ÁUDIO", Severity: "high"})
	agg.Record("vid2", Verdict{Severity: "none"})

	if got := agg.PendingBroadcasts(); got != 2 {
		t.Fatalf("pending broadcasts = %d, want 2", got)
	}

	agg.Flush(context.Background())

	calls := store.callsFor("vid1")
	if len(calls) != 1 {
		t.Fatalf("vid1 flush calls = %d, want 1", len(calls))
	}
	c := calls[0]
	if c.total != 3 || c.technical != 2 {
		t.Fatalf("vid1 totals = %d/%d, want 3/2", c.total, c.technical)
	}
	if c.issues["ÁUDIO:SEM ÁUDIO"] != 2 {
		t.Fatalf("issue count = %d, want 2", c.issues["ÁUDIO:SEM ÁUDIO"])
	}
	if calls := store.callsFor("vid2"); len(calls) != 1 || calls[0].total != 1 || calls[0].technical != 0 {
		t.Fatalf("unexpected vid2 calls %+v", calls)
	}
	if got := agg.PendingBroadcasts(); got != 0 {
		t.Fatalf("pending after flush = %d, want 0", got)
	}
}

func TestAggregatorFlushEmptyIsNoop(t *testing.T) {
	store := &fakeCounterStore{}
	agg := NewAggregator(store, time.Hour)
	agg.Flush(context.Background())
	if len(store.calls) != 0 {
		t.Fatalf("unexpected store calls %+v", store.calls)
	}
}

func TestAggregatorRunFinalFlush(t *testing.T) {
	store := &fakeCounterStore{}
	agg := NewAggregator(store, time.Hour)
	agg.Record("vid1", Verdict{Severity: "none"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
	if calls := store.callsFor("vid1"); len(calls) != 1 {
		t.Fatalf("final flush calls = %d, want 1", len(calls))
	}
}
