package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tvlabs/streamwatch/telemetry"
)

const defaultFlushInterval = 3 * time.Second

// CounterStore persists accumulated per-broadcast counters.
type CounterStore interface {
	IncrementLiveCounters(ctx context.Context, videoID string, total, technical int64, issues map[string]int64) error
}

type broadcastCounts struct {
	total     int64
	technical int64
	issues    map[string]int64
}

// Aggregator buffers per-broadcast message counts in memory and flushes
// them to the store on a fixed interval. Record is cheap and safe to call
// from the hot path; flushing swaps the pending map under the lock and
// performs I/O outside it.
type Aggregator struct {
	store    CounterStore
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*broadcastCounts
}

func NewAggregator(store CounterStore, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Aggregator{
		store:    store,
		interval: interval,
		log:      slog.With("component", "counters"),
		pending:  make(map[string]*broadcastCounts),
	}
}

// Record accumulates one classified message for a broadcast.
func (a *Aggregator) Record(videoID string, v Verdict) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.pending[videoID]
	if c == nil {
		c = &broadcastCounts{issues: make(map[string]int64)}
		a.pending[videoID] = c
	}
	c.total++
	if v.IsTechnical {
		c.technical++
		c.issues[v.Category+":"+v.Issue]++
	}
	telemetry.SetPendingCounters(len(a.pending))
}

// PendingBroadcasts returns the number of broadcasts with unflushed counts.
func (a *Aggregator) PendingBroadcasts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Run flushes on the interval until ctx is cancelled, then performs one
// final best-effort flush.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Flush(context.Background())
			return
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

// Flush writes all pending counts to the store. Failed writes are logged
// and the counts are dropped; re-merging would double-count on partial
// failures.
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	batch := a.pending
	a.pending = make(map[string]*broadcastCounts)
	a.mu.Unlock()
	telemetry.SetPendingCounters(0)
	if len(batch) == 0 {
		return
	}
	for videoID, c := range batch {
		if err := a.store.IncrementLiveCounters(ctx, videoID, c.total, c.technical, c.issues); err != nil {
			a.log.Warn("counter flush failed", "video_id", videoID, "err", err)
			continue
		}
	}
	telemetry.IncCounter(telemetry.CounterFlushes)
}
