package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tvlabs/streamwatch/discovery"
	"github.com/tvlabs/streamwatch/telemetry"
	"github.com/tvlabs/streamwatch/transport"
)

// SupervisorStore is the slice of the persistent store the supervisor needs.
type SupervisorStore interface {
	UpsertLive(ctx context.Context, videoID, channel, title, url string) error
	ActiveLives(ctx context.Context, channel string) ([]string, error)
}

// channelResolver is implemented by sources that cache a resolved channel id.
type channelResolver interface {
	ResolveChannelID(ctx context.Context) string
}

const supervisorErrorBackoff = 5 * time.Second

// SupervisorConfig configures one channel supervisor.
type SupervisorConfig struct {
	Channel string

	Source  discovery.Source
	Store   SupervisorStore
	Queue   *Queue
	Factory transport.Factory
	Live    LiveChecker

	PollInterval  time.Duration
	RetryInterval time.Duration
	MissTolerance int

	IdleWarn     time.Duration
	IdleRecreate time.Duration
	HardWatchdog time.Duration
	DedupWindow  int

	// test seams
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

type workerHandle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	monitor *Monitor
}

func (h *workerHandle) running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Supervisor owns the per-channel bookkeeping: the worker registry, miss
// counters and start-attempt timestamps. Nothing else mutates them.
type Supervisor struct {
	cfg SupervisorConfig
	log *slog.Logger

	workers   map[string]*workerHandle
	miss      map[string]int
	lastStart map[string]time.Time

	wg sync.WaitGroup
}

// NewSupervisor builds a supervisor for one channel.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	if cfg.MissTolerance <= 0 {
		cfg.MissTolerance = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Supervisor{
		cfg:       cfg,
		log:       slog.With(slog.String("channel", cfg.Channel)),
		workers:   make(map[string]*workerHandle),
		miss:      make(map[string]int),
		lastStart: make(map[string]time.Time),
	}
}

// Run polls discovery until the context is cancelled. Transient failures are
// logged and the loop continues after a backoff; a supervisor never dies of
// its own accord.
func (s *Supervisor) Run(ctx context.Context) {
	s.bootstrap(ctx)
	for {
		if ctx.Err() != nil {
			break
		}
		wait := s.cfg.PollInterval
		if err := s.cycle(ctx); err != nil {
			s.log.Warn("discovery cycle failed", slog.Any("err", err))
			wait = supervisorErrorBackoff
		}
		if !s.cfg.Sleep(ctx, wait) {
			break
		}
	}
	s.stopAll()
	s.wg.Wait()
	s.log.Info("supervisor stopped")
}

// bootstrap resolves the channel id best-effort and reloads broadcasts still
// marked active in the store, so a restart resumes miss tracking instead of
// starting blind.
func (s *Supervisor) bootstrap(ctx context.Context) {
	if r, ok := s.cfg.Source.(channelResolver); ok {
		if cid := r.ResolveChannelID(ctx); cid != "" {
			s.log.Info("channel id resolved", slog.String("channel_id", cid))
		}
	}
	if s.cfg.Store == nil {
		return
	}
	ids, err := s.cfg.Store.ActiveLives(ctx, s.cfg.Channel)
	if err != nil {
		s.log.Warn("could not load active broadcasts", slog.Any("err", err))
		return
	}
	for _, id := range ids {
		s.miss[id] = 0
	}
	if len(ids) > 0 {
		s.log.Info("resumed active broadcasts", slog.Int("count", len(ids)))
	}
}

// cycle runs one discovery poll: upsert and (re)start workers for live
// broadcasts, advance miss counters for absent ones, and end broadcasts that
// exhausted the tolerance.
func (s *Supervisor) cycle(ctx context.Context) error {
	start := time.Now()
	videos, err := s.cfg.Source.ListLive(ctx)
	telemetry.Observe(telemetry.DiscoveryDuration, time.Since(start).Seconds())
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(videos))
	for _, v := range videos {
		seen[v.ID] = true
		if s.cfg.Store != nil {
			if err := s.cfg.Store.UpsertLive(ctx, v.ID, s.cfg.Channel, v.Title, v.URL); err != nil {
				s.log.Warn("live upsert failed", slog.String("video_id", v.ID), slog.Any("err", err))
			}
		}
		s.miss[v.ID] = 0
		s.ensureWorker(ctx, v)
	}

	for vid := range s.miss {
		if seen[vid] {
			continue
		}
		s.miss[vid]++
		if s.miss[vid] < s.cfg.MissTolerance {
			continue
		}
		s.log.Info("broadcast ended", slog.String("video_id", vid), slog.Int("missed_polls", s.miss[vid]))
		s.cfg.Queue.Publish(Event{
			Type:      EventEnded,
			Channel:   s.cfg.Channel,
			VideoID:   vid,
			Timestamp: s.cfg.Now(),
		})
		s.stopWorker(vid)
		delete(s.miss, vid)
		delete(s.lastStart, vid)
	}
	s.reapFinished()
	return nil
}

// ensureWorker starts a chat worker for the video unless one is already
// running or the minimum retry interval has not elapsed.
func (s *Supervisor) ensureWorker(ctx context.Context, v discovery.Video) {
	if h, ok := s.workers[v.ID]; ok && h.running() {
		return
	}
	now := s.cfg.Now()
	if last, ok := s.lastStart[v.ID]; ok && now.Sub(last) < s.cfg.RetryInterval {
		return
	}
	s.lastStart[v.ID] = now

	m := NewMonitor(MonitorConfig{
		Channel:      s.cfg.Channel,
		VideoID:      v.ID,
		Title:        v.Title,
		Factory:      s.cfg.Factory,
		Queue:        s.cfg.Queue,
		Live:         s.cfg.Live,
		IdleWarn:     s.cfg.IdleWarn,
		IdleRecreate: s.cfg.IdleRecreate,
		HardWatchdog: s.cfg.HardWatchdog,
		DedupWindow:  s.cfg.DedupWindow,
		Now:          s.cfg.Now,
		Sleep:        s.cfg.Sleep,
	})
	workerCtx, cancel := context.WithCancel(ctx)
	h := &workerHandle{cancel: cancel, done: make(chan struct{}), monitor: m}
	s.workers[v.ID] = h
	s.log.Info("starting chat worker", slog.String("video_id", v.ID), slog.String("title", v.Title))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		m.Run(workerCtx)
	}()
	telemetry.SetActiveMonitors(s.runningWorkers())
}

func (s *Supervisor) stopWorker(videoID string) {
	h, ok := s.workers[videoID]
	if !ok {
		return
	}
	h.cancel()
	delete(s.workers, videoID)
	telemetry.SetActiveMonitors(s.runningWorkers())
}

func (s *Supervisor) stopAll() {
	for vid := range s.workers {
		s.stopWorker(vid)
	}
}

// reapFinished clears registry entries whose workers exited on their own
// (transport death, hard watchdog) so the next cycle can restart them.
func (s *Supervisor) reapFinished() {
	for vid, h := range s.workers {
		if !h.running() {
			h.cancel()
			delete(s.workers, vid)
		}
	}
	telemetry.SetActiveMonitors(s.runningWorkers())
}

func (s *Supervisor) runningWorkers() int {
	n := 0
	for _, h := range s.workers {
		if h.running() {
			n++
		}
	}
	return n
}
