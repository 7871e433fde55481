package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tvlabs/streamwatch/telemetry"
	"github.com/tvlabs/streamwatch/transport"
)

// State tracks a chat worker through its lifecycle.
type State int

const (
	StateStarting State = iota
	StateStreaming
	StateIdle
	StateRecreating
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateIdle:
		return "idle"
	case StateRecreating:
		return "recreating"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// LiveChecker confirms whether a broadcast is still live; used to gate
// transport recreation so a finished stream is not reconnected forever.
type LiveChecker interface {
	IsLiveNow(ctx context.Context, videoID string) (bool, string)
}

// drain bounds per loop iteration, so a message flood cannot starve the
// idle/watchdog checks
const (
	maxDrainCycles   = 64
	maxDrainMessages = 500
)

const (
	idleSleep          = 250 * time.Millisecond
	errorPause         = 2 * time.Second
	minRecreateGap     = 5 * time.Second
	throughputLogEvery = 5 * time.Second
)

// MonitorConfig configures one chat worker.
type MonitorConfig struct {
	Channel string
	VideoID string
	Title   string

	Factory transport.Factory
	Queue   *Queue
	Live    LiveChecker

	IdleWarn     time.Duration
	IdleRecreate time.Duration
	HardWatchdog time.Duration
	DedupWindow  int

	// test seams; real clock and sleeper when nil
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Monitor is one isolated worker draining chat for a single broadcast. It
// owns its transport handle and dedup window; its only output is events.
type Monitor struct {
	cfg   MonitorConfig
	log   *slog.Logger
	dedup *DedupWindow

	mu    sync.Mutex
	state State
}

// NewMonitor builds a worker; Run does the work.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.IdleWarn <= 0 {
		cfg.IdleWarn = 8 * time.Second
	}
	if cfg.IdleRecreate <= 0 {
		cfg.IdleRecreate = 20 * time.Second
	}
	if cfg.HardWatchdog <= 0 {
		cfg.HardWatchdog = 45 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Monitor{
		cfg: cfg,
		log: slog.With(
			slog.String("channel", cfg.Channel),
			slog.String("video_id", cfg.VideoID)),
		dedup: NewDedupWindow(cfg.DedupWindow),
	}
}

// State returns the worker's current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Monitor) publish(t EventType, text string) {
	m.cfg.Queue.Publish(Event{
		Type:      t,
		Channel:   m.cfg.Channel,
		VideoID:   m.cfg.VideoID,
		Title:     m.cfg.Title,
		Text:      text,
		Timestamp: m.cfg.Now(),
	})
}

// Run drives the worker until the transport dies, the hard watchdog fires,
// or the context is cancelled. It never panics across the goroutine
// boundary; unexpected loop errors are reported as events and the loop
// continues.
func (m *Monitor) Run(ctx context.Context) {
	m.setState(StateStarting)
	reader, err := m.cfg.Factory(ctx, m.cfg.VideoID)
	if err != nil {
		m.log.Warn("chat transport start failed", slog.Any("err", err))
		m.publish(EventError, fmt.Sprintf("transport start failed: %v", err))
		m.setState(StateFailed)
		return
	}
	defer reader.Close()

	m.publish(EventHeartbeat, "")
	m.log.Info("chat worker started", slog.String("title", m.cfg.Title))

	now := m.cfg.Now()
	lastRead := now
	lastHeartbeat := now
	lastRecreate := time.Time{}
	windowStart := now
	windowCount := 0

	for {
		if ctx.Err() != nil {
			m.setState(StateClosed)
			return
		}
		if !reader.Alive() {
			m.log.Info("chat transport no longer alive, stopping worker")
			m.publish(EventLog, "transport closed")
			m.setState(StateClosed)
			return
		}

		read := m.drain(ctx, reader)
		now = m.cfg.Now()

		if read > 0 {
			m.setState(StateStreaming)
			lastRead = now
			lastHeartbeat = now
			windowCount += read
		}
		if since := now.Sub(windowStart); since >= throughputLogEvery {
			if windowCount > 0 {
				m.log.Debug("chat throughput",
					slog.Int("messages", windowCount),
					slog.Duration("window", since))
			}
			windowStart = now
			windowCount = 0
		}
		if read > 0 {
			continue
		}

		m.setState(StateIdle)
		idle := now.Sub(lastRead)

		if idle >= m.cfg.HardWatchdog {
			m.log.Warn("hard watchdog fired, terminating worker", slog.Duration("idle", idle))
			m.publish(EventError, fmt.Sprintf("no chat for %s, giving up", idle.Truncate(time.Second)))
			telemetry.IncCounter(telemetry.MonitorWatchdogs)
			m.setState(StateFailed)
			return
		}

		if idle >= m.cfg.IdleRecreate && now.Sub(lastRecreate) >= minRecreateGap {
			if live, _ := m.stillLive(ctx); live {
				m.setState(StateRecreating)
				m.log.Info("recreating chat transport", slog.Duration("idle", idle))
				reader.Close()
				fresh, err := m.cfg.Factory(ctx, m.cfg.VideoID)
				lastRecreate = m.cfg.Now()
				if err != nil {
					m.log.Warn("transport recreate failed", slog.Any("err", err))
					m.publish(EventLog, fmt.Sprintf("transport recreate failed: %v", err))
				} else {
					reader = fresh
					telemetry.IncCounter(telemetry.MonitorRecreates)
					m.publish(EventLog, "transport recreated")
				}
				m.setState(StateIdle)
			}
		}

		if now.Sub(lastHeartbeat) >= m.cfg.IdleWarn {
			m.publish(EventHeartbeat, "")
			lastHeartbeat = now
		}

		if !m.cfg.Sleep(ctx, idleSleep) {
			m.setState(StateClosed)
			return
		}
	}
}

// drain reads a bounded number of batches, deduplicates and forwards chat
// events. Returns the number of messages forwarded or skipped (i.e. read).
func (m *Monitor) drain(ctx context.Context, reader transport.Reader) int {
	read := 0
	for cycle := 0; cycle < maxDrainCycles && read < maxDrainMessages; cycle++ {
		msgs, err := reader.NextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return read
			}
			m.log.Warn("chat read error", slog.Any("err", err))
			m.cfg.Sleep(ctx, errorPause)
			return read
		}
		if len(msgs) == 0 {
			return read
		}
		for _, msg := range msgs {
			read++
			telemetry.IncCounter(telemetry.MessagesRead)
			sig := Signature(msg.Author, msg.Text, msg.Timestamp, msg.ID)
			if m.dedup.Seen(sig) {
				telemetry.IncCounter(telemetry.MessagesDeduped)
				continue
			}
			m.cfg.Queue.Publish(Event{
				Type:      EventChat,
				Channel:   m.cfg.Channel,
				VideoID:   m.cfg.VideoID,
				Author:    msg.Author,
				MessageID: msg.ID,
				Text:      msg.Text,
				Timestamp: msg.Timestamp,
			})
		}
	}
	return read
}

func (m *Monitor) stillLive(ctx context.Context) (bool, string) {
	if m.cfg.Live == nil {
		return true, m.cfg.Title
	}
	return m.cfg.Live.IsLiveNow(ctx, m.cfg.VideoID)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
