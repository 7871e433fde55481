package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

const (
	twitchBufferSize = 4096
	twitchFirstWait  = 500 * time.Millisecond
	twitchDrainCap   = 500
	// warn once per this many dropped messages
	twitchDropLogEvery = 1000
)

// TwitchReader bridges the push-style IRC client into the pull-style Reader
// interface. Messages are buffered in a bounded channel; when the buffer is
// full the newest messages are dropped with a rate-limited warning.
type TwitchReader struct {
	client  *twitch.Client
	channel string
	buf     chan Message
	log     *slog.Logger

	dropped atomic.Int64

	mu        sync.Mutex
	connected bool
	closed    bool
	connErr   error
}

// NewTwitchReader joins the channel anonymously and starts the connection in
// the background. Connection failures surface through Alive and NextBatch.
func NewTwitchReader(ctx context.Context, channel string) (*TwitchReader, error) {
	if channel == "" {
		return nil, errors.New("twitch reader needs a channel")
	}
	r := &TwitchReader{
		client:  twitch.NewAnonymousClient(),
		channel: channel,
		buf:     make(chan Message, twitchBufferSize),
		log:     slog.With(slog.String("channel", channel)),
	}

	r.client.OnConnect(func() {
		r.mu.Lock()
		r.connected = true
		r.mu.Unlock()
		r.log.Info("twitch chat connected")
	})
	r.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		m := Message{
			ID:        msg.ID,
			Author:    msg.User.DisplayName,
			Text:      msg.Message,
			Timestamp: msg.Time.UTC(),
		}
		if m.Author == "" {
			m.Author = msg.User.Name
		}
		select {
		case r.buf <- m:
		default:
			if n := r.dropped.Add(1); n%twitchDropLogEvery == 1 {
				r.log.Warn("twitch chat buffer full, dropping messages", slog.Int64("dropped_total", n))
			}
		}
	})

	r.client.Join(channel)
	go func() {
		err := r.client.Connect()
		r.mu.Lock()
		r.connected = false
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			r.connErr = err
		}
		r.mu.Unlock()
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			r.log.Warn("twitch chat connection ended", slog.Any("err", err))
		}
	}()
	go func() {
		<-ctx.Done()
		r.Close()
	}()
	return r, nil
}

// Alive reports whether the connection is still usable. True until the
// connection loop exits or Close is called; a reader that has not finished
// connecting yet is still considered alive.
func (r *TwitchReader) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.connErr == nil
}

// Close disconnects from IRC. Buffered messages remain drainable.
func (r *TwitchReader) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	if err := r.client.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
		r.log.Debug("twitch disconnect", slog.Any("err", err))
	}
}

// NextBatch waits briefly for the first message, then drains whatever else
// is buffered without blocking.
func (r *TwitchReader) NextBatch(ctx context.Context) ([]Message, error) {
	r.mu.Lock()
	if r.connErr != nil {
		err := r.connErr
		r.mu.Unlock()
		return nil, err
	}
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, errors.New("reader is closed")
	}

	timer := time.NewTimer(twitchFirstWait)
	defer timer.Stop()

	var out []Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-r.buf:
		out = append(out, m)
	case <-timer.C:
		return nil, nil
	}
	for len(out) < twitchDrainCap {
		select {
		case m := <-r.buf:
			out = append(out, m)
		default:
			return out, nil
		}
	}
	return out, nil
}
