// Package transport provides pull-style chat readers for live broadcasts.
// Each reader owns its connection state; callers poll NextBatch in a loop
// and recreate the reader through its factory when it stops being alive.
package transport

import (
	"context"
	"time"
)

// Message is one chat message as delivered by a platform.
type Message struct {
	// ID is the platform message id; empty when the platform omits one.
	ID        string
	Author    string
	Text      string
	Timestamp time.Time
}

// Reader pulls chat messages for one broadcast. NextBatch returns the
// messages that arrived since the previous call, possibly none. A reader
// that reports Alive() == false must be discarded and recreated.
type Reader interface {
	NextBatch(ctx context.Context) ([]Message, error)
	Alive() bool
	Close()
}

// Factory builds a fresh reader for a broadcast id. Monitors use it both
// for the initial connection and for mid-stream recovery.
type Factory func(ctx context.Context, broadcastID string) (Reader, error)
