package monitor

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// Signature derives the dedup key for a message: the transport message id
// when present, otherwise a hash of author, text and the timestamp truncated
// to the second.
func Signature(author, text string, ts time.Time, messageID string) string {
	if messageID != "" {
		return "id:" + messageID
	}
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s", author, text, ts.UTC().Format("2006-01-02T15:04:05"))))
	return "h:" + hex.EncodeToString(sum[:])
}

// CommentID derives the deterministic id used as the idempotency key for
// persisted comments.
func CommentID(author, text string, ts time.Time) string {
	sum := sha1.Sum([]byte(author + ts.UTC().Format(time.RFC3339) + text))
	return hex.EncodeToString(sum[:])[:16]
}

// DedupWindow is a bounded FIFO set of recently-seen signatures. Not safe
// for concurrent use; each chat worker owns its own window.
type DedupWindow struct {
	capacity int
	order    []string
	head     int
	present  map[string]struct{}
}

// NewDedupWindow builds a window holding up to capacity signatures.
func NewDedupWindow(capacity int) *DedupWindow {
	if capacity <= 0 {
		capacity = 5000
	}
	return &DedupWindow{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		present:  make(map[string]struct{}, capacity),
	}
}

// Seen records the signature and reports whether it was already resident.
// When the window is full the oldest signature is evicted first.
func (w *DedupWindow) Seen(sig string) bool {
	if _, ok := w.present[sig]; ok {
		return true
	}
	if len(w.order) < w.capacity {
		w.order = append(w.order, sig)
	} else {
		oldest := w.order[w.head]
		delete(w.present, oldest)
		w.order[w.head] = sig
		w.head = (w.head + 1) % w.capacity
	}
	w.present[sig] = struct{}{}
	return false
}

// Len reports how many signatures are resident.
func (w *DedupWindow) Len() int {
	return len(w.present)
}
