package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tvlabs/streamwatch/classifier"
)

// Handlers holds the dependencies shared by the HTTP endpoints.
type Handlers struct {
	db         *sql.DB
	classifier *classifier.Client
}

// NewHandlers wires the endpoint dependencies. classifierURL may be empty,
// in which case readiness skips the classifier check.
func NewHandlers(db *sql.DB, classifierURL string) *Handlers {
	h := &Handlers{db: db}
	if classifierURL != "" {
		h.classifier = classifier.New(classifierURL, 3*time.Second)
	}
	return h
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"classifier", func() error {
			if h.classifier == nil {
				return nil
			}
			_, err := h.classifier.CheckHealth(r.Context())
			return err
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type broadcastStatus struct {
	VideoID           string     `json:"video_id"`
	Channel           string     `json:"channel"`
	Title             string     `json:"title"`
	URL               string     `json:"url"`
	TotalComments     int64      `json:"total_comments"`
	TechnicalComments int64      `json:"technical_comments"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
}

// HandleStatus lists the broadcasts currently marked active, most recently
// seen first.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.QueryContext(r.Context(), `SELECT video_id, COALESCE(channel,''), COALESCE(title,''), COALESCE(url,''),
			total_comments, technical_comments, last_seen_at
		FROM lives WHERE status='active' ORDER BY last_seen_at DESC NULLS LAST`)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	active := make([]broadcastStatus, 0)
	for rows.Next() {
		var b broadcastStatus
		var lastSeen sql.NullTime
		if err := rows.Scan(&b.VideoID, &b.Channel, &b.Title, &b.URL, &b.TotalComments, &b.TechnicalComments, &lastSeen); err != nil {
			http.Error(w, "scan failed", http.StatusInternalServerError)
			return
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			b.LastSeenAt = &t
		}
		active = append(active, b)
	}
	if err := rows.Err(); err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"active_broadcasts": active,
		"count":             len(active),
	})
}
