package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockClassifierServer mocks the external classifier HTTP service. Responses
// for /classify/batch are generated per text by Classify; calls are recorded
// so tests can assert on batch boundaries.
type MockClassifierServer struct {
	*httptest.Server

	// Classify produces the result for a single text. Defaults to a
	// non-technical result with confidence 1.0.
	Classify func(text string) map[string]any

	mu      sync.Mutex
	batches [][]string
}

// NewMockClassifierServer creates a classifier mock implementing /classify,
// /classify/batch and /health.
func NewMockClassifierServer(t *testing.T) *MockClassifierServer {
	t.Helper()
	m := &MockClassifierServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "device": "cpu", "model": "mock"})
		case "/classify":
			var req struct {
				Text string `json:"text"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(m.classify(req.Text))
		case "/classify/batch":
			var req struct {
				Texts []string `json:"texts"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			m.mu.Lock()
			m.batches = append(m.batches, req.Texts)
			m.mu.Unlock()
			out := make([]map[string]any, 0, len(req.Texts))
			for _, text := range req.Texts {
				out = append(out, m.classify(text))
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(out)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *MockClassifierServer) classify(text string) map[string]any {
	if m.Classify != nil {
		return m.Classify(text)
	}
	return map[string]any{
		"is_technical": false,
		"category":     nil,
		"issue":        nil,
		"severity":     "none",
		"confidence":   1.0,
	}
}

// Batches returns a copy of the recorded /classify/batch payloads.
func (m *MockClassifierServer) Batches() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.batches))
	copy(out, m.batches)
	return out
}
