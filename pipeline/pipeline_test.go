package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tvlabs/streamwatch/classifier"
	"github.com/tvlabs/streamwatch/db"
	"github.com/tvlabs/streamwatch/monitor"
	"github.com/tvlabs/streamwatch/testutil"
)

type upsertCall struct {
	videoID, channel, title, url string
}

type fakePipeStore struct {
	mu       sync.Mutex
	upserts  []upsertCall
	ended    []string
	comments []db.CommentDoc
	minutes  []db.MinuteDelta
	writeErr error
}

func (s *fakePipeStore) UpsertLive(_ context.Context, videoID, channel, title, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, upsertCall{videoID, channel, title, url})
	return nil
}

func (s *fakePipeStore) MarkLiveEnded(_ context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, videoID)
	return nil
}

func (s *fakePipeStore) WriteCommentBatch(_ context.Context, comments []db.CommentDoc, minutes []db.MinuteDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.comments = append(s.comments, comments...)
	s.minutes = append(s.minutes, minutes...)
	return nil
}

func (s *fakePipeStore) commentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.comments)
}

func (s *fakePipeStore) commentByText(text string) *db.CommentDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.comments {
		if s.comments[i].Text == text {
			return &s.comments[i]
		}
	}
	return nil
}

type fakeTitles struct {
	mu    sync.Mutex
	calls int
	title string
}

func (f *fakeTitles) OembedTitle(context.Context, string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.title
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startPipeline(t *testing.T, p *Pipeline) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not shut down")
		}
	}
}

func chatEvent(videoID, author, text string, ts time.Time) monitor.Event {
	return monitor.Event{
		Type:      monitor.EventChat,
		Channel:   "somechannel",
		VideoID:   videoID,
		Author:    author,
		Text:      text,
		Timestamp: ts,
	}
}

func TestPipelineChatFlow(t *testing.T) {
	mock := testutil.NewMockClassifierServer(t)
	mock.Classify = func(text string) map[string]any {
		if text == "tela preta aqui" {
			return map[string]any{
				"is_technical": true,
				"category":     "VÍDEO",
				"issue":        "TELA PRETA",
				"severity":     "high",
				"confidence":   0.95,
			}
		}
		return map[string]any{"is_technical": false, "severity": "none", "confidence": 0.9}
	}
	store := &fakePipeStore{}
	counterStore := &fakeCounterStore{}
	q := monitor.NewQueue(64)
	p := &Pipeline{
		Queue:      q,
		Store:      store,
		Classifier: classifier.New(mock.URL, time.Second),
		Counters:   NewAggregator(counterStore, time.Hour),
	}

	ts := time.Date(2025, 6, 1, 14, 3, 5, 0, time.UTC)
	q.Publish(chatEvent("vid1", "alice", "tela preta aqui", ts))
	q.Publish(chatEvent("vid1", "bob", "que jogo bonito hoje", ts))
	q.Publish(chatEvent("vid1", "carol", "kkkkkk", ts.Add(time.Minute)))

	stop := startPipeline(t, p)
	waitFor(t, func() bool { return store.commentCount() == 3 }, "comments")
	stop()

	if c := store.commentByText("tela preta aqui"); c == nil || !c.IsTechnical || c.Issue != "TELA PRETA" {
		t.Fatalf("unexpected technical comment %+v", c)
	}
	if c := store.commentByText("que jogo bonito hoje"); c == nil || c.IsTechnical || c.Severity != "none" {
		t.Fatalf("unexpected neutral comment %+v", c)
	}
	if c := store.commentByText("kkkkkk"); c == nil || c.IsTechnical {
		t.Fatalf("unexpected pre-filtered comment %+v", c)
	}

	// the pre-filtered message must never reach the classifier
	for _, batch := range mock.Batches() {
		for _, text := range batch {
			if text == "kkkkkk" {
				t.Fatal("pre-filtered text was sent to the classifier")
			}
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	var total, technical int64
	for _, m := range store.minutes {
		if m.VideoID != "vid1" {
			t.Fatalf("unexpected minute video %q", m.VideoID)
		}
		total += m.Total
		technical += m.Technical
		if m.Minute != "14:03" && m.Minute != "14:04" {
			t.Fatalf("unexpected minute key %q", m.Minute)
		}
	}
	if total != 3 || technical != 1 {
		t.Fatalf("minute totals = %d/%d, want 3/1", total, technical)
	}
}

func TestPipelineBatchBoundaries(t *testing.T) {
	mock := testutil.NewMockClassifierServer(t)
	store := &fakePipeStore{}
	p := &Pipeline{
		Store:      store,
		Classifier: classifier.New(mock.URL, time.Second),
	}
	p.init()

	ts := time.Now().UTC()
	for i := 0; i < 200; i++ {
		p.work <- workItem{
			VideoID:   "vid1",
			CommentID: "c",
			Author:    "a",
			Text:      "sem audio de novo",
			Timestamp: ts,
			NeedsAI:   true,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.batchLoop(ctx)
		close(done)
	}()
	waitFor(t, func() bool { return store.commentCount() == 200 }, "batch drain")
	cancel()
	<-done

	batches := mock.Batches()
	var sent int
	for _, b := range batches {
		if len(b) > p.BatchSize {
			t.Fatalf("batch of %d exceeds cap %d", len(b), p.BatchSize)
		}
		sent += len(b)
	}
	if sent != 200 {
		t.Fatalf("classified %d texts, want 200", sent)
	}
	if len(batches) < 4 {
		t.Fatalf("expected at least 4 batches, got %d", len(batches))
	}
}

func TestPipelineLifecycleEvents(t *testing.T) {
	mock := testutil.NewMockClassifierServer(t)
	store := &fakePipeStore{}
	titles := &fakeTitles{title: "Grande Final"}
	q := monitor.NewQueue(16)
	p := &Pipeline{
		Queue:      q,
		Store:      store,
		Classifier: classifier.New(mock.URL, time.Second),
		Titles:     titles,
	}

	q.Publish(monitor.Event{
		Type:    monitor.EventHeartbeat,
		Channel: "somechannel",
		VideoID: "vid1",
		Title:   "vid1",
		URL:     "https://www.youtube.com/watch?v=vid1",
	})
	q.Publish(monitor.Event{Type: monitor.EventEnded, Channel: "somechannel", VideoID: "vid1"})

	stop := startPipeline(t, p)
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.upserts) == 1 && len(store.ended) == 1
	}, "lifecycle writes")
	stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.upserts[0].title != "Grande Final" {
		t.Fatalf("title = %q, want resolved title", store.upserts[0].title)
	}
	if store.ended[0] != "vid1" {
		t.Fatalf("ended = %q, want vid1", store.ended[0])
	}
	if titles.calls != 1 {
		t.Fatalf("title resolver calls = %d, want 1", titles.calls)
	}
}

func TestPipelineClassifierFailure(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	store := &fakePipeStore{}
	q := monitor.NewQueue(16)
	p := &Pipeline{
		Queue:      q,
		Store:      store,
		Classifier: classifier.New(failing.URL, time.Second),
	}

	ts := time.Now().UTC()
	q.Publish(chatEvent("vid1", "alice", "a live caiu de novo", ts))
	q.Publish(chatEvent("vid1", "bob", "que partida boa hein", ts))

	stop := startPipeline(t, p)
	waitFor(t, func() bool { return store.commentCount() == 2 }, "comments despite failure")
	stop()

	if c := store.commentByText("a live caiu de novo"); c == nil || !c.IsTechnical || c.Issue != "LIVE CAIU" {
		t.Fatalf("override should rescue the report on classifier failure, got %+v", c)
	}
	if c := store.commentByText("que partida boa hein"); c == nil || c.IsTechnical {
		t.Fatalf("unexpected verdict without classifier, got %+v", c)
	}
}

func TestPipelineWorkQueueOverflow(t *testing.T) {
	mock := testutil.NewMockClassifierServer(t)
	store := &fakePipeStore{}
	p := &Pipeline{
		Store:         store,
		Classifier:    classifier.New(mock.URL, time.Second),
		WorkQueueSize: 2,
	}
	p.init()

	ts := time.Now().UTC()
	for i := 0; i < 5; i++ {
		p.enqueueChat(chatEvent("vid1", "alice", "sem audio na live", ts))
	}
	if got := len(p.work); got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}
}

func TestPipelineWriteErrorKeepsRunning(t *testing.T) {
	mock := testutil.NewMockClassifierServer(t)
	store := &fakePipeStore{writeErr: errors.New("db down")}
	p := &Pipeline{
		Store:      store,
		Classifier: classifier.New(mock.URL, time.Second),
	}
	p.init()

	p.process(context.Background(), []workItem{{
		VideoID: "vid1", CommentID: "c1", Author: "a",
		Text: "mensagem comum", Timestamp: time.Now().UTC(),
	}})
	if store.commentCount() != 0 {
		t.Fatal("write should have failed")
	}

	store.mu.Lock()
	store.writeErr = nil
	store.mu.Unlock()
	p.process(context.Background(), []workItem{{
		VideoID: "vid1", CommentID: "c2", Author: "a",
		Text: "mensagem comum", Timestamp: time.Now().UTC(),
	}})
	if store.commentCount() != 1 {
		t.Fatal("pipeline should recover after a failed write")
	}
}
