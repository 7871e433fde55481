package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/tvlabs/streamwatch/db"
	"github.com/tvlabs/streamwatch/testutil"
)

func TestUpsertLiveAndMarkEnded(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()

	if err := store.UpsertLive(ctx, "vid1", "CAZETV", "Title A", "https://example/watch?v=vid1"); err != nil {
		t.Fatalf("UpsertLive: %v", err)
	}
	// Re-upsert with an empty title must not blank the stored title.
	if err := store.UpsertLive(ctx, "vid1", "CAZETV", "", "https://example/watch?v=vid1"); err != nil {
		t.Fatalf("UpsertLive (merge): %v", err)
	}
	var title, status string
	if err := database.QueryRowContext(ctx, `SELECT title, status FROM lives WHERE video_id='vid1'`).Scan(&title, &status); err != nil {
		t.Fatalf("select live: %v", err)
	}
	if title != "Title A" {
		t.Errorf("title = %q, want merge to keep %q", title, "Title A")
	}
	if status != "active" {
		t.Errorf("status = %q, want active", status)
	}

	active, err := store.ActiveLives(ctx, "CAZETV")
	if err != nil {
		t.Fatalf("ActiveLives: %v", err)
	}
	if len(active) != 1 || active[0] != "vid1" {
		t.Errorf("ActiveLives = %v, want [vid1]", active)
	}

	if err := store.MarkLiveEnded(ctx, "vid1"); err != nil {
		t.Fatalf("MarkLiveEnded: %v", err)
	}
	active, err = store.ActiveLives(ctx, "CAZETV")
	if err != nil {
		t.Fatalf("ActiveLives after end: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ActiveLives after end = %v, want empty", active)
	}
}

func TestIncrementLiveCounters(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()

	if err := store.UpsertLive(ctx, "vid2", "CAZETV", "T", "u"); err != nil {
		t.Fatalf("UpsertLive: %v", err)
	}
	issues := map[string]int64{"REDE/PLATAFORMA:LIVE CAIU": 2, "ÁUDIO:SEM ÁUDIO": 1}
	if err := store.IncrementLiveCounters(ctx, "vid2", 10, 3, issues); err != nil {
		t.Fatalf("IncrementLiveCounters: %v", err)
	}
	// Increments must accumulate, not overwrite.
	if err := store.IncrementLiveCounters(ctx, "vid2", 5, 1, map[string]int64{"REDE/PLATAFORMA:LIVE CAIU": 1}); err != nil {
		t.Fatalf("IncrementLiveCounters (second): %v", err)
	}

	var total, technical int64
	var dropped int64
	if err := database.QueryRowContext(ctx, `SELECT total_comments, technical_comments,
			COALESCE((issue_counts->>'REDE/PLATAFORMA:LIVE CAIU')::bigint, 0)
		FROM lives WHERE video_id='vid2'`).Scan(&total, &technical, &dropped); err != nil {
		t.Fatalf("select counters: %v", err)
	}
	if total != 15 {
		t.Errorf("total_comments = %d, want 15", total)
	}
	if technical != 4 {
		t.Errorf("technical_comments = %d, want 4", technical)
	}
	if dropped != 3 {
		t.Errorf("issue_counts[REDE/PLATAFORMA:LIVE CAIU] = %d, want 3", dropped)
	}
}

func TestWriteCommentBatchIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	ctx := context.Background()

	if err := store.UpsertLive(ctx, "vid3", "CAZETV", "T", "u"); err != nil {
		t.Fatalf("UpsertLive: %v", err)
	}

	ts := time.Date(2026, 2, 19, 18, 57, 29, 0, time.UTC)
	first := db.CommentDoc{
		VideoID: "vid3", CommentID: "c1", Author: "alice", Text: "sem audio",
		Timestamp: ts, IsTechnical: false, Severity: "none",
	}
	if err := store.WriteCommentBatch(ctx, []db.CommentDoc{first},
		[]db.MinuteDelta{{VideoID: "vid3", Minute: "18:57", Total: 1}}); err != nil {
		t.Fatalf("WriteCommentBatch: %v", err)
	}

	// Same comment_id with a different verdict overwrites in place.
	second := first
	second.IsTechnical = true
	second.Category = "ÁUDIO"
	second.Issue = "SEM ÁUDIO"
	second.Severity = "high"
	if err := store.WriteCommentBatch(ctx, []db.CommentDoc{second},
		[]db.MinuteDelta{{VideoID: "vid3", Minute: "18:57", Total: 1, Technical: 1}}); err != nil {
		t.Fatalf("WriteCommentBatch (rewrite): %v", err)
	}

	var count int
	if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM live_comments WHERE video_id='vid3'`).Scan(&count); err != nil {
		t.Fatalf("count comments: %v", err)
	}
	if count != 1 {
		t.Errorf("comment rows = %d, want 1 (idempotent upsert)", count)
	}
	var isTech bool
	var severity string
	if err := database.QueryRowContext(ctx, `SELECT is_technical, severity FROM live_comments WHERE video_id='vid3' AND comment_id='c1'`).Scan(&isTech, &severity); err != nil {
		t.Fatalf("select comment: %v", err)
	}
	if !isTech || severity != "high" {
		t.Errorf("comment = technical=%v severity=%q, want latest values", isTech, severity)
	}

	var minuteTotal int64
	if err := database.QueryRowContext(ctx, `SELECT total FROM live_minutes WHERE video_id='vid3' AND minute='18:57'`).Scan(&minuteTotal); err != nil {
		t.Fatalf("select minute: %v", err)
	}
	if minuteTotal != 2 {
		t.Errorf("minute total = %d, want 2 (additive merge)", minuteTotal)
	}
}

func TestWriteCommentBatchOpCap(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database)
	store.MaxBatchOps = 10
	ctx := context.Background()

	if err := store.UpsertLive(ctx, "vid4", "CAZETV", "T", "u"); err != nil {
		t.Fatalf("UpsertLive: %v", err)
	}
	ts := time.Now().UTC()
	var docs []db.CommentDoc
	for i := 0; i < 35; i++ {
		docs = append(docs, db.CommentDoc{
			VideoID:   "vid4",
			CommentID: string(rune('a'+i%26)) + string(rune('0'+i/26)),
			Author:    "bob",
			Text:      "travando muito",
			Timestamp: ts,
			Severity:  "none",
		})
	}
	if err := store.WriteCommentBatch(ctx, docs, nil); err != nil {
		t.Fatalf("WriteCommentBatch over cap: %v", err)
	}
	var count int
	if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM live_comments WHERE video_id='vid4'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 35 {
		t.Errorf("comment rows = %d, want 35 across rotated transactions", count)
	}
}
