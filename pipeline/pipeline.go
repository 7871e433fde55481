package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tvlabs/streamwatch/classifier"
	"github.com/tvlabs/streamwatch/db"
	"github.com/tvlabs/streamwatch/monitor"
	"github.com/tvlabs/streamwatch/telemetry"
)

const (
	defaultBatchSize     = 64
	defaultBatchMaxWait  = 100 * time.Millisecond
	defaultWorkQueueSize = 200000
	defaultConfidence    = 0.70
	defaultMaxCommentLen = 5000
)

// Store persists broadcast lifecycle changes and classified comments.
type Store interface {
	UpsertLive(ctx context.Context, videoID, channel, title, url string) error
	MarkLiveEnded(ctx context.Context, videoID string) error
	WriteCommentBatch(ctx context.Context, comments []db.CommentDoc, minutes []db.MinuteDelta) error
}

// Classifier sends texts to the model endpoint.
type Classifier interface {
	ClassifyBatch(ctx context.Context, texts []string) ([]classifier.Result, error)
}

// TitleResolver fills in a human title for a broadcast when the discovery
// layer only had the video ID.
type TitleResolver interface {
	OembedTitle(ctx context.Context, videoID string) string
}

type workItem struct {
	VideoID   string
	CommentID string
	Author    string
	Text      string
	Timestamp time.Time
	NeedsAI   bool
}

// Pipeline consumes monitor events, pre-filters and batches chat messages,
// classifies them and writes the results.
type Pipeline struct {
	Queue      *monitor.Queue
	Store      Store
	Classifier Classifier
	Counters   *Aggregator
	Titles     TitleResolver

	BatchSize           int
	BatchMaxWait        time.Duration
	WorkQueueSize       int
	ConfidenceThreshold float64
	MaxCommentLength    int

	log  *slog.Logger
	work chan workItem
	once sync.Once
}

func (p *Pipeline) init() {
	p.once.Do(func() {
		if p.BatchSize <= 0 {
			p.BatchSize = defaultBatchSize
		}
		if p.BatchMaxWait <= 0 {
			p.BatchMaxWait = defaultBatchMaxWait
		}
		if p.WorkQueueSize <= 0 {
			p.WorkQueueSize = defaultWorkQueueSize
		}
		if p.ConfidenceThreshold <= 0 {
			p.ConfidenceThreshold = defaultConfidence
		}
		if p.MaxCommentLength <= 0 {
			p.MaxCommentLength = defaultMaxCommentLen
		}
		p.log = slog.With("component", "pipeline")
		p.work = make(chan workItem, p.WorkQueueSize)
	})
}

// Run starts the dispatcher and batcher and blocks until ctx is cancelled
// and the in-flight work has drained.
func (p *Pipeline) Run(ctx context.Context) {
	p.init()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.dispatch(ctx)
	}()
	go func() {
		defer wg.Done()
		p.batchLoop(ctx)
	}()
	wg.Wait()
}

// dispatch routes monitor events: lifecycle changes go straight to the
// store, chat messages are cleaned, pre-filtered and queued for
// classification.
func (p *Pipeline) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.Queue.Events():
			p.handleEvent(ctx, ev)
		}
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, ev monitor.Event) {
	switch ev.Type {
	case monitor.EventHeartbeat:
		title := ev.Title
		if (title == "" || title == ev.VideoID) && p.Titles != nil {
			title = p.Titles.OembedTitle(ctx, ev.VideoID)
		}
		if err := p.Store.UpsertLive(ctx, ev.VideoID, ev.Channel, title, ev.URL); err != nil {
			p.log.Warn("live upsert failed", "video_id", ev.VideoID, "err", err)
		}
	case monitor.EventEnded:
		if err := p.Store.MarkLiveEnded(ctx, ev.VideoID); err != nil {
			p.log.Warn("mark ended failed", "video_id", ev.VideoID, "err", err)
		}
	case monitor.EventChat:
		p.enqueueChat(ev)
	case monitor.EventError:
		p.log.Error("monitor error", "channel", ev.Channel, "video_id", ev.VideoID, "detail", ev.Text)
	case monitor.EventLog:
		p.log.Info("monitor", "channel", ev.Channel, "video_id", ev.VideoID, "detail", ev.Text)
	}
}

func (p *Pipeline) enqueueChat(ev monitor.Event) {
	text := CleanEmojiCodes(ev.Text)
	if text == "" {
		return
	}
	if utf8.RuneCountInString(text) > p.MaxCommentLength {
		return
	}
	item := workItem{
		VideoID:   ev.VideoID,
		CommentID: monitor.CommentID(ev.Author, text, ev.Timestamp),
		Author:    ev.Author,
		Text:      text,
		Timestamp: ev.Timestamp,
		NeedsAI:   !ShouldSkip(text),
	}
	if !item.NeedsAI {
		telemetry.IncCounter(telemetry.MessagesFiltered)
	}
	select {
	case p.work <- item:
	default:
		telemetry.IncCounter(telemetry.WorkDropped)
		p.log.Warn("work queue full, dropping message", "video_id", ev.VideoID)
	}
}

// batchLoop blocks for the first item, then drains up to BatchSize items
// or until the deadline since the last send expires.
func (p *Pipeline) batchLoop(ctx context.Context) {
	for {
		var first workItem
		select {
		case <-ctx.Done():
			p.drainRemaining()
			return
		case first = <-p.work:
		}
		batch := []workItem{first}
		deadline := time.NewTimer(p.BatchMaxWait)
	fill:
		for len(batch) < p.BatchSize {
			select {
			case <-ctx.Done():
				deadline.Stop()
				p.process(context.Background(), batch)
				p.drainRemaining()
				return
			case item := <-p.work:
				batch = append(batch, item)
			case <-deadline.C:
				break fill
			}
		}
		deadline.Stop()
		p.process(ctx, batch)
	}
}

// drainRemaining processes whatever is still queued during shutdown.
func (p *Pipeline) drainRemaining() {
	for {
		batch := make([]workItem, 0, p.BatchSize)
		for len(batch) < p.BatchSize {
			select {
			case item := <-p.work:
				batch = append(batch, item)
			default:
				if len(batch) == 0 {
					return
				}
				p.process(context.Background(), batch)
				batch = batch[:0]
			}
		}
		p.process(context.Background(), batch)
	}
}

// process classifies the items that passed the pre-filter, applies the
// safety-net rules and persists comments and per-minute counts.
func (p *Pipeline) process(ctx context.Context, batch []workItem) {
	var aiIdx []int
	var texts []string
	for i, item := range batch {
		if item.NeedsAI {
			aiIdx = append(aiIdx, i)
			texts = append(texts, item.Text)
		}
	}

	results := make([]*classifier.Result, len(batch))
	if len(texts) > 0 {
		telemetry.IncCounter(telemetry.ClassifyBatches)
		start := time.Now()
		res, err := p.Classifier.ClassifyBatch(ctx, texts)
		telemetry.Observe(telemetry.ClassifyDuration, time.Since(start).Seconds())
		if err != nil {
			telemetry.IncCounter(telemetry.ClassifyFailures)
			p.log.Warn("classification failed", "batch", len(texts), "err", err)
		} else {
			for j, idx := range aiIdx {
				if j < len(res) {
					r := res[j]
					results[idx] = &r
				}
			}
		}
	}

	comments := make([]db.CommentDoc, 0, len(batch))
	minutes := make([]db.MinuteDelta, 0, len(batch))
	for i, item := range batch {
		var verdict Verdict
		if item.NeedsAI {
			verdict = Resolve(results[i], item.Text, p.ConfidenceThreshold)
		} else {
			verdict = Verdict{Severity: "none"}
		}
		if p.Counters != nil {
			p.Counters.Record(item.VideoID, verdict)
		}
		comments = append(comments, db.CommentDoc{
			VideoID:     item.VideoID,
			CommentID:   item.CommentID,
			Author:      item.Author,
			Text:        item.Text,
			Timestamp:   item.Timestamp,
			IsTechnical: verdict.IsTechnical,
			Category:    verdict.Category,
			Issue:       verdict.Issue,
			Severity:    verdict.Severity,
		})
		technical := int64(0)
		if verdict.IsTechnical {
			technical = 1
		}
		minutes = append(minutes, db.MinuteDelta{
			VideoID:   item.VideoID,
			Minute:    item.Timestamp.UTC().Format("15:04"),
			Total:     1,
			Technical: technical,
		})
	}

	start := time.Now()
	err := p.Store.WriteCommentBatch(ctx, comments, minutes)
	telemetry.Observe(telemetry.StoreCommitDuration, time.Since(start).Seconds())
	if err != nil {
		telemetry.IncCounter(telemetry.StoreCommitErrors)
		p.log.Error("comment batch write failed", "comments", len(comments), "err", err)
		return
	}
	telemetry.IncCounter(telemetry.StoreCommits)
}
