package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultYouTubeBase = "https://www.youtube.com"
	defaultPollWait    = 1500 * time.Millisecond
	maxPollWait        = 10 * time.Second
	// consecutive poll failures before the reader gives up
	maxPollFailures = 5
)

// YouTubeReader polls the innertube get_live_chat endpoint for one broadcast.
// Session state (API key, client version, continuation token) is bootstrapped
// from the live_chat page and refreshed when the continuation chain breaks.
type YouTubeReader struct {
	// BaseURL lets tests point at a local server.
	BaseURL    string
	HTTPClient *http.Client

	videoID string
	log     *slog.Logger

	mu           sync.Mutex
	apiKey       string
	clientVer    string
	continuation string
	nextWait     time.Duration
	failures     int
	closed       bool
	dead         bool
}

// NewYouTubeReader bootstraps a chat session for the broadcast. The returned
// reader is ready for NextBatch; bootstrap failure is returned immediately so
// the caller can schedule a retry.
func NewYouTubeReader(ctx context.Context, videoID string) (*YouTubeReader, error) {
	r := &YouTubeReader{
		BaseURL:    defaultYouTubeBase,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		videoID:    videoID,
		log:        slog.With(slog.String("video_id", videoID)),
	}
	if err := r.bootstrap(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *YouTubeReader) http() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *YouTubeReader) logger() *slog.Logger {
	if r.log != nil {
		return r.log
	}
	return slog.With(slog.String("video_id", r.videoID))
}

// Alive reports whether the reader can still deliver messages.
func (r *YouTubeReader) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && !r.dead
}

// Close marks the reader unusable. Safe to call more than once.
func (r *YouTubeReader) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// NextBatch waits out the server-suggested poll interval, issues one poll and
// returns whatever messages arrived. A broken continuation chain triggers one
// re-bootstrap; persistent failures kill the reader.
func (r *YouTubeReader) NextBatch(ctx context.Context) ([]Message, error) {
	r.mu.Lock()
	if r.closed || r.dead {
		r.mu.Unlock()
		return nil, errors.New("reader is closed")
	}
	wait := r.nextWait
	r.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	msgs, err := r.pollOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.mu.Lock()
		r.failures++
		r.continuation = ""
		dead := r.failures >= maxPollFailures
		r.dead = dead
		r.nextWait = defaultPollWait
		r.mu.Unlock()
		if dead {
			r.logger().Warn("chat reader giving up", slog.Any("err", err))
		}
		return nil, err
	}

	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
	return msgs, nil
}

func (r *YouTubeReader) pollOnce(ctx context.Context) ([]Message, error) {
	r.mu.Lock()
	needBootstrap := r.apiKey == "" || r.clientVer == "" || r.continuation == ""
	r.mu.Unlock()

	if needBootstrap {
		if err := r.bootstrap(ctx); err != nil {
			return nil, fmt.Errorf("re-bootstrap: %w", err)
		}
	}

	r.mu.Lock()
	apiKey, clientVer, continuation := r.apiKey, r.clientVer, r.continuation
	r.mu.Unlock()

	endpoint := fmt.Sprintf("%s/youtubei/v1/live_chat/get_live_chat?key=%s", r.BaseURL, url.QueryEscape(apiKey))
	payload := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": clientVer,
				"hl":            "pt-BR",
			},
		},
		"continuation": continuation,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")

	resp, err := r.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return nil, fmt.Errorf("poll status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}

	next, timeoutMs := walkContinuation(decoded)
	msgs := collectChatMessages(decoded)

	wait := defaultPollWait
	if timeoutMs > 0 {
		wait = time.Duration(timeoutMs) * time.Millisecond
		if wait > maxPollWait {
			wait = maxPollWait
		}
	}
	r.mu.Lock()
	r.continuation = next
	r.nextWait = wait
	r.mu.Unlock()
	if next == "" {
		r.logger().Debug("missing continuation, will re-bootstrap")
	}
	return msgs, nil
}

// bootstrap loads the live_chat page and pulls out the innertube API key,
// client version and initial continuation token.
func (r *YouTubeReader) bootstrap(ctx context.Context) error {
	pageURL := fmt.Sprintf("%s/live_chat?v=%s", r.BaseURL, url.QueryEscape(r.videoID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en-US;q=0.8")

	resp, err := r.http().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("live_chat page status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return err
	}
	text := string(body)

	apiKey := quotedValueAfter(text, `"INNERTUBE_API_KEY":"`)
	clientVer := quotedValueAfter(text, `"INNERTUBE_CLIENT_VERSION":"`)
	if apiKey == "" || clientVer == "" {
		return errors.New("could not locate innertube api key or client version")
	}

	var initJSON string
	for _, marker := range []string{
		`ytInitialData"] = `,
		`ytInitialData" = `,
		`ytInitialData":`,
		`ytInitialData = `,
	} {
		if initJSON = braceDelimitedJSON(text, marker); initJSON != "" {
			break
		}
	}
	if initJSON == "" {
		return errors.New("could not locate initial chat data")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(initJSON), &data); err != nil {
		return fmt.Errorf("parse initial chat data: %w", err)
	}
	continuation := initialContinuation(data)
	if continuation == "" {
		return errors.New("continuation not found in initial chat data")
	}

	r.mu.Lock()
	r.apiKey = apiKey
	r.clientVer = clientVer
	r.continuation = continuation
	r.nextWait = 0
	r.mu.Unlock()
	r.logger().Debug("chat session bootstrapped", slog.String("client_version", clientVer))
	return nil
}

// walkContinuation finds the next continuation token and suggested poll
// timeout anywhere in the poll response.
func walkContinuation(payload map[string]any) (string, int) {
	cont := ""
	timeoutMs := 0
	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			if cont == "" {
				if s, ok := val["continuation"].(string); ok && s != "" {
					cont = s
				}
				for _, ep := range []string{"continuationEndpoint", "liveChatContinuationEndpoint"} {
					if cmd := digMap(val, ep, "continuationCommand"); cmd != nil {
						if s, ok := cmd["token"].(string); ok && s != "" {
							cont = s
						}
					}
				}
			}
			if timeoutMs == 0 {
				if tm, ok := val["timeoutMs"].(float64); ok && tm > 0 {
					timeoutMs = int(tm)
				}
			}
			for _, child := range val {
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		}
	}
	walk(payload)
	return cont, timeoutMs
}

// collectChatMessages extracts text-message renderers from the response's
// action lists.
func collectChatMessages(payload map[string]any) []Message {
	var msgs []Message
	emit := func(renderer map[string]any) {
		text := rendererText(renderer, "message")
		if text == "" {
			return
		}
		msgs = append(msgs, Message{
			ID:        stringValue(renderer, "id"),
			Author:    rendererText(renderer, "authorName"),
			Text:      text,
			Timestamp: usecTimestamp(renderer, "timestampUsec"),
		})
	}
	for _, action := range chatActions(payload) {
		if renderer := digMap(action, "addChatItemAction", "item", "liveChatTextMessageRenderer"); renderer != nil {
			emit(renderer)
		}
		if appendAction := digMap(action, "appendContinuationItemsAction"); appendAction != nil {
			items, _ := appendAction["continuationItems"].([]any)
			for _, item := range items {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if renderer, ok := m["liveChatTextMessageRenderer"].(map[string]any); ok {
					emit(renderer)
				}
				if renderer := digMap(m, "addChatItemAction", "item", "liveChatTextMessageRenderer"); renderer != nil {
					emit(renderer)
				}
			}
		}
	}
	return msgs
}

func chatActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	if arr, ok := payload["actions"].([]any); ok {
		collect(arr)
	}
	if arr, ok := payload["onResponseReceivedActions"].([]any); ok {
		collect(arr)
	}
	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	return out
}

func stringValue(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// rendererText renders a text node: simpleText when present, otherwise the
// concatenated runs.
func rendererText(m map[string]any, key string) string {
	nested, ok := m[key].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := nested["simpleText"].(string); ok {
		return s
	}
	runs, ok := nested["runs"].([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, run := range runs {
		if part, ok := run.(map[string]any); ok {
			if text, ok := part["text"].(string); ok {
				b.WriteString(text)
			}
		}
	}
	return b.String()
}

func usecTimestamp(m map[string]any, key string) time.Time {
	switch v := m[key].(type) {
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Unix(0, n*1000).UTC()
		}
	case float64:
		if v > 0 {
			return time.Unix(0, int64(v)*1000).UTC()
		}
	}
	return time.Now().UTC()
}

func braceDelimitedJSON(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	for start < len(text) && (text[start] == ' ' || text[start] == '\n' || text[start] == '\r' || text[start] == '\t') {
		start++
	}
	if start >= len(text) || text[start] != '{' {
		return ""
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func quotedValueAfter(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(text[start:], `"`)
	if end == -1 {
		return ""
	}
	return text[start : start+end]
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

// initialContinuation breadth-first searches the initial data for a
// continuation token inside a live-chat subtree.
func initialContinuation(data map[string]any) string {
	type item struct {
		value      any
		inLiveChat bool
	}
	queue := []item{{value: data}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		switch v := cur.value.(type) {
		case map[string]any:
			inChat := cur.inLiveChat || hasLiveChatKey(v)
			if inChat {
				if cont := nodeContinuation(v); cont != "" {
					return cont
				}
			}
			for key, child := range v {
				queue = append(queue, item{value: child, inLiveChat: inChat || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, item{value: child, inLiveChat: cur.inLiveChat})
			}
		}
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func hasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}

func nodeContinuation(node map[string]any) string {
	if arr, ok := node["continuations"].([]any); ok {
		for _, elem := range arr {
			m, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			for _, key := range []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData"} {
				if next := digMap(m, key); next != nil {
					if s, ok := next["continuation"].(string); ok && s != "" {
						return s
					}
				}
			}
		}
	}
	if endpoint := digMap(node, "continuationEndpoint", "continuationCommand"); endpoint != nil {
		if s, ok := endpoint["token"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
