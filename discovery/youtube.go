package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	defaultYouTubeBase = "https://www.youtube.com"
	consentCookie      = "CONSENT=YES+cb.20240618-17-p0.pt+FX+123; PREF=f6=40000000&hl=pt-BR; GPS=1"
	browserUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	titleCacheMax = 128
)

var (
	channelIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`"channelId"\s*:\s*"(UC[0-9A-Za-z_-]{22})"`),
		regexp.MustCompile(`"externalId"\s*:\s*"(UC[0-9A-Za-z_-]{22})"`),
		regexp.MustCompile(`channel/(UC[0-9A-Za-z_-]{22})`),
		regexp.MustCompile(`"browseId"\s*:\s*"(UC[0-9A-Za-z_-]{22})"`),
	}
	videoIDPattern  = regexp.MustCompile(`"videoId"\s*:\s*"([A-Za-z0-9_-]{11})"`)
	watchURLPattern = regexp.MustCompile(`[?&]v=([A-Za-z0-9_-]{11})`)
	canonicalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`"canonical"[^>]*?watch\?v=([A-Za-z0-9_-]{11})`),
		regexp.MustCompile(`"canonicalBaseUrl"\s*:\s*"/watch\?v=([A-Za-z0-9_-]{11})"`),
	}
)

// YouTubeSource discovers live broadcasts on one YouTube channel by scraping
// the channel's public pages. No API key is required; when APIKey is set the
// Data API is consulted as an additional strategy.
type YouTubeSource struct {
	// BaseURL lets tests point the scraper at a local server.
	BaseURL string
	// OembedURL defaults to BaseURL + "/oembed".
	OembedURL string

	Handle     string
	ChannelID  string
	MaxResults int
	APIKey     string

	HTTPClient *http.Client

	mu         sync.Mutex
	titleCache map[string]string
}

// NewYouTubeSource builds a source for the given channel. Either the handle
// (without "@") or a UC... channel id must be set; the id is resolved from
// the handle lazily when missing.
func NewYouTubeSource(handle, channelID string, maxResults int) *YouTubeSource {
	if maxResults <= 0 {
		maxResults = 20
	}
	return &YouTubeSource{
		BaseURL:    defaultYouTubeBase,
		Handle:     strings.TrimPrefix(strings.TrimSpace(handle), "@"),
		ChannelID:  strings.TrimSpace(channelID),
		MaxResults: maxResults,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		titleCache: make(map[string]string),
	}
}

func (s *YouTubeSource) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

// fetch GETs a page with browser headers, consent cookies and pt-BR locale
// parameters. A non-2xx status or transport error yields an empty string;
// discovery strategies treat that as "page unavailable" and move on.
func (s *YouTubeSource) fetch(ctx context.Context, pageURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	q := req.URL.Query()
	if q.Get("hl") == "" {
		q.Set("hl", "pt-BR")
		q.Set("gl", "BR")
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Cookie", consentCookie)

	resp, err := s.client().Do(req)
	if err != nil {
		slog.Debug("discovery fetch failed", slog.String("url", pageURL), slog.Any("err", err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Debug("discovery fetch status", slog.String("url", pageURL), slog.Int("status", resp.StatusCode))
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return ""
	}
	return string(body)
}

// ResolveChannelID resolves the UC... channel id from the handle by scanning
// a handful of channel pages. The result is cached on the source. Returns ""
// when resolution fails; discovery still works handle-only in that case.
func (s *YouTubeSource) ResolveChannelID(ctx context.Context) string {
	if s.ChannelID != "" {
		return s.ChannelID
	}
	if s.Handle == "" {
		return ""
	}
	for _, suffix := range []string{"/about", "/featured", "/streams", "/videos", "/live", ""} {
		body := s.fetch(ctx, fmt.Sprintf("%s/@%s%s", s.BaseURL, s.Handle, suffix))
		if body == "" {
			continue
		}
		for _, pat := range channelIDPatterns {
			if m := pat.FindStringSubmatch(body); m != nil {
				s.ChannelID = m[1]
				return s.ChannelID
			}
		}
	}
	slog.Debug("channel id resolution failed", slog.String("handle", s.Handle))
	return ""
}

// ListLive runs the discovery strategies in order and returns every broadcast
// confirmed to be live right now, de-duplicated, capped at MaxResults.
func (s *YouTubeSource) ListLive(ctx context.Context) ([]Video, error) {
	handle := s.Handle
	cid := s.ChannelID
	if cid == "" && handle != "" {
		cid = s.ResolveChannelID(ctx)
	}
	if handle == "" && cid == "" {
		return nil, fmt.Errorf("youtube source has neither handle nor channel id")
	}

	var candidates []string
	add := func(ids ...string) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			found := false
			for _, have := range candidates {
				if have == id {
					found = true
					break
				}
			}
			if !found {
				candidates = append(candidates, id)
			}
		}
	}

	// A) live-filtered videos tab
	if handle != "" {
		add(extractLiveVideoIDs(s.fetch(ctx, fmt.Sprintf("%s/@%s/videos?view=2&live_view=501", s.BaseURL, handle)))...)
	}
	if cid != "" && len(candidates) == 0 {
		add(extractLiveVideoIDs(s.fetch(ctx, fmt.Sprintf("%s/channel/%s/videos?view=2&live_view=501", s.BaseURL, cid)))...)
	}

	// B) streams tab and channel home
	var pages []string
	if handle != "" {
		pages = append(pages, fmt.Sprintf("%s/@%s/streams", s.BaseURL, handle), fmt.Sprintf("%s/@%s", s.BaseURL, handle))
	}
	if cid != "" {
		pages = append(pages, fmt.Sprintf("%s/channel/%s/streams", s.BaseURL, cid), fmt.Sprintf("%s/channel/%s", s.BaseURL, cid))
	}
	for _, page := range pages {
		body := s.fetch(ctx, page)
		if body == "" {
			continue
		}
		ids := extractLiveVideoIDs(body)
		if len(ids) == 0 {
			for _, m := range videoIDPattern.FindAllStringSubmatch(body, -1) {
				ids = append(ids, m[1])
			}
		}
		add(ids...)
	}

	// C) the /live redirect endpoint
	var liveURLs []string
	if handle != "" {
		liveURLs = append(liveURLs, fmt.Sprintf("%s/@%s/live", s.BaseURL, handle))
	}
	if cid != "" {
		liveURLs = append(liveURLs, fmt.Sprintf("%s/channel/%s/live", s.BaseURL, cid))
	}
	for _, u := range liveURLs {
		add(s.probeLiveEndpoint(ctx, u))
	}

	// D) Data API, when a key is configured
	if s.APIKey != "" && cid != "" {
		ids, err := s.listLiveViaAPI(ctx, cid)
		if err != nil {
			slog.Debug("data api discovery failed", slog.Any("err", err))
		} else {
			add(ids...)
		}
	}

	if len(candidates) > s.MaxResults {
		candidates = candidates[:s.MaxResults]
	}

	var out []Video
	for _, vid := range candidates {
		live, title := s.IsLiveNow(ctx, vid)
		if !live {
			continue
		}
		if title == "" {
			title = s.OembedTitle(ctx, vid)
		}
		out = append(out, Video{ID: vid, Title: title, URL: watchURL(vid)})
	}
	return out, nil
}

// probeLiveEndpoint resolves /live either via its redirect Location, via
// renderer scanning, or via the page's canonical watch link.
func (s *YouTubeSource) probeLiveEndpoint(ctx context.Context, liveURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, liveURL, nil)
	if err == nil {
		req.Header.Set("User-Agent", browserUserAgent)
		req.Header.Set("Cookie", consentCookie)
		noRedirect := &http.Client{
			Timeout: s.client().Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
		if resp, err := noRedirect.Do(req); err == nil {
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if m := watchURLPattern.FindStringSubmatch(loc); m != nil {
				return m[1]
			}
		}
	}

	body := s.fetch(ctx, liveURL)
	if body == "" {
		return ""
	}
	if ids := extractLiveVideoIDs(body); len(ids) > 0 {
		return ids[0]
	}
	for _, pat := range canonicalPatterns {
		if m := pat.FindStringSubmatch(body); m != nil {
			return m[1]
		}
	}
	return ""
}

// IsLiveNow confirms whether a video is broadcasting right now. Structured
// player metadata is authoritative; upcoming and offline states win over any
// live flag. When no metadata can be parsed, negative text markers take
// precedence over positive ones.
func (s *YouTubeSource) IsLiveNow(ctx context.Context, videoID string) (bool, string) {
	body := s.fetch(ctx, fmt.Sprintf("%s/watch?v=%s", s.BaseURL, url.QueryEscape(videoID)))
	if body == "" {
		return false, ""
	}

	title := ""
	if player, ok := extractJSONBlob(body, "ytInitialPlayerResponse"); ok {
		if t, ok := jsonPath(player, "videoDetails", "title").(string); ok {
			title = t
		}

		upcoming := jsonPath(player, "videoDetails", "isUpcoming") == true ||
			jsonPath(player, "playabilityStatus", "liveStreamability", "liveStreamabilityRenderer", "upcomingEventData") != nil
		status, _ := jsonPath(player, "playabilityStatus", "status").(string)
		if upcoming || strings.EqualFold(status, "LIVE_STREAM_OFFLINE") {
			return false, title
		}

		if jsonPath(player, "playabilityStatus", "liveStreamability", "liveStreamabilityRenderer", "isLiveNow") == true ||
			jsonPath(player, "microformat", "playerMicroformatRenderer", "liveBroadcastDetails", "isLiveNow") == true ||
			jsonPath(player, "videoDetails", "isLive") == true {
			return true, title
		}
	}

	lowered := strings.ToLower(body)
	negatives := []string{
		"assistir novamente", "watch again", "estreia", "premiere",
		"melhores momentos", "highlights", "will begin", "vai começar",
		"em breve", "aguardando", "scheduled for", "live_stream_offline",
		`"isupcoming":true`, `"isupcoming": true`,
	}
	for _, n := range negatives {
		if strings.Contains(lowered, n) {
			return false, title
		}
	}
	positives := []string{`"islivebroadcast":true`, `"islivenow":true`, "badge_style_type_live_now", "live now"}
	for _, p := range positives {
		if strings.Contains(lowered, p) {
			return true, title
		}
	}
	return false, title
}

// OembedTitle fetches a video title via the oembed endpoint. Results are
// cached; on failure the video id itself is returned so callers always have
// something displayable.
func (s *YouTubeSource) OembedTitle(ctx context.Context, videoID string) string {
	s.mu.Lock()
	if t, ok := s.titleCache[videoID]; ok {
		s.mu.Unlock()
		return t
	}
	s.mu.Unlock()

	base := s.OembedURL
	if base == "" {
		base = s.BaseURL + "/oembed"
	}
	u := fmt.Sprintf("%s?url=%s&format=json", base, url.QueryEscape(watchURL(videoID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return videoID
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return videoID
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return videoID
	}
	var payload struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Title == "" {
		return videoID
	}

	s.mu.Lock()
	if len(s.titleCache) >= titleCacheMax {
		s.titleCache = make(map[string]string)
	}
	s.titleCache[videoID] = payload.Title
	s.mu.Unlock()
	return payload.Title
}

func watchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// extractJSONBlob slices the JSON object assigned to a page-level marker
// such as ytInitialPlayerResponse, tolerating both `marker = {...}` and
// `"marker": {...}` forms, and decodes it.
func extractJSONBlob(body, marker string) (map[string]any, bool) {
	search := 0
	for {
		idx := strings.Index(body[search:], marker)
		if idx == -1 {
			return nil, false
		}
		idx += search
		pos := idx + len(marker)
		for pos < len(body) {
			ch := body[pos]
			if ch == '=' || ch == ':' {
				pos++
				break
			}
			if unicode.IsSpace(rune(ch)) || ch == '"' || ch == '\'' {
				pos++
				continue
			}
			pos = -1
			break
		}
		if pos <= 0 || pos >= len(body) {
			search = idx + len(marker)
			continue
		}
		for pos < len(body) && unicode.IsSpace(rune(body[pos])) {
			pos++
		}
		if pos >= len(body) || body[pos] != '{' {
			search = idx + len(marker)
			continue
		}
		raw, ok := sliceBalancedJSON(body[pos:])
		if !ok {
			search = idx + len(marker)
			continue
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			search = idx + len(marker)
			continue
		}
		return out, true
	}
}

// sliceBalancedJSON returns the prefix of s forming one balanced JSON value,
// honoring string literals and escapes.
func sliceBalancedJSON(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	depth := 0
	inString := false
	escape := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
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
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
			if depth < 0 {
				return "", false
			}
		}
	}
	return "", false
}

// jsonPath walks nested maps; returns nil when any key is missing.
func jsonPath(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[k]
		if !ok {
			return nil
		}
	}
	return cur
}

// extractLiveVideoIDs walks ytInitialData looking for videoRenderer entries
// carrying a LIVE badge, overlay, or "watching now" view text.
func extractLiveVideoIDs(body string) []string {
	if body == "" {
		return nil
	}
	data, ok := extractJSONBlob(body, "ytInitialData")
	if !ok {
		var out []string
		for _, m := range videoIDPattern.FindAllStringSubmatch(body, -1) {
			out = appendUnique(out, m[1])
		}
		return out
	}

	var out []string
	var walk func(obj any)
	walk = func(obj any) {
		switch v := obj.(type) {
		case map[string]any:
			if vr, ok := v["videoRenderer"].(map[string]any); ok {
				if vid, _ := vr["videoId"].(string); vid != "" && rendererIsLive(vr) {
					out = appendUnique(out, vid)
				}
			}
			for _, child := range v {
				walk(child)
			}
		case []any:
			for _, child := range v {
				walk(child)
			}
		}
	}
	walk(data)
	return out
}

func rendererIsLive(vr map[string]any) bool {
	if overlays, ok := vr["thumbnailOverlays"].([]any); ok {
		for _, ov := range overlays {
			tsr, _ := jsonPath(asMap(ov), "thumbnailOverlayTimeStatusRenderer").(map[string]any)
			if tsr == nil {
				continue
			}
			if style, _ := tsr["style"].(string); strings.EqualFold(style, "LIVE") {
				return true
			}
			if text, _ := jsonPath(tsr, "text", "simpleText").(string); text == "LIVE" {
				return true
			}
		}
	}
	if badges, ok := vr["badges"].([]any); ok {
		for _, b := range badges {
			label, _ := jsonPath(asMap(b), "metadataBadgeRenderer", "label").(string)
			if strings.Contains(strings.ToUpper(label), "LIVE") {
				return true
			}
		}
	}
	if vct, ok := vr["viewCountText"].(map[string]any); ok {
		text, _ := vct["simpleText"].(string)
		if text == "" {
			if runs, ok := vct["runs"].([]any); ok {
				var parts []string
				for _, r := range runs {
					if t, _ := jsonPath(asMap(r), "text").(string); t != "" {
						parts = append(parts, t)
					}
				}
				text = strings.Join(parts, " ")
			}
		}
		lowered := strings.ToLower(text)
		if strings.Contains(lowered, "watching") || strings.Contains(lowered, "assistindo") {
			return true
		}
	}
	return false
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}
