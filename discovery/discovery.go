// Package discovery locates active live broadcasts for configured channels.
// The YouTube source scrapes public channel pages; the Twitch source queries
// the Helix API. Both are tolerant to partial failures: a strategy that
// errors out is skipped so the remaining strategies still run.
package discovery

import "context"

// Video identifies one live broadcast found during a discovery pass.
type Video struct {
	ID    string
	Title string
	URL   string
}

// Source lists the broadcasts currently live on one channel.
type Source interface {
	ListLive(ctx context.Context) ([]Video, error)
}
