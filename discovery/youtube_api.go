package discovery

import (
	"context"
	"sync"

	"google.golang.org/api/option"
	youtubeapi "google.golang.org/api/youtube/v3"
)

var (
	apiSvcMu sync.Mutex
	apiSvc   *youtubeapi.Service
	apiKey   string
)

func apiService(ctx context.Context, key string) (*youtubeapi.Service, error) {
	apiSvcMu.Lock()
	defer apiSvcMu.Unlock()
	if apiSvc != nil && apiKey == key {
		return apiSvc, nil
	}
	svc, err := youtubeapi.NewService(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, err
	}
	apiSvc = svc
	apiKey = key
	return svc, nil
}

// listLiveViaAPI asks the Data API for broadcasts currently live on the
// channel. Used only when an API key is configured; the scraping strategies
// remain the primary path since they need no quota.
func (s *YouTubeSource) listLiveViaAPI(ctx context.Context, channelID string) ([]string, error) {
	svc, err := apiService(ctx, s.APIKey)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Search.List([]string{"id"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(int64(s.MaxResults)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, item := range resp.Items {
		if item.Id != nil && item.Id.VideoId != "" {
			ids = append(ids, item.Id.VideoId)
		}
	}
	return ids, nil
}
