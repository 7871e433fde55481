package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultHelixBase  = "https://api.twitch.tv/helix"
	twitchTokenURL    = "https://id.twitch.tv/oauth2/token"
	helixRequestLimit = 15 * time.Second
)

// TwitchSource discovers the live broadcast (if any) on one Twitch channel
// via the Helix streams endpoint, authenticated with an app access token
// obtained through the client-credentials flow.
type TwitchSource struct {
	// BaseURL lets tests point at a local server.
	BaseURL  string
	ClientID string
	Login    string

	HTTPClient *http.Client
}

// NewTwitchSource builds a source for the given login. The returned source's
// HTTP client transparently acquires and refreshes the app token.
func NewTwitchSource(clientID, clientSecret, login string) *TwitchSource {
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     twitchTokenURL,
	}
	httpClient := cc.Client(context.Background())
	httpClient.Timeout = helixRequestLimit
	return &TwitchSource{
		BaseURL:    defaultHelixBase,
		ClientID:   clientID,
		Login:      login,
		HTTPClient: httpClient,
	}
}

func (s *TwitchSource) http() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

// ListLive returns the current live stream for the login, or an empty slice
// when offline. Helix reports at most one live stream per broadcaster.
func (s *TwitchSource) ListLive(ctx context.Context) ([]Video, error) {
	if s.Login == "" {
		return nil, fmt.Errorf("twitch source missing login")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/streams", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("user_login", s.Login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", s.ClientID)

	resp, err := s.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("helix streams: %s", resp.Status)
	}
	var body struct {
		Data []struct {
			ID       string `json:"id"`
			UserName string `json:"user_name"`
			Title    string `json:"title"`
			Type     string `json:"type"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	var out []Video
	for _, st := range body.Data {
		if st.Type != "live" {
			continue
		}
		out = append(out, Video{
			ID:    st.ID,
			Title: st.Title,
			URL:   "https://www.twitch.tv/" + s.Login,
		})
	}
	return out, nil
}
