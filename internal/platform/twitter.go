package platform

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	config "github.com/marqly/publisher/configs"
	"golang.org/x/oauth2"
)

const (
	twitterTweetURL       = "https://api.twitter.com/2/tweets"
	twitterMediaUploadURL = "https://upload.twitter.com/1.1/media/upload.json"
	twitterTokenURL       = "https://api.twitter.com/2/oauth2/token"
)

type TwitterConnector struct {
	cfg config.Config
}

func NewTwitterConnector(cfg config.Config) *TwitterConnector {
	return &TwitterConnector{cfg: cfg}
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (t *TwitterConnector) PostText(ctx context.Context, creds Credentials, text string) (*Result, error) {
	return t.createTweet(ctx, creds, tweetRequest{Text: text})
}

func (t *TwitterConnector) PostWithMedia(ctx context.Context, creds Credentials, text string, media []Media) (*Result, error) {
	mediaIDs := make([]string, 0, len(media))
	for _, m := range media {
		id, err := t.uploadMedia(ctx, creds, m)
		if err != nil {
			return nil, err
		}
		mediaIDs = append(mediaIDs, id)
	}

	return t.createTweet(ctx, creds, tweetRequest{Text: text, Media: &tweetMedia{MediaIDs: mediaIDs}})
}

func (t *TwitterConnector) createTweet(ctx context.Context, creds Credentials, payload tweetRequest) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, twitterTweetURL, bytes.NewReader(body))
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("twitter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("twitter: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("twitter: create tweet returned status %d: %s", resp.StatusCode, readBodyPrefix(resp.Body))
	}

	var tweet tweetResponse
	if err := json.NewDecoder(resp.Body).Decode(&tweet); err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("twitter: failed to decode tweet response: %w", err)
	}
	if tweet.Data.ID == "" {
		return nil, errors.New("twitter: tweet response missing id")
	}

	return &Result{
		PostID:  tweet.Data.ID,
		PostURL: "https://twitter.com/i/web/status/" + tweet.Data.ID,
	}, nil
}

func (t *TwitterConnector) uploadMedia(ctx context.Context, creds Credentials, media Media) (string, error) {
	raw, err := fetchMedia(ctx, media.URL)
	if err != nil {
		return "", fmt.Errorf("twitter: %w", err)
	}

	data := url.Values{}
	data.Set("media_data", base64.StdEncoding.EncodeToString(raw))
	if media.Kind == MediaKindVideo {
		data.Set("media_category", "tweet_video")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, twitterMediaUploadURL, strings.NewReader(data.Encode()))
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("twitter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("twitter: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("twitter: media upload returned status %d: %s", resp.StatusCode, readBodyPrefix(resp.Body))
	}

	var upload struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&upload); err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("twitter: failed to decode upload response: %w", err)
	}

	return upload.MediaIDString, nil
}

func (t *TwitterConnector) RefreshToken(ctx context.Context, creds Credentials) (*Credentials, error) {
	conf := &oauth2.Config{
		ClientID:     t.cfg.TwitterClientID,
		ClientSecret: t.cfg.TwitterClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: twitterTokenURL},
	}

	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("twitter: token refresh failed: %w", err)
	}

	refreshed := creds
	refreshed.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	refreshed.ExpiresAt = token.Expiry
	return &refreshed, nil
}

func fetchMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media fetch returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func readBodyPrefix(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}
