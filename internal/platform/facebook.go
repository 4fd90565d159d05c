package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	config "github.com/marqly/publisher/configs"
)

const facebookGraphURL = "https://graph.facebook.com/v19.0"

type FacebookConnector struct {
	cfg config.Config
}

func NewFacebookConnector(cfg config.Config) *FacebookConnector {
	return &FacebookConnector{cfg: cfg}
}

type facebookError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Graph API throttling codes: 4 (app), 17 (user), 32 (page).
func (e *facebookError) rateLimited() bool {
	switch e.Error.Code {
	case 4, 17, 32:
		return true
	}
	return false
}

func (f *FacebookConnector) PostText(ctx context.Context, creds Credentials, text string) (*Result, error) {
	data := url.Values{}
	data.Set("message", text)
	return f.graphPost(ctx, creds, creds.AccountID+"/feed", data)
}

// PostWithMedia attaches the first asset only: the feed photo/video edges
// take a single URL per call, and multi-photo posts need a separate
// unpublished-upload flow the connector does not implement.
func (f *FacebookConnector) PostWithMedia(ctx context.Context, creds Credentials, text string, media []Media) (*Result, error) {
	if len(media) == 0 {
		return f.PostText(ctx, creds, text)
	}
	first := media[0]

	data := url.Values{}
	if first.Kind == MediaKindVideo {
		data.Set("description", text)
		data.Set("file_url", first.URL)
		return f.graphPost(ctx, creds, creds.AccountID+"/videos", data)
	}

	data.Set("message", text)
	data.Set("url", first.URL)
	return f.graphPost(ctx, creds, creds.AccountID+"/photos", data)
}

func (f *FacebookConnector) graphPost(ctx context.Context, creds Credentials, path string, data url.Values) (*Result, error) {
	data.Set("access_token", creds.AccessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, facebookGraphURL+"/"+path, strings.NewReader(data.Encode()))
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("facebook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("facebook: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		var fbErr facebookError
		if err := json.NewDecoder(resp.Body).Decode(&fbErr); err == nil && fbErr.Error.Message != "" {
			if fbErr.rateLimited() {
				return nil, fmt.Errorf("facebook: %w: %s", ErrRateLimited, fbErr.Error.Message)
			}
			return nil, fmt.Errorf("facebook: graph call failed: %s", fbErr.Error.Message)
		}
		return nil, fmt.Errorf("facebook: graph call returned status %d", resp.StatusCode)
	}

	var created struct {
		ID     string `json:"id"`
		PostID string `json:"post_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("facebook: failed to decode graph response: %w", err)
	}

	postID := created.PostID
	if postID == "" {
		postID = created.ID
	}
	if postID == "" {
		return nil, errors.New("facebook: graph response missing id")
	}

	return &Result{
		PostID:  postID,
		PostURL: "https://www.facebook.com/" + postID,
	}, nil
}

// RefreshToken exchanges the current token for a fresh long-lived one;
// Facebook has no refresh-token grant.
func (f *FacebookConnector) RefreshToken(ctx context.Context, creds Credentials) (*Credentials, error) {
	params := url.Values{}
	params.Set("grant_type", "fb_exchange_token")
	params.Set("client_id", f.cfg.FacebookAppID)
	params.Set("client_secret", f.cfg.FacebookAppSecret)
	params.Set("fb_exchange_token", creds.AccessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, facebookGraphURL+"/oauth/access_token?"+params.Encode(), nil)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("facebook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facebook: token exchange returned status %d: %s", resp.StatusCode, readBodyPrefix(resp.Body))
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("facebook: failed to decode token response: %w", err)
	}

	refreshed := creds
	refreshed.AccessToken = token.AccessToken
	refreshed.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	return &refreshed, nil
}
