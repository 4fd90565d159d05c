package platform

import (
	"bytes"
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

const (
	linkedinPostURL  = "https://api.linkedin.com/v2/ugcPosts"
	linkedinTokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
)

type LinkedinConnector struct {
	cfg config.Config
}

func NewLinkedinConnector(cfg config.Config) *LinkedinConnector {
	return &LinkedinConnector{cfg: cfg}
}

func (l *LinkedinConnector) PostText(ctx context.Context, creds Credentials, text string) (*Result, error) {
	payload := l.sharePayload(creds, text, nil)
	return l.createShare(ctx, creds, payload)
}

func (l *LinkedinConnector) PostWithMedia(ctx context.Context, creds Credentials, text string, media []Media) (*Result, error) {
	payload := l.sharePayload(creds, text, media)
	return l.createShare(ctx, creds, payload)
}

func (l *LinkedinConnector) sharePayload(creds Credentials, text string, media []Media) map[string]any {
	shareContent := map[string]any{
		"shareCommentary":    map[string]string{"text": text},
		"shareMediaCategory": "NONE",
	}

	if len(media) > 0 {
		category := "IMAGE"
		for _, m := range media {
			if m.Kind == MediaKindVideo {
				category = "VIDEO"
				break
			}
		}
		shareContent["shareMediaCategory"] = category

		entries := make([]map[string]any, 0, len(media))
		for _, m := range media {
			entries = append(entries, map[string]any{
				"status":      "READY",
				"originalUrl": m.URL,
			})
		}
		shareContent["media"] = entries
	}

	return map[string]any{
		"author":         "urn:li:person:" + creds.AccountID,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": shareContent,
		},
		"visibility": map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}
}

func (l *LinkedinConnector) createShare(ctx context.Context, creds Credentials, payload map[string]any) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, linkedinPostURL, bytes.NewReader(body))
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("linkedin: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("linkedin: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("linkedin: share returned status %d: %s", resp.StatusCode, readBodyPrefix(resp.Body))
	}

	// LinkedIn returns the new share urn in the X-RestLi-Id header.
	shareID := resp.Header.Get("X-Restli-Id")
	if shareID == "" {
		var share struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&share); err == nil {
			shareID = share.ID
		}
	}
	if shareID == "" {
		return nil, errors.New("linkedin: share response missing id")
	}

	return &Result{
		PostID:  shareID,
		PostURL: "https://www.linkedin.com/feed/update/" + shareID,
	}, nil
}

func (l *LinkedinConnector) RefreshToken(ctx context.Context, creds Credentials) (*Credentials, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", creds.RefreshToken)
	data.Set("client_id", l.cfg.LinkedinClientID)
	data.Set("client_secret", l.cfg.LinkedinClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, linkedinTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("linkedin: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("linkedin: token refresh returned status %d: %s", resp.StatusCode, readBodyPrefix(resp.Body))
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("linkedin: failed to decode token response: %w", err)
	}

	refreshed := creds
	refreshed.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	refreshed.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	return &refreshed, nil
}
