package platform

import (
	"context"
	"errors"
	"time"
)

// Credentials carries decrypted tokens for one publish or refresh attempt.
// The publisher decrypts on read and re-encrypts on write; connectors only
// ever see plaintext values.
type Credentials struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Result struct {
	PostID  string
	PostURL string
}

type Media struct {
	URL  string
	Kind string
}

const (
	MediaKindImage = "image"
	MediaKindVideo = "video"
)

// ErrRateLimited marks platform-side throttling. Callers record it
// distinctly from generic failures so operators can tell "try again later"
// from "will never succeed".
var ErrRateLimited = errors.New("rate limited")

// Connector is the capability contract one social platform must satisfy.
type Connector interface {
	PostText(ctx context.Context, creds Credentials, text string) (*Result, error)
	PostWithMedia(ctx context.Context, creds Credentials, text string, media []Media) (*Result, error)
	RefreshToken(ctx context.Context, creds Credentials) (*Credentials, error)
}
