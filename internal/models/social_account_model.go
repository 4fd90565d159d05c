package models

import (
	"database/sql"
	"time"
)

// SocialAccount holds one user+platform+external-account credential set.
// AccessToken and RefreshToken are AES-GCM encrypted at rest; only the
// publisher's credential cipher decrypts them.
type SocialAccount struct {
	ID              int64          `db:"id" json:"id"`
	UserID          int64          `db:"user_id" json:"user_id"`
	Platform        string         `db:"platform" json:"platform"`
	AccountID       string         `db:"account_id" json:"account_id"`
	AccountName     string         `db:"account_name" json:"account_name"`
	AccountUsername string         `db:"account_username" json:"account_username"`
	AccessToken     string         `db:"access_token" json:"-"`
	RefreshToken    sql.NullString `db:"refresh_token" json:"-"`
	TokenExpiresAt  sql.NullTime   `db:"token_expires_at" json:"token_expires_at"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

const (
	PlatformTwitter  = "twitter"
	PlatformLinkedin = "linkedin"
	PlatformFacebook = "facebook"
)

// TokenExpired reports whether the stored access token is past (or within
// skew of) its expiry. Accounts without an expiry never expire proactively.
func (sa *SocialAccount) TokenExpired(now time.Time, skew time.Duration) bool {
	if !sa.TokenExpiresAt.Valid {
		return false
	}
	return !sa.TokenExpiresAt.Time.After(now.Add(skew))
}
