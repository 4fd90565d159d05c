package models

import "database/sql"

type PostTarget struct {
	ID              int64          `db:"id" json:"id"`
	PostID          int64          `db:"post_id" json:"post_id"`
	AccountID       int64          `db:"account_id" json:"account_id"`
	PlatformPostID  sql.NullString `db:"platform_post_id" json:"platform_post_id"`
	PlatformPostURL sql.NullString `db:"platform_post_url" json:"platform_post_url"`
	IsPublished     bool           `db:"is_published" json:"is_published"`
	LastError       sql.NullString `db:"last_error" json:"last_error"`
	PublishedAt     sql.NullTime   `db:"published_at" json:"published_at"`

	// Loaded eagerly by ListDue; nil elsewhere unless explicitly loaded.
	Account *SocialAccount `db:"-" json:"account,omitempty"`
}
