package models

import (
	"database/sql"
	"time"
)

type ScheduledPost struct {
	ID                 int64          `db:"id" json:"id"`
	UserID             int64          `db:"user_id" json:"user_id"`
	Content            string         `db:"content" json:"content"`
	ScheduledTime      sql.NullTime   `db:"scheduled_time" json:"scheduled_time"`
	Status             string         `db:"status" json:"status"`
	PublishAttemptedAt sql.NullTime   `db:"publish_attempted_at" json:"publish_attempted_at"`
	PublishedAt        sql.NullTime   `db:"published_at" json:"published_at"`
	LastError          sql.NullString `db:"last_error" json:"last_error"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`

	// Loaded eagerly by ListDue; nil elsewhere unless explicitly loaded.
	Targets   []*PostTarget `db:"-" json:"targets,omitempty"`
	MediaKeys []string      `db:"-" json:"media_keys,omitempty"`
}

type PostMedia struct {
	PostID       int64     `db:"post_id"`
	AssetKey     string    `db:"asset_key"`
	DisplayOrder int       `db:"display_order"`
	CreatedAt    time.Time `db:"created_at"`
}

const (
	PostStatusScheduled  = "scheduled"
	PostStatusPublishing = "publishing"
	PostStatusPublished  = "published"
	PostStatusFailed     = "failed"
	PostStatusCancelled  = "cancelled"
)

// Due reports whether the post should be picked up by the scheduler.
func (p *ScheduledPost) Due(now time.Time) bool {
	if p.Status != PostStatusScheduled {
		return false
	}
	if !p.ScheduledTime.Valid {
		return true
	}
	return !p.ScheduledTime.Time.After(now)
}
