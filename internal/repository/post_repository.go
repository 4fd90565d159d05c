package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/marqly/publisher/internal/models"
)

type PostRepository interface {
	GetByID(ctx context.Context, id int64) (*models.ScheduledPost, error)
	GetWithAssociations(ctx context.Context, id int64) (*models.ScheduledPost, error)
	GetByIDForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.ScheduledPost, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledPost, error)
	ListDueByIDs(ctx context.Context, ids []int64, now time.Time) ([]*models.ScheduledPost, error)
	ListByStatus(ctx context.Context, status string) ([]*models.ScheduledPost, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, status string, postID int64) error
	SetPublishAttempted(ctx context.Context, postID int64, attemptedAt time.Time) (bool, error)
	UpdateOutcome(ctx context.Context, postID int64, status, lastError string, publishedAt time.Time) error
	SetScheduledTime(ctx context.Context, tx *sql.Tx, postID int64, scheduledTime time.Time) error
}

type postRepository struct {
	db *sql.DB
}

func NewPostRepository(db *sql.DB) PostRepository {
	return &postRepository{db: db}
}

const postColumns = `id, user_id, content, scheduled_time, status, publish_attempted_at, published_at, last_error, created_at, updated_at`

func scanPost(row interface{ Scan(...any) error }) (*models.ScheduledPost, error) {
	var post models.ScheduledPost
	err := row.Scan(&post.ID, &post.UserID, &post.Content, &post.ScheduledTime,
		&post.Status, &post.PublishAttemptedAt, &post.PublishedAt, &post.LastError,
		&post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) GetByID(ctx context.Context, id int64) (*models.ScheduledPost, error) {
	query := `SELECT ` + postColumns + ` FROM scheduled_posts WHERE id = $1`
	post, err := scanPost(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return post, nil
}

// GetWithAssociations loads the post together with its targets, accounts
// and media keys, ready for an immediate publish attempt.
func (r *postRepository) GetWithAssociations(ctx context.Context, id int64) (*models.ScheduledPost, error) {
	post, err := r.GetByID(ctx, id)
	if err != nil || post == nil {
		return post, err
	}
	if err := r.loadAssociations(ctx, []*models.ScheduledPost{post}); err != nil {
		return nil, err
	}
	return post, nil
}

// GetByIDForUpdate takes a row lock inside tx so manual operations cannot
// race the scheduler loop on the same post.
func (r *postRepository) GetByIDForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.ScheduledPost, error) {
	query := `SELECT ` + postColumns + ` FROM scheduled_posts WHERE id = $1 FOR UPDATE`
	post, err := scanPost(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return post, nil
}

func (r *postRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledPost, error) {
	query := `SELECT ` + postColumns + `
		FROM scheduled_posts
		WHERE status = $1 AND (scheduled_time IS NULL OR scheduled_time <= $2)
		ORDER BY scheduled_time ASC NULLS FIRST, id ASC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, models.PostStatusScheduled, now, limit)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	posts, err := collectPosts(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadAssociations(ctx, posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// ListDueByIDs re-checks the due predicate against the store for ids that
// came out of the time index; the index is not authoritative.
func (r *postRepository) ListDueByIDs(ctx context.Context, ids []int64, now time.Time) ([]*models.ScheduledPost, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + postColumns + `
		FROM scheduled_posts
		WHERE id = ANY($1) AND status = $2 AND (scheduled_time IS NULL OR scheduled_time <= $3)
		ORDER BY scheduled_time ASC NULLS FIRST, id ASC`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids), models.PostStatusScheduled, now)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	posts, err := collectPosts(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadAssociations(ctx, posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func (r *postRepository) ListByStatus(ctx context.Context, status string) ([]*models.ScheduledPost, error) {
	query := `SELECT ` + postColumns + ` FROM scheduled_posts WHERE status = $1 ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	return collectPosts(rows)
}

func collectPosts(rows *sql.Rows) ([]*models.ScheduledPost, error) {
	var posts []*models.ScheduledPost
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return posts, nil
}

// loadAssociations fills in targets (with their accounts) and media keys
// for the batch, so the publisher never goes back to the store mid-attempt.
func (r *postRepository) loadAssociations(ctx context.Context, posts []*models.ScheduledPost) error {
	if len(posts) == 0 {
		return nil
	}

	byID := make(map[int64]*models.ScheduledPost, len(posts))
	ids := make([]int64, 0, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}

	targetQuery := `SELECT
			t.id, t.post_id, t.account_id, t.platform_post_id, t.platform_post_url,
			t.is_published, t.last_error, t.published_at,
			a.id, a.user_id, a.platform, a.account_id, a.account_name, a.account_username,
			a.access_token, a.refresh_token, a.token_expires_at, a.created_at, a.updated_at
		FROM post_targets t
		JOIN social_accounts a ON a.id = t.account_id
		WHERE t.post_id = ANY($1)
		ORDER BY t.id ASC`

	rows, err := r.db.QueryContext(ctx, targetQuery, pq.Array(ids))
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var t models.PostTarget
		var a models.SocialAccount
		err := rows.Scan(&t.ID, &t.PostID, &t.AccountID, &t.PlatformPostID, &t.PlatformPostURL,
			&t.IsPublished, &t.LastError, &t.PublishedAt,
			&a.ID, &a.UserID, &a.Platform, &a.AccountID, &a.AccountName, &a.AccountUsername,
			&a.AccessToken, &a.RefreshToken, &a.TokenExpiresAt, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			slog.Info(err.Error())
			return err
		}
		t.Account = &a
		if post, ok := byID[t.PostID]; ok {
			post.Targets = append(post.Targets, &t)
		}
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return err
	}

	mediaQuery := `SELECT post_id, asset_key FROM post_media WHERE post_id = ANY($1) ORDER BY display_order ASC`
	mediaRows, err := r.db.QueryContext(ctx, mediaQuery, pq.Array(ids))
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	defer mediaRows.Close()

	for mediaRows.Next() {
		var postID int64
		var key string
		if err := mediaRows.Scan(&postID, &key); err != nil {
			slog.Info(err.Error())
			return err
		}
		if post, ok := byID[postID]; ok {
			post.MediaKeys = append(post.MediaKeys, key)
		}
	}
	if err := mediaRows.Err(); err != nil {
		slog.Info(err.Error())
		return err
	}

	return nil
}

func (r *postRepository) UpdateStatus(ctx context.Context, tx *sql.Tx, status string, postID int64) error {
	query := `UPDATE scheduled_posts SET status = $1, updated_at = $2 WHERE id = $3`

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, status, time.Now(), postID)
	} else {
		_, err = r.db.ExecContext(ctx, query, status, time.Now(), postID)
	}
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

// SetPublishAttempted claims the post for a publish attempt. The transition
// is conditional on the row still being scheduled, so a cancel or a
// concurrent publisher that committed after our due read wins the race and
// the claim reports false.
func (r *postRepository) SetPublishAttempted(ctx context.Context, postID int64, attemptedAt time.Time) (bool, error) {
	query := `UPDATE scheduled_posts
		SET status = $1, publish_attempted_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4`

	result, err := r.db.ExecContext(ctx, query, models.PostStatusPublishing, attemptedAt, postID, models.PostStatusScheduled)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affected == 1, nil
}

func (r *postRepository) UpdateOutcome(ctx context.Context, postID int64, status, lastError string, publishedAt time.Time) error {
	query := `UPDATE scheduled_posts
		SET status = $1,
			last_error = NULLIF($2, ''),
			published_at = CASE WHEN $1 = 'published' THEN $3 ELSE published_at END,
			updated_at = $3
		WHERE id = $4`

	_, err := r.db.ExecContext(ctx, query, status, lastError, publishedAt, postID)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *postRepository) SetScheduledTime(ctx context.Context, tx *sql.Tx, postID int64, scheduledTime time.Time) error {
	query := `UPDATE scheduled_posts SET scheduled_time = $1, updated_at = $2 WHERE id = $3`

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, scheduledTime, time.Now(), postID)
	} else {
		_, err = r.db.ExecContext(ctx, query, scheduledTime, time.Now(), postID)
	}
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
