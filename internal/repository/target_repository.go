package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/marqly/publisher/internal/models"
)

type TargetRepository interface {
	GetByID(ctx context.Context, id int64) (*models.PostTarget, error)
	GetByIDForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.PostTarget, error)
	ListByPostID(ctx context.Context, postID int64) ([]*models.PostTarget, error)
	MarkPublished(ctx context.Context, id int64, platformPostID, platformPostURL string, publishedAt time.Time) error
	SetError(ctx context.Context, id int64, message string) error
	ClearError(ctx context.Context, tx *sql.Tx, id int64) error
	SetErrorForUnpublishedByPostID(ctx context.Context, postID int64, message string) error
}

type targetRepository struct {
	db *sql.DB
}

func NewTargetRepository(db *sql.DB) TargetRepository {
	return &targetRepository{db: db}
}

const targetColumns = `id, post_id, account_id, platform_post_id, platform_post_url, is_published, last_error, published_at`

func scanTarget(row interface{ Scan(...any) error }) (*models.PostTarget, error) {
	var t models.PostTarget
	err := row.Scan(&t.ID, &t.PostID, &t.AccountID, &t.PlatformPostID,
		&t.PlatformPostURL, &t.IsPublished, &t.LastError, &t.PublishedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *targetRepository) GetByID(ctx context.Context, id int64) (*models.PostTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM post_targets WHERE id = $1`
	t, err := scanTarget(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return t, nil
}

func (r *targetRepository) GetByIDForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.PostTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM post_targets WHERE id = $1 FOR UPDATE`
	t, err := scanTarget(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return t, nil
}

func (r *targetRepository) ListByPostID(ctx context.Context, postID int64) ([]*models.PostTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM post_targets WHERE post_id = $1 ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, postID)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var targets []*models.PostTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return targets, nil
}

func (r *targetRepository) MarkPublished(ctx context.Context, id int64, platformPostID, platformPostURL string, publishedAt time.Time) error {
	query := `UPDATE post_targets
		SET is_published = TRUE,
			platform_post_id = $1,
			platform_post_url = NULLIF($2, ''),
			last_error = NULL,
			published_at = $3
		WHERE id = $4`

	_, err := r.db.ExecContext(ctx, query, platformPostID, platformPostURL, publishedAt, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *targetRepository) SetError(ctx context.Context, id int64, message string) error {
	query := `UPDATE post_targets SET last_error = $1 WHERE id = $2`

	_, err := r.db.ExecContext(ctx, query, message, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *targetRepository) ClearError(ctx context.Context, tx *sql.Tx, id int64) error {
	query := `UPDATE post_targets SET last_error = NULL WHERE id = $1`

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, id)
	} else {
		_, err = r.db.ExecContext(ctx, query, id)
	}
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *targetRepository) SetErrorForUnpublishedByPostID(ctx context.Context, postID int64, message string) error {
	query := `UPDATE post_targets SET last_error = $1 WHERE post_id = $2 AND is_published = FALSE`

	_, err := r.db.ExecContext(ctx, query, message, postID)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
