package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/marqly/publisher/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var postCols = []string{
	"id", "user_id", "content", "scheduled_time", "status",
	"publish_attempted_at", "published_at", "last_error", "created_at", "updated_at",
}

func addPostRow(rows *sqlmock.Rows, id int64, status string, scheduledTime time.Time) {
	now := time.Now()
	rows.AddRow(id, int64(7), "hello", scheduledTime, status, nil, nil, nil, now, now)
}

func emptyAssociations(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("FROM post_targets").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FROM post_media").
		WillReturnRows(sqlmock.NewRows([]string{"post_id", "asset_key"}))
}

func TestGetByIDMissingPost(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .+ FROM scheduled_posts WHERE id").
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	repo := NewPostRepository(db)
	post, err := repo.GetByID(context.Background(), 7)

	require.NoError(t, err)
	assert.Nil(t, post)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueFiltersByStatusAndTime(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(postCols)
	addPostRow(rows, 1, models.PostStatusScheduled, now.Add(-2*time.Minute))
	addPostRow(rows, 2, models.PostStatusScheduled, now.Add(-time.Minute))

	mock.ExpectQuery(`WHERE status = \$1 AND \(scheduled_time IS NULL OR scheduled_time <= \$2\)`).
		WithArgs(models.PostStatusScheduled, now, 50).
		WillReturnRows(rows)
	emptyAssociations(mock)

	repo := NewPostRepository(db)
	posts, err := repo.ListDue(context.Background(), now, 50)

	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, int64(1), posts[0].ID)
	assert.Equal(t, int64(2), posts[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueLoadsTargetsAndMedia(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(postCols)
	addPostRow(rows, 1, models.PostStatusScheduled, now.Add(-time.Minute))
	mock.ExpectQuery("FROM scheduled_posts").WillReturnRows(rows)

	targetCols := []string{
		"t_id", "post_id", "account_id", "platform_post_id", "platform_post_url",
		"is_published", "last_error", "published_at",
		"a_id", "user_id", "platform", "ext_account_id", "account_name", "account_username",
		"access_token", "refresh_token", "token_expires_at", "created_at", "updated_at",
	}
	targetRows := sqlmock.NewRows(targetCols).
		AddRow(10, 1, 100, nil, nil, false, nil, nil,
			100, int64(7), models.PlatformTwitter, "acct_ext", "Marqly", "marqly",
			"enc-access", "enc-refresh", now.Add(time.Hour), now, now)
	mock.ExpectQuery("FROM post_targets").WillReturnRows(targetRows)

	mediaRows := sqlmock.NewRows([]string{"post_id", "asset_key"}).
		AddRow(1, "media/one.png").
		AddRow(1, "media/two.mp4")
	mock.ExpectQuery("FROM post_media").WillReturnRows(mediaRows)

	repo := NewPostRepository(db)
	posts, err := repo.ListDue(context.Background(), now, 10)

	require.NoError(t, err)
	require.Len(t, posts, 1)
	require.Len(t, posts[0].Targets, 1)
	target := posts[0].Targets[0]
	assert.Equal(t, int64(10), target.ID)
	require.NotNil(t, target.Account)
	assert.Equal(t, models.PlatformTwitter, target.Account.Platform)
	assert.Equal(t, "enc-access", target.Account.AccessToken)
	assert.Equal(t, []string{"media/one.png", "media/two.mp4"}, posts[0].MediaKeys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueByIDsEmptySkipsQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostRepository(db)
	posts, err := repo.ListDueByIDs(context.Background(), nil, time.Now())

	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueByIDsRechecksDuePredicate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(postCols)
	addPostRow(rows, 2, models.PostStatusScheduled, now.Add(-time.Minute))

	mock.ExpectQuery(`WHERE id = ANY\(\$1\) AND status = \$2`).
		WillReturnRows(rows)
	emptyAssociations(mock)

	repo := NewPostRepository(db)
	posts, err := repo.ListDueByIDs(context.Background(), []int64{2, 3}, now)

	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, int64(2), posts[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDForUpdateLocksRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(postCols)
	addPostRow(rows, 5, models.PostStatusScheduled, now)

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(5)).
		WillReturnRows(rows)
	mock.ExpectRollback()

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()

	repo := NewPostRepository(db)
	post, err := repo.GetByIDForUpdate(context.Background(), tx, 5)

	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, int64(5), post.ID)
}

func TestUpdateOutcomeClearsErrorWhenEmpty(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	publishedAt := time.Now()
	mock.ExpectExec(`last_error = NULLIF\(\$2, ''\)`).
		WithArgs(models.PostStatusPublished, "", publishedAt, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostRepository(db)
	err = repo.UpdateOutcome(context.Background(), 1, models.PostStatusPublished, "", publishedAt)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPublishAttemptedClaimsScheduledRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	attemptedAt := time.Now()
	mock.ExpectExec(`(?s)SET status = \$1, publish_attempted_at = \$2.+WHERE id = \$3 AND status = \$4`).
		WithArgs(models.PostStatusPublishing, attemptedAt, int64(3), models.PostStatusScheduled).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostRepository(db)
	claimed, err := repo.SetPublishAttempted(context.Background(), 3, attemptedAt)

	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPublishAttemptedLosesWhenRowMovedOn(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`WHERE id = \$3 AND status = \$4`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewPostRepository(db)
	claimed, err := repo.SetPublishAttempted(context.Background(), 3, time.Now())

	require.NoError(t, err)
	assert.False(t, claimed, "a cancelled or already-claimed row must not be claimed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusInsideTransaction(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE scheduled_posts SET status = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)

	repo := NewPostRepository(db)
	require.NoError(t, repo.UpdateStatus(context.Background(), tx, models.PostStatusCancelled, 9))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}
