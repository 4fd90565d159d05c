package service

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

type fakePostRepo struct {
	posts          map[int64]*models.ScheduledPost
	statusUpdates  map[int64]string
	scheduledTimes map[int64]time.Time
}

func (f *fakePostRepo) GetByID(ctx context.Context, id int64) (*models.ScheduledPost, error) {
	return f.posts[id], nil
}
func (f *fakePostRepo) GetWithAssociations(ctx context.Context, id int64) (*models.ScheduledPost, error) {
	return f.posts[id], nil
}
func (f *fakePostRepo) GetByIDForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.ScheduledPost, error) {
	return f.posts[id], nil
}
func (f *fakePostRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledPost, error) {
	return nil, nil
}
func (f *fakePostRepo) ListDueByIDs(ctx context.Context, ids []int64, now time.Time) ([]*models.ScheduledPost, error) {
	return nil, nil
}
func (f *fakePostRepo) ListByStatus(ctx context.Context, status string) ([]*models.ScheduledPost, error) {
	return nil, nil
}
func (f *fakePostRepo) UpdateStatus(ctx context.Context, tx *sql.Tx, status string, postID int64) error {
	f.statusUpdates[postID] = status
	return nil
}
func (f *fakePostRepo) SetPublishAttempted(ctx context.Context, postID int64, attemptedAt time.Time) (bool, error) {
	return true, nil
}
func (f *fakePostRepo) UpdateOutcome(ctx context.Context, postID int64, status, lastError string, publishedAt time.Time) error {
	return nil
}
func (f *fakePostRepo) SetScheduledTime(ctx context.Context, tx *sql.Tx, postID int64, scheduledTime time.Time) error {
	f.scheduledTimes[postID] = scheduledTime
	return nil
}

type fakeTargetRepo struct {
	targets map[int64]*models.PostTarget
	cleared []int64
}

func (f *fakeTargetRepo) GetByID(ctx context.Context, id int64) (*models.PostTarget, error) {
	return f.targets[id], nil
}
func (f *fakeTargetRepo) GetByIDForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.PostTarget, error) {
	return f.targets[id], nil
}
func (f *fakeTargetRepo) ListByPostID(ctx context.Context, postID int64) ([]*models.PostTarget, error) {
	return nil, nil
}
func (f *fakeTargetRepo) MarkPublished(ctx context.Context, id int64, platformPostID, platformPostURL string, publishedAt time.Time) error {
	return nil
}
func (f *fakeTargetRepo) SetError(ctx context.Context, id int64, message string) error {
	return nil
}
func (f *fakeTargetRepo) ClearError(ctx context.Context, tx *sql.Tx, id int64) error {
	f.cleared = append(f.cleared, id)
	return nil
}
func (f *fakeTargetRepo) SetErrorForUnpublishedByPostID(ctx context.Context, postID int64, message string) error {
	return nil
}

type fakePublisher struct {
	posts   []int64
	targets []int64
}

func (f *fakePublisher) PublishPost(ctx context.Context, post *models.ScheduledPost) error {
	f.posts = append(f.posts, post.ID)
	return nil
}
func (f *fakePublisher) PublishTarget(ctx context.Context, post *models.ScheduledPost, target *models.PostTarget) error {
	f.targets = append(f.targets, target.ID)
	return nil
}

type fakeIndex struct {
	scheduled   []int64
	cancelled   []int64
	rescheduled []int64
}

func (f *fakeIndex) Schedule(ctx context.Context, postID int64, at time.Time) {
	f.scheduled = append(f.scheduled, postID)
}
func (f *fakeIndex) Cancel(ctx context.Context, postID int64) {
	f.cancelled = append(f.cancelled, postID)
}
func (f *fakeIndex) Reschedule(ctx context.Context, postID int64, at time.Time) {
	f.rescheduled = append(f.rescheduled, postID)
}

type serviceFixture struct {
	svc   PostService
	pr    *fakePostRepo
	tr    *fakeTargetRepo
	pub   *fakePublisher
	index *fakeIndex
	mock  sqlmock.Sqlmock
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &serviceFixture{
		pr: &fakePostRepo{
			posts:          make(map[int64]*models.ScheduledPost),
			statusUpdates:  make(map[int64]string),
			scheduledTimes: make(map[int64]time.Time),
		},
		tr:    &fakeTargetRepo{targets: make(map[int64]*models.PostTarget)},
		pub:   &fakePublisher{},
		index: &fakeIndex{},
		mock:  mock,
	}
	f.svc = NewPostService(db, f.pr, f.tr, f.pub, f.index)
	return f
}

func (f *serviceFixture) addPost(id int64, status string) *models.ScheduledPost {
	post := &models.ScheduledPost{ID: id, Status: status}
	f.pr.posts[id] = post
	return post
}

func TestCancelScheduledPost(t *testing.T) {
	f := newServiceFixture(t)
	f.addPost(1, models.PostStatusScheduled)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	require.NoError(t, f.svc.CancelPost(context.Background(), 1))

	assert.Equal(t, models.PostStatusCancelled, f.pr.statusUpdates[1])
	assert.Equal(t, []int64{1}, f.index.cancelled)
}

func TestCancelPublishingPostRejected(t *testing.T) {
	f := newServiceFixture(t)
	f.addPost(1, models.PostStatusPublishing)
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	err := f.svc.CancelPost(context.Background(), 1)

	assert.ErrorIs(t, err, ErrNotScheduled)
	assert.Empty(t, f.pr.statusUpdates)
	assert.Empty(t, f.index.cancelled)
}

func TestCancelPublishedPostRejected(t *testing.T) {
	f := newServiceFixture(t)
	f.addPost(1, models.PostStatusPublished)
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	err := f.svc.CancelPost(context.Background(), 1)

	assert.ErrorIs(t, err, ErrNotScheduled)
	assert.Empty(t, f.pr.statusUpdates)
}

func TestCancelMissingPost(t *testing.T) {
	f := newServiceFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	err := f.svc.CancelPost(context.Background(), 42)
	assert.ErrorIs(t, err, ErrPostNotFound)
}

func TestRescheduleScheduledPost(t *testing.T) {
	f := newServiceFixture(t)
	f.addPost(1, models.PostStatusScheduled)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	at := time.Now().Add(time.Hour)
	require.NoError(t, f.svc.ReschedulePost(context.Background(), 1, at))

	assert.Equal(t, at, f.pr.scheduledTimes[1])
	assert.Equal(t, []int64{1}, f.index.rescheduled)
}

func TestRescheduleFailedPostRejected(t *testing.T) {
	f := newServiceFixture(t)
	f.addPost(1, models.PostStatusFailed)
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	err := f.svc.ReschedulePost(context.Background(), 1, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotScheduled)
}

func TestSchedulePostUpdatesIndex(t *testing.T) {
	f := newServiceFixture(t)
	f.addPost(1, models.PostStatusScheduled)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	at := time.Now().Add(time.Hour)
	require.NoError(t, f.svc.SchedulePost(context.Background(), 1, at))

	assert.Equal(t, []int64{1}, f.index.scheduled)
}

func TestPublishNowBypassesTimeCheck(t *testing.T) {
	f := newServiceFixture(t)
	post := f.addPost(1, models.PostStatusScheduled)
	post.ScheduledTime = sql.NullTime{Time: time.Now().Add(24 * time.Hour), Valid: true}

	require.NoError(t, f.svc.PublishNow(context.Background(), 1))

	assert.Equal(t, []int64{1}, f.pub.posts)
	assert.Equal(t, []int64{1}, f.index.cancelled, "index entry dropped before immediate publish")
}

func TestPublishNowRejectedWhenNotScheduled(t *testing.T) {
	f := newServiceFixture(t)
	f.addPost(1, models.PostStatusPublished)

	err := f.svc.PublishNow(context.Background(), 1)

	assert.ErrorIs(t, err, ErrNotScheduled)
	assert.Empty(t, f.pub.posts)
}

func TestRetryTargetRepublishes(t *testing.T) {
	f := newServiceFixture(t)
	f.addPost(1, models.PostStatusPublished)
	f.tr.targets[10] = &models.PostTarget{
		ID:        10,
		PostID:    1,
		LastError: sql.NullString{String: "boom", Valid: true},
	}
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	require.NoError(t, f.svc.RetryTarget(context.Background(), 10))

	assert.Equal(t, []int64{10}, f.tr.cleared)
	assert.Equal(t, []int64{10}, f.pub.targets)
}

func TestRetryPublishedTargetIsNoop(t *testing.T) {
	f := newServiceFixture(t)
	f.tr.targets[10] = &models.PostTarget{ID: 10, PostID: 1, IsPublished: true}
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	require.NoError(t, f.svc.RetryTarget(context.Background(), 10))

	assert.Empty(t, f.pub.targets)
	assert.Empty(t, f.tr.cleared)
}

func TestRetryTargetWithoutFailureRejected(t *testing.T) {
	f := newServiceFixture(t)
	f.tr.targets[10] = &models.PostTarget{ID: 10, PostID: 1}
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	err := f.svc.RetryTarget(context.Background(), 10)

	assert.ErrorIs(t, err, ErrTargetNotFailed)
	assert.Empty(t, f.pub.targets)
}

func TestRetryMissingTarget(t *testing.T) {
	f := newServiceFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	err := f.svc.RetryTarget(context.Background(), 99)
	assert.ErrorIs(t, err, ErrTargetNotFound)
}
