package recovery

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/marqly/publisher/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePostRepo struct {
	publishing []*models.ScheduledPost
	outcomes   map[int64]string
	outcomeErr map[int64]string
}

func (f *fakePostRepo) GetByID(ctx context.Context, id int64) (*models.ScheduledPost, error) {
	return nil, nil
}
func (f *fakePostRepo) GetWithAssociations(ctx context.Context, id int64) (*models.ScheduledPost, error) {
	return nil, nil
}
func (f *fakePostRepo) GetByIDForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.ScheduledPost, error) {
	return nil, nil
}
func (f *fakePostRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledPost, error) {
	return nil, nil
}
func (f *fakePostRepo) ListDueByIDs(ctx context.Context, ids []int64, now time.Time) ([]*models.ScheduledPost, error) {
	return nil, nil
}
func (f *fakePostRepo) ListByStatus(ctx context.Context, status string) ([]*models.ScheduledPost, error) {
	if status == models.PostStatusPublishing {
		return f.publishing, nil
	}
	return nil, nil
}
func (f *fakePostRepo) UpdateStatus(ctx context.Context, tx *sql.Tx, status string, postID int64) error {
	return nil
}
func (f *fakePostRepo) SetPublishAttempted(ctx context.Context, postID int64, attemptedAt time.Time) (bool, error) {
	return true, nil
}
func (f *fakePostRepo) UpdateOutcome(ctx context.Context, postID int64, status, lastError string, publishedAt time.Time) error {
	f.outcomes[postID] = status
	f.outcomeErr[postID] = lastError
	return nil
}
func (f *fakePostRepo) SetScheduledTime(ctx context.Context, tx *sql.Tx, postID int64, scheduledTime time.Time) error {
	return nil
}

type fakeTargetRepo struct {
	interrupted map[int64]string
}

func (f *fakeTargetRepo) GetByID(ctx context.Context, id int64) (*models.PostTarget, error) {
	return nil, nil
}
func (f *fakeTargetRepo) GetByIDForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.PostTarget, error) {
	return nil, nil
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
	return nil
}
func (f *fakeTargetRepo) SetErrorForUnpublishedByPostID(ctx context.Context, postID int64, message string) error {
	f.interrupted[postID] = message
	return nil
}

type fakeStaleIndex struct {
	calls int
}

func (f *fakeStaleIndex) RecoverStale(ctx context.Context, maxAge time.Duration) int {
	f.calls++
	return 0
}

type fakeStoppable struct {
	stopped bool
	done    chan struct{}
}

func (f *fakeStoppable) Stop()                 { f.stopped = true }
func (f *fakeStoppable) Done() <-chan struct{} { return f.done }

func TestStartupFailsInterruptedPosts(t *testing.T) {
	pr := &fakePostRepo{
		publishing: []*models.ScheduledPost{
			{ID: 1, Status: models.PostStatusPublishing},
			{ID: 2, Status: models.PostStatusPublishing},
		},
		outcomes:   make(map[int64]string),
		outcomeErr: make(map[int64]string),
	}
	tr := &fakeTargetRepo{interrupted: make(map[int64]string)}
	index := &fakeStaleIndex{}

	m := NewManager(pr, tr, index, time.Second)
	require.NoError(t, m.RecoverOnStartup(context.Background()))

	for _, id := range []int64{1, 2} {
		assert.Equal(t, models.PostStatusFailed, pr.outcomes[id])
		assert.Contains(t, pr.outcomeErr[id], "interrupted")
		assert.Contains(t, tr.interrupted[id], "interrupted")
	}
	assert.Equal(t, 1, index.calls)
}

func TestStartupNoopWithoutInterruptedPosts(t *testing.T) {
	pr := &fakePostRepo{
		outcomes:   make(map[int64]string),
		outcomeErr: make(map[int64]string),
	}
	tr := &fakeTargetRepo{interrupted: make(map[int64]string)}

	m := NewManager(pr, tr, nil, time.Second)
	require.NoError(t, m.RecoverOnStartup(context.Background()))

	assert.Empty(t, pr.outcomes)
}

func TestShutdownWaitsForDrain(t *testing.T) {
	pr := &fakePostRepo{outcomes: make(map[int64]string), outcomeErr: make(map[int64]string)}
	tr := &fakeTargetRepo{interrupted: make(map[int64]string)}
	m := NewManager(pr, tr, nil, 2*time.Second)

	s := &fakeStoppable{done: make(chan struct{})}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(s.done)
	}()

	start := time.Now()
	m.ShutdownWithGrace(s)

	assert.True(t, s.stopped)
	assert.Less(t, time.Since(start), time.Second, "should return as soon as the scheduler drains")
}

func TestShutdownGivesUpAfterGrace(t *testing.T) {
	pr := &fakePostRepo{outcomes: make(map[int64]string), outcomeErr: make(map[int64]string)}
	tr := &fakeTargetRepo{interrupted: make(map[int64]string)}
	m := NewManager(pr, tr, nil, 50*time.Millisecond)

	s := &fakeStoppable{done: make(chan struct{})}

	start := time.Now()
	m.ShutdownWithGrace(s)

	assert.True(t, s.stopped)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}
