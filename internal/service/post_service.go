package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marqly/publisher/internal/models"
	"github.com/marqly/publisher/internal/repository"
)

var (
	ErrPostNotFound    = errors.New("post not found")
	ErrTargetNotFound  = errors.New("target not found")
	ErrNotScheduled    = errors.New("post is not in scheduled state")
	ErrTargetNotFailed = errors.New("target has no recorded failure")
)

// Publisher is the per-post / per-target publish procedure.
type Publisher interface {
	PublishPost(ctx context.Context, post *models.ScheduledPost) error
	PublishTarget(ctx context.Context, post *models.ScheduledPost, target *models.PostTarget) error
}

// ScheduleIndex mirrors the time index operations the manual actions touch;
// nil disables index upkeep.
type ScheduleIndex interface {
	Schedule(ctx context.Context, postID int64, at time.Time)
	Cancel(ctx context.Context, postID int64)
	Reschedule(ctx context.Context, postID int64, at time.Time)
}

// PostService exposes the externally triggered operations: schedule, cancel,
// reschedule, publish-now and per-target retry. Mutating operations take a
// row lock so they cannot race the scheduler loop on the same post.
type PostService interface {
	SchedulePost(ctx context.Context, postID int64, at time.Time) error
	CancelPost(ctx context.Context, postID int64) error
	ReschedulePost(ctx context.Context, postID int64, at time.Time) error
	PublishNow(ctx context.Context, postID int64) error
	RetryTarget(ctx context.Context, targetID int64) error
	PostInfo(ctx context.Context, postID int64) (*models.ScheduledPost, error)
}

type postService struct {
	db    *sql.DB
	pr    repository.PostRepository
	tr    repository.TargetRepository
	pub   Publisher
	index ScheduleIndex
}

func NewPostService(db *sql.DB, pr repository.PostRepository, tr repository.TargetRepository, pub Publisher, index ScheduleIndex) PostService {
	return &postService{
		db:    db,
		pr:    pr,
		tr:    tr,
		pub:   pub,
		index: index,
	}
}

func (s *postService) PostInfo(ctx context.Context, postID int64) (*models.ScheduledPost, error) {
	post, err := s.pr.GetWithAssociations(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, ErrPostNotFound
	}
	return post, nil
}

func (s *postService) SchedulePost(ctx context.Context, postID int64, at time.Time) error {
	err := s.withLockedPost(ctx, postID, func(tx *sql.Tx, post *models.ScheduledPost) error {
		if post.Status != models.PostStatusScheduled {
			return fmt.Errorf("%w: status is %s", ErrNotScheduled, post.Status)
		}
		return s.pr.SetScheduledTime(ctx, tx, postID, at)
	})
	if err != nil {
		return err
	}

	if s.index != nil {
		s.index.Schedule(ctx, postID, at)
	}
	slog.Info("post scheduled", "post_id", postID, "scheduled_time", at)
	return nil
}

// CancelPost rejects posts that have started or finished publishing; only a
// still-scheduled post can be cancelled.
func (s *postService) CancelPost(ctx context.Context, postID int64) error {
	err := s.withLockedPost(ctx, postID, func(tx *sql.Tx, post *models.ScheduledPost) error {
		if post.Status != models.PostStatusScheduled {
			return fmt.Errorf("%w: cannot cancel post in status %s", ErrNotScheduled, post.Status)
		}
		return s.pr.UpdateStatus(ctx, tx, models.PostStatusCancelled, postID)
	})
	if err != nil {
		return err
	}

	if s.index != nil {
		s.index.Cancel(ctx, postID)
	}
	slog.Info("post cancelled", "post_id", postID)
	return nil
}

func (s *postService) ReschedulePost(ctx context.Context, postID int64, at time.Time) error {
	err := s.withLockedPost(ctx, postID, func(tx *sql.Tx, post *models.ScheduledPost) error {
		if post.Status != models.PostStatusScheduled {
			return fmt.Errorf("%w: cannot reschedule post in status %s", ErrNotScheduled, post.Status)
		}
		return s.pr.SetScheduledTime(ctx, tx, postID, at)
	})
	if err != nil {
		return err
	}

	if s.index != nil {
		s.index.Reschedule(ctx, postID, at)
	}
	slog.Info("post rescheduled", "post_id", postID, "scheduled_time", at)
	return nil
}

// PublishNow bypasses the time check and runs the publish procedure for a
// still-scheduled post immediately.
func (s *postService) PublishNow(ctx context.Context, postID int64) error {
	post, err := s.pr.GetWithAssociations(ctx, postID)
	if err != nil {
		return err
	}
	if post == nil {
		return ErrPostNotFound
	}
	if post.Status != models.PostStatusScheduled {
		return fmt.Errorf("%w: cannot publish post in status %s", ErrNotScheduled, post.Status)
	}

	if s.index != nil {
		s.index.Cancel(ctx, postID)
	}
	return s.pub.PublishPost(ctx, post)
}

// RetryTarget re-runs the per-target procedure for one failed, unpublished
// target. A retry on an already-published target is a no-op.
func (s *postService) RetryTarget(ctx context.Context, targetID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	defer tx.Rollback()

	target, err := s.tr.GetByIDForUpdate(ctx, tx, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		return ErrTargetNotFound
	}
	if target.IsPublished {
		return nil
	}
	if !target.LastError.Valid {
		return ErrTargetNotFailed
	}

	if err := s.tr.ClearError(ctx, tx, targetID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		slog.Info(err.Error())
		return err
	}
	target.LastError.Valid = false
	target.LastError.String = ""

	post, err := s.pr.GetWithAssociations(ctx, target.PostID)
	if err != nil {
		return err
	}
	if post == nil {
		return ErrPostNotFound
	}

	slog.Info("retrying target", "target_id", targetID, "post_id", post.ID)
	return s.pub.PublishTarget(ctx, post, target)
}

func (s *postService) withLockedPost(ctx context.Context, postID int64, fn func(tx *sql.Tx, post *models.ScheduledPost) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	defer tx.Rollback()

	post, err := s.pr.GetByIDForUpdate(ctx, tx, postID)
	if err != nil {
		return err
	}
	if post == nil {
		return ErrPostNotFound
	}

	if err := fn(tx, post); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
