// Package scheduler runs the single long-lived loop that polls the store
// for due posts and hands each one to the publisher. One instance per
// process; the Redis lease guards against a second process double-publishing.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marqly/publisher/internal/models"
	"github.com/marqly/publisher/internal/repository"
)

const (
	StateStopped  = "stopped"
	StateRunning  = "running"
	StateStopping = "stopping"
)

type PostPublisher interface {
	PublishPost(ctx context.Context, post *models.ScheduledPost) error
}

// DueIndex is the best-effort acceleration index; nil disables it and the
// loop scans the store every tick.
type DueIndex interface {
	Due(ctx context.Context, now time.Time, limit int64) []int64
	MarkProcessing(ctx context.Context, postID int64)
	MarkDone(ctx context.Context, postID int64)
}

// Lease is the per-tick advisory lock; nil disables it for single-process
// deployments and tests. The loop extends it between posts, so a tick that
// outlives the TTL on slow platform calls keeps its exclusivity.
type Lease interface {
	Lock(ctx context.Context, ttl time.Duration) error
	Unlock(ctx context.Context) error
	ExtendLock(ctx context.Context, extension time.Duration) error
}

type Scheduler struct {
	pr       repository.PostRepository
	pub      PostPublisher
	index    DueIndex
	lease    Lease
	interval time.Duration
	batch    int
	leaseTTL time.Duration

	mu     sync.Mutex
	state  string
	stopCh chan struct{}
	doneCh chan struct{}
}

func New(pr repository.PostRepository, pub PostPublisher, index DueIndex, lease Lease, interval time.Duration, batch int, leaseTTL time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Scheduler{
		pr:       pr,
		pub:      pub,
		index:    index,
		lease:    lease,
		interval: interval,
		batch:    batch,
		leaseTTL: leaseTTL,
		state:    StateStopped,
	}
}

func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already %s", s.state)
	}
	s.state = StateRunning
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	slog.Info("scheduler started", "interval", s.interval.String())
	return nil
}

// Stop requests a cooperative shutdown. The in-flight publish is never
// interrupted; the loop exits once the current post finishes. Use Done to
// wait for it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = StateStopping
	close(s.stopCh)
	slog.Info("scheduler stop requested")
}

// Done is closed once the loop has fully exited.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.state = StateStopped
		close(s.doneCh)
		s.mu.Unlock()
		slog.Info("scheduler stopped")
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick finds due posts and processes them sequentially, earliest first.
// A failure in one post never aborts the rest of the tick or the loop.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler tick panicked", "panic", fmt.Sprint(r))
		}
	}()

	if s.lease != nil {
		if err := s.lease.Lock(ctx, s.leaseTTL); err != nil {
			slog.Info("scheduler lease not acquired, skipping tick", "error", err.Error())
			return
		}
		defer func() {
			if err := s.lease.Unlock(ctx); err != nil {
				slog.Info(err.Error())
			}
		}()
	}

	now := time.Now()
	posts, indexed := s.duePosts(ctx, now)
	if len(posts) == 0 {
		return
	}
	slog.Info("processing due posts", "count", len(posts), "via_index", indexed)

	for n, post := range posts {
		select {
		case <-s.stopCh:
			slog.Info("stop requested, abandoning remainder of tick", "post_id", post.ID)
			return
		default:
		}

		if s.lease != nil && n > 0 {
			if err := s.lease.ExtendLock(ctx, s.leaseTTL); err != nil {
				slog.Warn("scheduler lease lost mid-tick, abandoning remainder", "error", err.Error())
				return
			}
		}

		s.processPost(ctx, post)
	}
}

// duePosts consults the index first and verifies its ids against the store;
// the store predicate is the ground truth. An empty or unavailable index
// degrades to a direct store scan.
func (s *Scheduler) duePosts(ctx context.Context, now time.Time) ([]*models.ScheduledPost, bool) {
	if s.index != nil {
		ids := s.index.Due(ctx, now, int64(s.batch))
		if len(ids) > 0 {
			posts, err := s.pr.ListDueByIDs(ctx, ids, now)
			if err != nil {
				slog.Error("due posts lookup by ids failed", "error", err.Error())
				return nil, true
			}

			// Ids the store no longer considers due (cancelled, already
			// handled) are dropped from the index so they stop surfacing.
			due := make(map[int64]bool, len(posts))
			for _, p := range posts {
				due[p.ID] = true
			}
			for _, id := range ids {
				if !due[id] {
					s.index.MarkDone(ctx, id)
				}
			}
			return posts, true
		}
	}

	posts, err := s.pr.ListDue(ctx, now, s.batch)
	if err != nil {
		slog.Error("due posts scan failed", "error", err.Error())
		return nil, false
	}
	return posts, false
}

func (s *Scheduler) processPost(ctx context.Context, post *models.ScheduledPost) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("post processing panicked", "post_id", post.ID, "panic", fmt.Sprint(r))
		}
	}()

	if s.index != nil {
		s.index.MarkProcessing(ctx, post.ID)
		defer s.index.MarkDone(ctx, post.ID)
	}

	if err := s.pub.PublishPost(ctx, post); err != nil {
		slog.Error("post processing failed", "post_id", post.ID, "error", err.Error())
	}
}
