// Package recovery resolves work left mid-flight by a prior process
// lifetime. A post found in "publishing" at boot is conservatively failed;
// this subsystem never guesses whether a crashed publish reached the
// platform. At shutdown it grants the in-flight tick a bounded grace period.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/marqly/publisher/internal/models"
	"github.com/marqly/publisher/internal/repository"
)

const InterruptedError = "interrupted by restart"

// staleAge is how long an index "processing" entry may sit unclaimed before
// startup recovery requeues it.
const staleAge = 15 * time.Minute

type StaleIndex interface {
	RecoverStale(ctx context.Context, maxAge time.Duration) int
}

type Stoppable interface {
	Stop()
	Done() <-chan struct{}
}

type Manager struct {
	pr    repository.PostRepository
	tr    repository.TargetRepository
	index StaleIndex
	grace time.Duration
}

func NewManager(pr repository.PostRepository, tr repository.TargetRepository, index StaleIndex, grace time.Duration) *Manager {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Manager{
		pr:    pr,
		tr:    tr,
		index: index,
		grace: grace,
	}
}

// RecoverOnStartup fails every post a previous process left in "publishing",
// regardless of how far its targets got, and requeues stale index entries.
func (m *Manager) RecoverOnStartup(ctx context.Context) error {
	interrupted, err := m.pr.ListByStatus(ctx, models.PostStatusPublishing)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, post := range interrupted {
		if err := m.pr.UpdateOutcome(ctx, post.ID, models.PostStatusFailed, InterruptedError, now); err != nil {
			return err
		}
		if err := m.tr.SetErrorForUnpublishedByPostID(ctx, post.ID, InterruptedError); err != nil {
			return err
		}
		slog.Warn("recovered post interrupted by restart", "post_id", post.ID)
	}

	if m.index != nil {
		m.index.RecoverStale(ctx, staleAge)
	}

	if len(interrupted) > 0 {
		slog.Info("startup recovery finished", "failed_posts", len(interrupted))
	}
	return nil
}

// ShutdownWithGrace stops the scheduler and waits up to the grace period for
// the in-flight tick to finish. On timeout the process exits anyway and the
// next boot's startup recovery picks up whatever was torn down.
func (m *Manager) ShutdownWithGrace(s Stoppable) {
	s.Stop()

	select {
	case <-s.Done():
		slog.Info("scheduler drained before shutdown")
	case <-time.After(m.grace):
		slog.Warn("shutdown grace elapsed with tick still in flight, exiting anyway", "grace", m.grace.String())
	}
}
