package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/marqly/publisher/internal/service"
)

func (q *Queue) HandlePublishNowTask(ctx context.Context, task *asynq.Task) error {
	var payload PublishNowPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	err := q.ps.PublishNow(ctx, payload.PostID)
	if err != nil {
		// The post moved on (cancelled, already publishing) between enqueue
		// and processing; nothing left to do, do not retry the task.
		if errors.Is(err, service.ErrNotScheduled) || errors.Is(err, service.ErrPostNotFound) {
			slog.Info("publish-now task skipped", "post_id", payload.PostID, "reason", err.Error())
			return nil
		}
		return err
	}

	return nil
}
