package queue

import (
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

func EnqueuePublishNow(asynqClient *asynq.Client, payload PublishNowPayload) error {
	taskPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypePublishNow, taskPayload)

	_, err = asynqClient.Enqueue(task)
	if err != nil {
		return err
	}

	slog.Info("publish-now task enqueued", "post_id", payload.PostID)
	return nil
}
