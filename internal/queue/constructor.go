package queue

import (
	"github.com/marqly/publisher/internal/service"
)

// Queue processes publish-now tasks off the asynq worker so HTTP requests
// return without blocking on platform calls.
type Queue struct {
	ps service.PostService
}

func NewQueue(ps service.PostService) *Queue {
	return &Queue{ps: ps}
}

const TaskTypePublishNow = "publish:now"

type PublishNowPayload struct {
	PostID int64 `json:"post_id"`
}
