package handlers

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/marqly/publisher/internal/queue"
	"github.com/marqly/publisher/internal/service"
)

type PostHandler struct {
	s           service.PostService
	AsynqClient *asynq.Client
}

func NewPostHandler(s service.PostService, asynqClient *asynq.Client) *PostHandler {
	return &PostHandler{s: s, AsynqClient: asynqClient}
}

type scheduleRequest struct {
	ScheduledTime string `json:"scheduled_time"`
}

func (h *PostHandler) GetPost(c *fiber.Ctx) error {
	postID, err := pathID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid post id"})
	}

	post, err := h.s.PostInfo(c.Context(), postID)
	if err != nil {
		return statusForError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(post)
}

func (h *PostHandler) SchedulePost(c *fiber.Ctx) error {
	postID, err := pathID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid post id"})
	}

	at, err := parseScheduledTime(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := h.s.SchedulePost(c.Context(), postID, at); err != nil {
		return statusForError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Post scheduled successfully"})
}

func (h *PostHandler) CancelPost(c *fiber.Ctx) error {
	postID, err := pathID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid post id"})
	}

	if err := h.s.CancelPost(c.Context(), postID); err != nil {
		return statusForError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Post cancelled"})
}

func (h *PostHandler) ReschedulePost(c *fiber.Ctx) error {
	postID, err := pathID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid post id"})
	}

	at, err := parseScheduledTime(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := h.s.ReschedulePost(c.Context(), postID, at); err != nil {
		return statusForError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Post rescheduled"})
}

func (h *PostHandler) PublishNow(c *fiber.Ctx) error {
	postID, err := pathID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid post id"})
	}

	err = queue.EnqueuePublishNow(h.AsynqClient, queue.PublishNowPayload{PostID: postID})
	if err != nil {
		slog.Error(err.Error())
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Error dispatching publish"})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": "Publish dispatched"})
}

func (h *PostHandler) RetryTarget(c *fiber.Ctx) error {
	targetID, err := pathID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid target id"})
	}

	if err := h.s.RetryTarget(c.Context(), targetID); err != nil {
		return statusForError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Target retried"})
}

func parseScheduledTime(c *fiber.Ctx) (time.Time, error) {
	var req scheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return time.Time{}, errors.New("unable to parse request body")
	}

	at, err := time.Parse(time.RFC3339, req.ScheduledTime)
	if err != nil {
		return time.Time{}, errors.New("scheduled_time must be RFC3339")
	}
	return at, nil
}

func statusForError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrPostNotFound), errors.Is(err, service.ErrTargetNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotScheduled), errors.Is(err, service.ErrTargetNotFailed):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		slog.Error(err.Error())
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
}
