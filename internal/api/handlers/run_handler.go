package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/feedback-triage/backend/internal/middleware/validation"
	"github.com/feedback-triage/backend/internal/prompt"
	"github.com/feedback-triage/backend/internal/runs"
	"github.com/feedback-triage/backend/pkg/logger"
)

// DownloadName is the attachment name of every augmented table.
const DownloadName = "classified_feedback.csv"

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type RunHandler struct {
	manager *runs.Manager
}

func NewRunHandler(manager *runs.Manager) *RunHandler {
	return &RunHandler{
		manager: manager,
	}
}

func (h *RunHandler) CreateRun(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "A CSV file is required",
		})
	}

	body, err := file.Open()
	if err != nil {
		logger.Error("Failed to open upload", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read upload",
		})
	}
	defer body.Close()

	promptText, ok := c.Locals(validation.LocalPrompt).(string)
	if !ok {
		promptText = c.FormValue("prompt")
	}

	snap, err := h.manager.Start(runs.StartRequest{
		Filename: file.Filename,
		Body:     body,
		Schema:   c.FormValue("schema"),
		Prompt:   promptText,
		Column:   c.FormValue("column"),
	})
	switch {
	case errors.Is(err, runs.ErrInvalidInput):
		logger.Warn("Rejected run", zap.String("filename", file.Filename), zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, runs.ErrClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Server is shutting down",
		})
	case err != nil:
		logger.Error("Failed to start run", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start run",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(snap)
}

func (h *RunHandler) GetRun(c *fiber.Ctx) error {
	snap, err := h.manager.Get(c.Params("id"))
	if errors.Is(err, runs.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Run not found",
		})
	}
	if err != nil {
		logger.Error("Failed to get run", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get run",
		})
	}

	return c.JSON(snap)
}

func (h *RunHandler) ListRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	snaps, err := h.manager.List(limit)
	if err != nil {
		logger.Error("Failed to list runs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list runs",
		})
	}

	return c.JSON(fiber.Map{
		"runs":  snaps,
		"count": len(snaps),
	})
}

func (h *RunHandler) DownloadRun(c *fiber.Ctx) error {
	output, err := h.manager.Output(c.Params("id"))
	switch {
	case errors.Is(err, runs.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Run not found",
		})
	case errors.Is(err, runs.ErrNotReady):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Run is still in progress",
		})
	case errors.Is(err, runs.ErrFailed):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	case err != nil:
		logger.Error("Failed to load run output", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load run output",
		})
	}

	c.Attachment(DownloadName)
	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	return c.Send(output)
}

func (h *RunHandler) ListPrompts(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"prompts": prompt.All(),
	})
}
