package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/feedback-triage/backend/internal/runs"
	"github.com/feedback-triage/backend/pkg/logger"
)

type WebSocketHandler struct {
	manager *runs.Manager
}

func NewWebSocketHandler(manager *runs.Manager) *WebSocketHandler {
	return &WebSocketHandler{
		manager: manager,
	}
}

// Upgrade rejects plain HTTP requests on the progress route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleConnection streams progress snapshots of one run until it finishes
// or the client goes away.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	id := c.Params("id")
	logger.Debug("Progress stream opened", zap.String("run_id", id))

	defer func() {
		c.Close()
		logger.Debug("Progress stream closed", zap.String("run_id", id))
	}()

	updates, cancel, err := h.manager.Subscribe(id)
	if err != nil {
		msg := "Failed to load run"
		if errors.Is(err, runs.ErrNotFound) {
			msg = "Run not found"
		}
		h.sendError(c, msg)
		return
	}
	defer cancel()

	// Drain client frames so a closed socket is noticed between updates.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := h.sendSnapshot(c, snap); err != nil {
				logger.Debug("Failed to send progress", zap.String("run_id", id), zap.Error(err))
				return
			}
		case <-gone:
			return
		}
	}
}

func (h *WebSocketHandler) sendSnapshot(c *websocket.Conn, snap runs.Snapshot) error {
	msgType := "progress"
	if snap.Finished() {
		msgType = "complete"
	}

	msg := map[string]interface{}{
		"type": msgType,
		"run":  snap,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
