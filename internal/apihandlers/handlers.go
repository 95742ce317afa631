package apihandlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"convoy/internal/app"
	"convoy/internal/models"

	"github.com/gin-gonic/gin"
)

type APIHandler struct {
	App *app.App
}

func NewAPIHandler(a *app.App) *APIHandler {
	return &APIHandler{App: a}
}

// RegisterRoutes mounts the operator API under /api/v1.
func (h *APIHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/batch", h.LoadBatchHandler)
		v1.GET("/state", h.StateHandler)

		schedulerGroup := v1.Group("/scheduler")
		{
			schedulerGroup.POST("/start", h.StartHandler)
			schedulerGroup.POST("/pause", h.PauseHandler)
			schedulerGroup.PUT("/limit", h.SetLimitHandler)
		}

		v1.POST("/items/:id/cancel", h.CancelItemHandler)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

type batchItemRequest struct {
	RequestID    string          `json:"request_id"`
	DocumentType string          `json:"document_type"`
	Payload      json.RawMessage `json:"payload"`
}

type loadBatchRequest struct {
	Items []batchItemRequest `json:"items"`
}

// LoadBatchHandler replaces the current queue with a fresh batch. Items are
// queued in the order given.
func (h *APIHandler) LoadBatchHandler(c *gin.Context) {
	var req loadBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Items) == 0 {
		BadRequest(c, "Batch must contain at least one item")
		return
	}

	descs := make([]models.WorkDescriptor, 0, len(req.Items))
	for _, item := range req.Items {
		descs = append(descs, models.WorkDescriptor{
			RequestID:    item.RequestID,
			DocumentType: item.DocumentType,
			Payload:      item.Payload,
		})
	}

	if err := h.App.Scheduler.LoadBatch(descs); err != nil {
		if errors.Is(err, models.ErrBatchInFlight) {
			Conflict(c, "Cannot replace the batch while items are in flight")
			return
		}
		Internal(c, fmt.Sprintf("LoadBatchHandler: failed to load batch: %v", err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": h.App.Scheduler.Snapshot()})
}

// StartHandler enables admission.
func (h *APIHandler) StartHandler(c *gin.Context) {
	h.App.Scheduler.Start()
	c.JSON(http.StatusOK, gin.H{"data": h.App.Scheduler.Snapshot()})
}

// PauseHandler blocks further admission without touching active items.
func (h *APIHandler) PauseHandler(c *gin.Context) {
	h.App.Scheduler.Pause()
	c.JSON(http.StatusOK, gin.H{"data": h.App.Scheduler.Snapshot()})
}

type setLimitRequest struct {
	Limit int `json:"limit"`
}

// SetLimitHandler changes the concurrency ceiling at runtime.
func (h *APIHandler) SetLimitHandler(c *gin.Context) {
	var req setLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	if err := h.App.Scheduler.SetConcurrencyLimit(req.Limit); err != nil {
		if errors.Is(err, models.ErrInvalidLimit) {
			BadRequest(c, err.Error())
			return
		}
		Internal(c, fmt.Sprintf("SetLimitHandler: failed to set limit: %v", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": h.App.Scheduler.Snapshot()})
}

// CancelItemHandler cancels one active item.
func (h *APIHandler) CancelItemHandler(c *gin.Context) {
	id := c.Param("id")
	if err := h.App.Scheduler.Cancel(id); err != nil {
		if errors.Is(err, models.ErrNotActive) {
			NotFound(c, fmt.Sprintf("Item %s is not active", id))
			return
		}
		Internal(c, fmt.Sprintf("CancelItemHandler: failed to cancel item: %v", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": h.App.Scheduler.Snapshot()})
}

// StateHandler returns the full observable snapshot, including derived
// metrics.
func (h *APIHandler) StateHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.App.Scheduler.Snapshot()})
}
