package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"transactive-network/internal/api/models"
	"transactive-network/internal/data"
	"transactive-network/internal/model"
)

// TelemetryHandler accepts pushed meter readings
type TelemetryHandler struct {
	store *data.Store
	now   func() time.Time
}

func NewTelemetryHandler(store *data.Store) *TelemetryHandler {
	return &TelemetryHandler{store: store, now: time.Now}
}

func disabled(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
		Error: models.ErrorDetail{
			Code:    "TELEMETRY_DISABLED",
			Message: "this node keeps no telemetry store",
		},
	})
}

// PostTelemetry handles POST /api/v1/telemetry
func (h *TelemetryHandler) PostTelemetry(c *gin.Context) {
	if h.store == nil {
		disabled(c)
		return
	}
	var req models.TelemetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: models.ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}
	now := h.now().UTC()
	for _, r := range req.Readings {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = now
		}
		h.store.Set(data.Reading{
			Owner:     r.Owner,
			Kind:      model.MeasurementKind(r.Kind),
			Value:     r.Value,
			Timestamp: ts,
		})
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(req.Readings)})
}

// ClearTelemetry handles DELETE /api/v1/telemetry. Models fall back to their
// defaults until new readings arrive.
func (h *TelemetryHandler) ClearTelemetry(c *gin.Context) {
	if h.store == nil {
		disabled(c)
		return
	}
	h.store.Clear()
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
