package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"transactive-network/internal/api/models"
	"transactive-network/internal/node"
)

// AssetHandler controls local assets
type AssetHandler struct {
	node Node
}

func NewAssetHandler(n Node) *AssetHandler {
	return &AssetHandler{node: n}
}

// SetEngagement handles POST /api/v1/assets/:name/engagement
func (h *AssetHandler) SetEngagement(c *gin.Context) {
	var req models.EngagementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: models.ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}
	name := c.Param("name")
	if err := h.node.SetEngagement(name, req.Start, *req.Engaged); err != nil {
		status, code := http.StatusInternalServerError, "ENGAGEMENT_FAILED"
		if errors.Is(err, node.ErrUnknownAsset) {
			status, code = http.StatusNotFound, "ASSET_NOT_FOUND"
		}
		c.JSON(status, models.ErrorResponse{
			Error: models.ErrorDetail{
				Code:    code,
				Message: err.Error(),
			},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": name, "start": req.Start.UTC(), "engaged": *req.Engaged})
}
