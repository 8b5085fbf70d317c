package handlers

import (
	"net/http"

	"incident-detector-service/internal/adapters/primary/http/dto"

	"github.com/gin-gonic/gin"
)

// SyncArtifacts brings the model and labels up to date without predicting.
func (h *Handler) SyncArtifacts(c *gin.Context) {
	reports := h.predictionSvc.Sync(c.Request.Context())
	c.JSON(http.StatusOK, dto.ToSyncResponse(reports))
}

func (h *Handler) GetModelStatus(c *gin.Context) {
	c.JSON(http.StatusOK, dto.ToModelStatusResponse(h.predictionSvc.ModelStatus()))
}

// InvalidateModel drops the live model; the next prediction reloads it from disk.
func (h *Handler) InvalidateModel(c *gin.Context) {
	h.predictionSvc.InvalidateModel()
	c.JSON(http.StatusAccepted, gin.H{"status": "invalidated"})
}
