package handlers

import (
	"incident-detector-service/internal/core/services"

	"github.com/gin-gonic/gin"
)

const defaultMaxUploadBytes = 10 << 20

type Handler struct {
	predictionSvc  *services.PredictionService
	maxUploadBytes int64
}

func New(predictionSvc *services.PredictionService, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{
		predictionSvc:  predictionSvc,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/", h.Root)

	// Prediction
	r.POST("/predict", h.Predict)

	// Admin
	r.POST("/admin/sync", h.SyncArtifacts)
	r.GET("/admin/model", h.GetModelStatus)
	r.POST("/admin/model/invalidate", h.InvalidateModel)
}
