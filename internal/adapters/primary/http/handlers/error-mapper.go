package handlers

import (
	"errors"
	"net/http"

	"incident-detector-service/internal/core/domain"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func mapDomainError(c *gin.Context, err error) {
	switch {
	// Bad request / validation errors
	case errors.Is(err, domain.ErrEmptyImage),
		errors.Is(err, domain.ErrInvalidImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	// Service unavailable errors
	case errors.Is(err, domain.ErrModelLoad),
		errors.Is(err, domain.ErrModelNotLoaded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": domain.ErrModelNotLoaded.Error(), "detail": err.Error()})

	// Upstream runtime errors
	case errors.Is(err, domain.ErrInference):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})

	default:
		log.WithError(err).Error("unhandled error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
