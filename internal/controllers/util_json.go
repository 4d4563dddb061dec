package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/historia/internal/middleware"
	"github.com/osvaldoandrade/historia/internal/services"
	"github.com/osvaldoandrade/historia/pkg/domain"

	"github.com/gin-gonic/gin"
)

// errorStatus maps service sentinels to HTTP codes. Unknown errors are 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, services.ErrTaskNotFound), errors.Is(err, services.ErrNotShared):
		return http.StatusNotFound
	case errors.Is(err, services.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := errorStatus(err)
	msg := err.Error()
	switch status {
	case http.StatusUnauthorized:
		msg = "Unauthorized"
	case http.StatusInternalServerError:
		middleware.RequestLogger(c).Error("request failed", "err", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

func ownerOf(c *gin.Context) domain.OwnerRef {
	owner, _ := middleware.GetOwner(c)
	return owner
}
