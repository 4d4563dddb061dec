package controllers

import (
	"net/http"
	"strings"

	"github.com/osvaldoandrade/historia/internal/services"

	"github.com/gin-gonic/gin"
)

type pollStatusController struct{ svc services.StatusService }

func NewPollStatusController(svc services.StatusService) *pollStatusController {
	return &pollStatusController{svc}
}

func (h *pollStatusController) Handle(c *gin.Context) {
	taskID := strings.TrimSpace(c.Query("taskId"))
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing taskId parameter"})
		return
	}
	snap, err := h.svc.Refresh(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.JSON(http.StatusOK, snap)
}
