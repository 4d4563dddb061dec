package controllers

import (
	"net/http"
	"strings"

	"github.com/osvaldoandrade/historia/internal/services"
	"github.com/osvaldoandrade/historia/pkg/domain"

	"github.com/gin-gonic/gin"
)

type shareController struct{ svc services.ShareService }

func NewShareController(svc services.ShareService) *shareController {
	return &shareController{svc}
}

type shareReq struct {
	TaskID string   `json:"taskId"`
	Images []string `json:"images,omitempty"`
}

func (h *shareController) Share(c *gin.Context) {
	var req shareReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing taskId"})
		return
	}
	res, err := h.svc.Share(c.Request.Context(), ownerOf(c), req.TaskID, req.Images)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *shareController) Unshare(c *gin.Context) {
	taskID := strings.TrimSpace(c.Query("taskId"))
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing taskId"})
		return
	}
	if err := h.svc.Unshare(c.Request.Context(), ownerOf(c), taskID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Public serves a shared task. Every miss gets the same answer.
func (h *shareController) Public(c *gin.Context) {
	task, err := h.svc.Public(c.Request.Context(), c.Param("token"))
	if err != nil {
		if errorStatus(err) == http.StatusNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": domain.NotSharedMessage})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}
