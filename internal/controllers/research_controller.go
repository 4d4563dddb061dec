package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/historia/internal/middleware"
	"github.com/osvaldoandrade/historia/internal/services"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/stream"

	"github.com/gin-gonic/gin"
)

type researchController struct{ svc services.ResearchService }

func NewResearchController(svc services.ResearchService) *researchController {
	return &researchController{svc}
}

// Handle starts a research run and relays it as an event stream. Failures
// before the first frame are plain JSON errors.
func (h *researchController) Handle(c *gin.Context) {
	var req domain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	task, err := h.svc.Start(c.Request.Context(), ownerOf(c), req)
	if err != nil {
		var qe *services.QuotaError
		if errors.As(err, &qe) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Daily research limit reached",
				"tier":    qe.Tier,
				"resetAt": qe.Decision.ResetAt,
				"limit":   qe.Decision.Limit,
				"used":    qe.Decision.Used,
			})
			return
		}
		writeError(c, err)
		return
	}

	for k, v := range stream.Headers {
		c.Header(k, v)
	}
	c.Status(http.StatusOK)
	enc := stream.NewEncoder(c.Writer)
	if err := h.svc.Relay(c.Request.Context(), task, enc.Send); err != nil {
		middleware.RequestLogger(c).Info("relay ended early", "task_id", task.ID, "err", err)
	}
}
