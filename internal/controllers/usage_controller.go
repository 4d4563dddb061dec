package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/historia/internal/services"

	"github.com/gin-gonic/gin"
)

type usageController struct{ svc services.UsageService }

func NewUsageController(svc services.UsageService) *usageController {
	return &usageController{svc}
}

func (h *usageController) Handle(c *gin.Context) {
	u, err := h.svc.Usage(c.Request.Context(), ownerOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}
