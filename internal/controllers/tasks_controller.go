package controllers

import (
	"net/http"
	"strconv"

	"github.com/osvaldoandrade/historia/internal/services"

	"github.com/gin-gonic/gin"
)

type tasksController struct{ svc services.ResearchService }

func NewTasksController(svc services.ResearchService) *tasksController {
	return &tasksController{svc}
}

func (h *tasksController) List(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' (0-200)"})
			return
		}
		limit = n
	}
	tasks, err := h.svc.List(c.Request.Context(), ownerOf(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *tasksController) Get(c *gin.Context) {
	task, err := h.svc.Get(c.Request.Context(), ownerOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
