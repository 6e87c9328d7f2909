package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"ordercall/internal/agent"
	"ordercall/internal/common"
)

func (h *Handler) PlaceOrder(c *gin.Context) {
	var req agent.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	resp, err := h.AgentSvc.ProcessOrder(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, agent.ErrLastMessageNotUser) {
			common.Fail(c, http.StatusBadRequest, 10010, "last message must be from user")
			return
		}
		log.Printf("[ORDER] process order failed: %v", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to process order")
		return
	}

	common.Ok(c, resp)
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
