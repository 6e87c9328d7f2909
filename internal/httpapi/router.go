package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ordercall/internal/common"
	"ordercall/internal/httpapi/handlers"
	"ordercall/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/healthz", h.Healthz)

	api := r.Group("/")
	api.Use(middleware.AuthRequired(h.Cfg.JWTSecret))
	api.POST("/order", h.PlaceOrder)
	api.POST("/task-last-message", h.TaskLastMessage)
	api.POST("/execute-phone-calls", h.ExecutePhoneCalls)
	api.POST("/execute-phone-calls/async", h.ExecutePhoneCallsAsync)
	api.GET("/campaign-jobs/:job_id", h.GetCampaignJob)
	api.POST("/get-selected-options-status", h.SelectedOptionsStatus)

	return r
}
