package app

import (
	"github.com/osvaldoandrade/historia/internal/controllers"
	"github.com/osvaldoandrade/historia/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/healthz", controllers.NewHealthController(app.Store).Handle)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := app.Engine.Group("/v1")
	research := v1.Group("/research")
	owned := v1.Group("", middleware.RequireOwner())
	{
		research.POST("", middleware.RequireOwner(), middleware.RateLimitResearch(app.RateLimiter, app.Config), controllers.NewResearchController(app.Research).Handle)
		research.GET("/poll", middleware.RateLimitPoll(app.RateLimiter, app.Config), controllers.NewPollStatusController(app.Status).Handle)

		share := controllers.NewShareController(app.Share)
		research.POST("/share", middleware.RateLimitShare(app.RateLimiter, app.Config), share.Share)
		research.DELETE("/share", middleware.RateLimitShare(app.RateLimiter, app.Config), share.Unshare)
		research.GET("/public/:token", middleware.RateLimitShare(app.RateLimiter, app.Config), share.Public)

		tasks := controllers.NewTasksController(app.Research)
		owned.GET("/research/tasks", tasks.List)
		owned.GET("/research/tasks/:id", tasks.Get)
		owned.GET("/usage", controllers.NewUsageController(app.Usage).Handle)

		v1.POST("/webhooks/polar", controllers.NewPolarWebhookController(app.Billing).Handle)
	}
}
