package app

import (
	"github.com/gin-gonic/gin"

	"github.com/krishna9304/osce-central-serve-sub000/internal/config"
	"github.com/krishna9304/osce-central-serve-sub000/internal/middleware"
	"github.com/krishna9304/osce-central-serve-sub000/internal/util"
	"github.com/krishna9304/osce-central-serve-sub000/pkg/monitoring"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	router.GET("/api/health", c.health.HealthCheck)

	if !a.runsAPI() {
		return
	}

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg))
	{
		// 考生接口
		a.registerCandidateRoutes(authGroup, c)

		// 管理员接口
		a.registerAdminRoutes(authGroup, c)
	}
}

func (a *App) registerCandidateRoutes(group *gin.RouterGroup, c *controllers) {
	group.GET("/ws", c.realtime.HandleWS)
	group.GET("/events", c.realtime.HandleSSE)

	sessions := group.Group("/sessions")
	sessions.Use(middleware.RoleMiddleware(util.Candidate))
	{
		sessions.POST("", c.session.StartSession)
		sessions.GET("/active", c.session.GetActive)
		sessions.GET("/:token", c.session.GetSession)
		sessions.POST("/:token/end", c.session.EndSession)
		sessions.POST("/:token/turns", c.session.SubmitTurn)
		sessions.POST("/:token/findings", c.session.RecordFinding)
		sessions.GET("/:token/transcript", c.session.GetTranscript)
		sessions.GET("/:token/evaluation", c.session.GetEvaluation)
	}
}

func (a *App) registerAdminRoutes(group *gin.RouterGroup, c *controllers) {
	admin := group.Group("/admin")
	admin.Use(middleware.RoleMiddleware(util.Admin))
	{
		admin.POST("/stations", c.station.CreateStation)
		admin.GET("/stations", c.station.ListStations)
	}
}
