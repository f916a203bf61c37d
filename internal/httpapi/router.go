package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/debug-collab/internal/common"
	"github.com/suPer8Hu/debug-collab/internal/config"
	"github.com/suPer8Hu/debug-collab/internal/httpapi/handlers"
	"github.com/suPer8Hu/debug-collab/internal/httpapi/middleware"
)

func corsConfig(cfg config.Config) cors.Config {
	cc := cors.DefaultConfig()
	if len(cfg.CORSAllowOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = cfg.CORSAllowOrigins
	}
	cc.AddAllowHeaders("Authorization", middleware.RequestIDHeader)
	cc.AddExposeHeaders(middleware.RequestIDHeader)
	return cc
}

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(cors.New(corsConfig(cfg)))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)
	r.GET("/health", h.Health)

	// sessions
	r.POST("/session", h.CreateSession)
	r.GET("/session/:session_id", h.GetSession)
	r.GET("/session/:session_id/history", h.ListHistory)
	r.GET("/session/:session_id/errors", h.ListSessionErrors)
	r.GET("/ws/session/:session_id", h.JoinSession)

	// JWT required
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/analyze", h.Analyze)
	authGroup.GET("/patterns", h.ListPatterns)
	authGroup.GET("/patterns/:hash", h.GetPattern)
	return r
}
