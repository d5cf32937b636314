package server

import (
	"net/http"

	"github.com/bathiste/chat-client-WIP/internal/auth"
	"github.com/bathiste/chat-client-WIP/internal/config"
	"github.com/bathiste/chat-client-WIP/internal/metrics"
	"github.com/bathiste/chat-client-WIP/internal/mw"
	"github.com/bathiste/chat-client-WIP/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 统一初始化 Gin 中间件、REST API、管理端接口以及 WebSocket 端点。
// limiter 为 nil 时不做 HTTP 限速。
func SetupRouter(cfg config.Config, h *Handler, wsh *ws.Handler, limiter *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	if len(cfg.TrustedProxies) > 0 {
		_ = r.SetTrustedProxies(cfg.TrustedProxies)
	} else {
		_ = r.SetTrustedProxies(nil)
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", wsh.Serve)

	limited := r.Group("")
	if limiter != nil {
		// 控制单个 IP+路由的速率
		limited.Use(mw.RateLimit(limiter))
	}

	api := limited.Group("/api/v1")
	api.GET("/rooms", h.ListRooms)
	api.GET("/rooms/:code/messages", h.ListMessages)
	api.POST("/rooms/:code", h.OpenRoom)
	api.POST("/uploads", h.RecordUpload)

	limited.POST("/admin/login", h.AdminLogin)

	// 需要管理端 Bearer Token 的接口。
	admin := limited.Group("/admin")
	admin.Use(auth.AdminMiddleware(cfg.JWTSecret))
	admin.GET("/live", h.ListLive)
	admin.GET("/live/rooms", h.LiveByRoom)
	admin.POST("/kick", h.Kick)
	admin.POST("/move", h.Move)
	admin.POST("/ban", h.Ban)
	admin.POST("/unban", h.Unban)
	admin.GET("/identities", h.Identities)
	admin.GET("/linked", h.LinkedNames)
	admin.GET("/rooms", h.AdminRooms)
	admin.GET("/logs", h.Logs)
	admin.GET("/uploads", h.Uploads)

	return r
}
