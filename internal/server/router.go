package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/titoTito21/Titan-sub004/internal/auth"
	"github.com/titoTito21/Titan-sub004/internal/config"
	"github.com/titoTito21/Titan-sub004/internal/metrics"
	"github.com/titoTito21/Titan-sub004/internal/mw"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件与仓库 REST API。rl 为 nil 时不限速。
func SetupRouter(cfg config.Config, db *gorm.DB, h *Handler, rl *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.RequestID())
	r.Use(mw.AccessLog())
	r.Use(mw.CORS(cfg.AllowedOrigins))
	if rl != nil {
		r.Use(mw.RateLimit(rl))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	// token 可选，具体路由再区分匿名、登录用户与管理员。
	api.Use(auth.Authenticate(cfg.SecretKey, db))

	api.POST("/login", h.Login)
	api.GET("/repository", h.Repository)
	api.GET("/repository/:category", h.Repository)
	api.GET("/download/:id", h.Download)
	api.GET("/stats", h.Stats)
	api.GET("/search", h.Search)

	api.POST("/upload", auth.RequireUser(), h.Upload)
	api.DELETE("/delete/:id", auth.RequireUser(), h.Delete)

	api.GET("/pending", auth.RequireAdmin(), h.Pending)
	api.POST("/approve/:id", auth.RequireAdmin(), h.Approve)
	return r
}
