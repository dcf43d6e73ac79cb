package app

import (
	"slices"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sagaflow.io/sagaflow/internal/api/handlers"
	"sagaflow.io/sagaflow/internal/api/middleware"
	"sagaflow.io/sagaflow/internal/config"
	"sagaflow.io/sagaflow/internal/pkg/logger"
)

// defaultAllowedOrigins applies when no origin is configured: local frontends only.
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

func newRouter(cfg *config.Config, server *handlers.Server, reg *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog(middleware.NewHTTPMetrics(reg)),
		cors.New(buildCORSConfig(cfg)),
		middleware.ErrorHandler(),
	)

	server.RegisterRoutes(router.Group("/api/v1"), router.Group("/health"))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	level := gin.WrapH(logger.LevelHandler())
	router.GET("/log/level", level)
	router.PUT("/log/level", level)
	return router
}

// buildCORSConfig turns the server CORS settings into a cors.Config. A "*"
// origin is honoured only with UnsafeAllowAllOrigins, and never together
// with credentials.
func buildCORSConfig(cfg *config.Config) cors.Config {
	out := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Location"},
	}

	if cfg.Server.UnsafeAllowAllOrigins {
		out.AllowAllOrigins = true
		out.AllowCredentials = false
		return out
	}

	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "" || o == "*" || slices.Contains(origins, o) {
			continue
		}
		origins = append(origins, o)
	}
	if len(origins) == 0 {
		origins = slices.Clone(defaultAllowedOrigins)
	}
	out.AllowOrigins = origins
	out.AllowCredentials = cfg.Server.AllowCredentials
	return out
}
