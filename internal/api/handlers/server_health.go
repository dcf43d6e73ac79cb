package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sagaflow.io/sagaflow/internal/pkg/logger"
)

const readinessTimeout = 2 * time.Second

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetReadiness handles GET /health/ready. Every configured dependency must
// answer within readinessTimeout.
func (s *Server) GetReadiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string, len(s.checks))
	allHealthy := true
	for _, hc := range s.checks {
		if err := hc.Check(ctx); err != nil {
			logger.Warn("Readiness check failed", zap.String("check", hc.Name), zap.Error(err))
			checks[hc.Name] = "error"
			allHealthy = false
			continue
		}
		checks[hc.Name] = "ok"
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status": status,
		"checks": checks,
	})
}
