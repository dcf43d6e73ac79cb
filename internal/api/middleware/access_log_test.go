package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	apperrors "sagaflow.io/sagaflow/internal/pkg/errors"
)

func TestAccessLog_RecordsByRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewHTTPMetrics(reg)

	router := gin.New()
	router.Use(RequestID(), AccessLog(metrics), ErrorHandler())
	router.GET("/orders/:id", func(c *gin.Context) {
		if c.Param("id") == "missing" {
			_ = c.Error(apperrors.ErrAggregateNotFoundf("missing"))
			return
		}
		c.Status(http.StatusOK)
	})

	for _, path := range []string{"/orders/a", "/orders/b", "/orders/missing", "/nowhere"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.requests.WithLabelValues("/orders/:id", "GET", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("/orders/:id", "GET", "404")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("unmatched", "GET", "404")))
	require.Equal(t, 2, testutil.CollectAndCount(metrics.latency))
}

func TestAccessLog_NilMetrics(t *testing.T) {
	router := gin.New()
	router.Use(AccessLog(nil))
	router.GET("/health/live", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
