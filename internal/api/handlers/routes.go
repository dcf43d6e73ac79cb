package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the API under api (normally /api/v1) and the probes
// under health (normally /health).
func (s *Server) RegisterRoutes(api, health gin.IRouter) {
	api.POST("/orders", s.CreateOrder)
	api.GET("/orders", s.ListOrders)
	api.GET("/orders/:id", s.GetOrder)
	api.GET("/customers/:id", s.GetCustomer)

	api.GET("/sagas", s.ListActiveSagas)
	api.GET("/sagas/:id", s.GetSaga)
	api.POST("/sagas/:id/compensation/retry", s.RetrySagaCompensation)
	api.POST("/sagas/:id/cancel", s.CancelSaga)

	api.GET("/breakers", s.ListBreakers)
	api.GET("/aggregates/:id/events", s.ListAggregateEvents)

	health.GET("/live", s.GetLiveness)
	health.GET("/ready", s.GetReadiness)
}
