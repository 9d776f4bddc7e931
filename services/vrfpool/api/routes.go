package api

import (
	"net/http"

	"github.com/R3E-Network/vrfpool/internal/metrics"
	"github.com/R3E-Network/vrfpool/internal/middleware"
)

// =============================================================================
// API Routes
// =============================================================================

func (s *Service) registerRoutes(allowedOrigins []string) {
	router := s.Router()
	router.Use(middleware.Logging(s.Logger()), middleware.Metrics(), middleware.CORS(allowedOrigins))
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	vrf := router.PathPrefix("/vrf").Subrouter()
	if s.limiter != nil {
		vrf.Use(s.limiter.Handler)
	}
	vrf.HandleFunc("/consume", s.handleConsume).Methods(http.MethodPost, http.MethodOptions)
	vrf.HandleFunc("/generate-batch", s.handleGenerateBatch).Methods(http.MethodPost, http.MethodOptions)
	vrf.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	vrf.HandleFunc("/user-status", s.handleUserStatus).Methods(http.MethodGet)
	vrf.HandleFunc("/system-status", s.handleSystemStatus).Methods(http.MethodGet)
	vrf.HandleFunc("/auto-refill", s.handleAutoRefillStatus).Methods(http.MethodGet)
	vrf.HandleFunc("/auto-refill", s.handleAutoRefillAction).Methods(http.MethodPost, http.MethodOptions)
	vrf.HandleFunc("/auto-refill", s.handleAutoRefillConfig).Methods(http.MethodPut)
	vrf.HandleFunc("/fulfillment", s.handleFulfillment).Methods(http.MethodPost)
}
