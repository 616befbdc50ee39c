package ops

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/auth"
	"github.com/cursxzxc/meltowshop/pkg/logger"
	"github.com/cursxzxc/meltowshop/pkg/middleware"
)

// NewRouter builds the ops API router with the full middleware chain
func NewRouter(h *Handler, jwtManager *auth.JWTManager, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RecoveryHandler(log))
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.RequestIDMiddleware(log))
	router.Use(logger.GinMiddleware(log))
	router.Use(middleware.ErrorHandler(log))

	router.GET("/health", h.Health)
	router.POST("/api/v1/auth/login", h.Login)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(jwtManager, log))
	{
		api.GET("/inventory", h.ListInventory)
		api.GET("/reservations", h.ListReservations)
		api.POST("/reservations/:itemID/reconcile", h.Reconcile)
	}

	return router
}
