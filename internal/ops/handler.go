package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/auth"
	"github.com/cursxzxc/meltowshop/internal/domain"
	stderrors "github.com/cursxzxc/meltowshop/pkg/errors"
)

// Store is the inventory surface the ops API exposes
type Store interface {
	ListAvailable(ctx context.Context, kind domain.ItemKind) ([]domain.InventoryItem, error)
	OpenReservations() []domain.Reservation
	Reservation(itemID string) (*domain.Reservation, bool)
	MarkSold(ctx context.Context, itemID string) error
	Release(ctx context.Context, itemID string) error
	MarkInvalid(ctx context.Context, kind domain.ItemKind, itemID string) error
}

// Credentials gate the ops login endpoint
type Credentials struct {
	Username string
	Password string
}

// Handler serves the operator HTTP API
type Handler struct {
	logger     *zap.Logger
	store      Store
	jwtManager *auth.JWTManager
	creds      Credentials
	tokenTTL   time.Duration
}

// NewHandler creates the ops API handler
func NewHandler(store Store, jwtManager *auth.JWTManager, creds Credentials, tokenTTL time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		logger:     logger,
		store:      store,
		jwtManager: jwtManager,
		creds:      creds,
		tokenTTL:   tokenTTL,
	}
}

// LoginRequest represents the login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token     string    `json:"token"`
	Type      string    `json:"type"`
	ExpiresIn int       `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid login request", zap.Error(err))
		c.JSON(http.StatusBadRequest, stderrors.NewValidationError("invalid request", "username or password"))
		return
	}

	if req.Username != h.creds.Username || req.Password != h.creds.Password {
		h.logger.Warn("Invalid credentials", zap.String("username", req.Username))
		c.JSON(http.StatusUnauthorized, stderrors.NewStandardError("Unauthorized", "invalid credentials", "username or password incorrect"))
		return
	}

	token, err := h.jwtManager.GenerateToken(req.Username)
	if err != nil {
		h.logger.Error("Failed to generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, stderrors.NewInternalError("failed to generate token", err))
		return
	}

	expiresAt := time.Now().Add(h.tokenTTL)
	c.JSON(http.StatusOK, LoginResponse{
		Token:     token,
		Type:      "Bearer",
		ExpiresIn: int(h.tokenTTL.Seconds()),
		ExpiresAt: expiresAt,
	})
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "shop-ops"})
}

// ListInventory handles GET /api/v1/inventory?kind=session|script
func (h *Handler) ListInventory(c *gin.Context) {
	kind := domain.ItemKind(c.DefaultQuery("kind", string(domain.KindSession)))
	if kind != domain.KindSession && kind != domain.KindScript {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be session or script"})
		return
	}

	items, err := h.store.ListAvailable(c.Request.Context(), kind)
	if err != nil {
		h.logger.Error("Failed to list inventory", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list inventory"})
		return
	}

	out := make([]gin.H, 0, len(items))
	for _, item := range items {
		out = append(out, gin.H{
			"id":          item.ID,
			"kind":        item.Kind,
			"price":       item.Price.String(),
			"state":       item.State,
			"description": item.Description,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": out, "count": len(out)})
}

// ListReservations handles GET /api/v1/reservations
func (h *Handler) ListReservations(c *gin.Context) {
	reservations := h.store.OpenReservations()

	out := make([]gin.H, 0, len(reservations))
	for _, res := range reservations {
		out = append(out, gin.H{
			"id":         res.ID,
			"item_id":    res.ItemID,
			"kind":       res.Kind,
			"buyer_id":   res.BuyerID,
			"invoice_id": res.InvoiceID,
			"amount":     res.Amount.String(),
			"created_at": res.CreatedAt,
			"expires_at": res.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"reservations": out, "count": len(out)})
}

// ReconcileRequest represents a manual reconciliation request
type ReconcileRequest struct {
	Action string `json:"action" binding:"required,oneof=mark_sold release mark_invalid"`
}

// Reconcile handles POST /api/v1/reservations/:itemID/reconcile.
// It is the operator's lever for purchases stuck between a settled
// invoice and a committed sale: confirm the sale, return the item to
// the shelf, or pull it from sale entirely.
func (h *Handler) Reconcile(c *gin.Context) {
	itemID := c.Param("itemID")

	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, held := h.store.Reservation(itemID)
	if !held {
		c.JSON(http.StatusNotFound, stderrors.NewReservationNotFound(itemID))
		return
	}

	var err error
	switch req.Action {
	case "mark_sold":
		err = h.store.MarkSold(c.Request.Context(), itemID)
	case "release":
		err = h.store.Release(c.Request.Context(), itemID)
	case "mark_invalid":
		err = h.store.MarkInvalid(c.Request.Context(), res.Kind, itemID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNoSuchReservation) {
			c.JSON(http.StatusNotFound, stderrors.NewReservationNotFound(itemID))
			return
		}
		h.logger.Error("Reconciliation failed",
			zap.String("item_id", itemID),
			zap.String("action", req.Action),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}

	h.logger.Info("Manual reconciliation applied",
		zap.String("item_id", itemID),
		zap.String("action", req.Action),
		zap.String("invoice_id", res.InvoiceID),
	)
	c.JSON(http.StatusOK, gin.H{
		"item_id":    itemID,
		"action":     req.Action,
		"invoice_id": res.InvoiceID,
	})
}
