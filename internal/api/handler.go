// Package api provides HTTP handlers for the speaking assessment API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ieltsaiprep/speaking-server/internal/domain"
	"github.com/ieltsaiprep/speaking-server/internal/identity"
	"github.com/ieltsaiprep/speaking-server/internal/ledger"
	"github.com/ieltsaiprep/speaking-server/internal/routing"
)

// ReceiptVerifier checks a store receipt before a purchase is granted.
type ReceiptVerifier interface {
	Verify(ctx context.Context, platform domain.Platform, productID, transactionID string) (bool, error)
}

// TrustStoreReceipts accepts every receipt. Store-side validation happens in
// the mobile clients before they call verify-purchase.
type TrustStoreReceipts struct{}

// Verify always accepts.
func (TrustStoreReceipts) Verify(context.Context, domain.Platform, string, string) (bool, error) {
	return true, nil
}

// Handler serves the mobile purchase and region endpoints.
type Handler struct {
	store    ledger.Store
	dir      *routing.Directory
	tracker  *routing.HealthTracker
	receipts ReceiptVerifier
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(store ledger.Store, dir *routing.Directory, tracker *routing.HealthTracker) *Handler {
	return &Handler{store: store, dir: dir, tracker: tracker, receipts: TrustStoreReceipts{}}
}

// SetReceiptVerifier replaces the default receipt verifier.
func (h *Handler) SetReceiptVerifier(v ReceiptVerifier) {
	if v != nil {
		h.receipts = v
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes mounts the REST endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/mobile", func(r chi.Router) {
		r.Post("/verify-purchase", h.VerifyPurchase)
		r.Post("/check-entitlement", h.CheckEntitlement)
		r.Post("/restore-purchases", h.RestorePurchases)
	})
	r.Route("/api/regions", func(r chi.Router) {
		r.Get("/health", h.RegionHealth)
		r.Get("/latency-estimate", h.LatencyEstimate)
	})
	r.Get("/api/health", h.Health)
}

type verifyPurchaseRequest struct {
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	Platform      string `json:"platform"`
	PurchaseDate  string `json:"purchase_date,omitempty"`
}

// VerifyPurchase records a verified store purchase as an entitlement grant.
// Replayed transaction ids are reported as already processed, not errors.
func (h *Handler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req verifyPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProductID == "" {
		Error(w, http.StatusBadRequest, "product_id is required")
		return
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		Error(w, http.StatusBadRequest, "transaction_id is required")
		return
	}
	platform := domain.Platform(strings.ToLower(req.Platform))
	if platform != domain.PlatformIOS && platform != domain.PlatformAndroid {
		Error(w, http.StatusBadRequest, "platform must be ios or android")
		return
	}

	verified, err := h.receipts.Verify(r.Context(), platform, req.ProductID, req.TransactionID)
	if err != nil {
		slog.Error("Receipt verification failed", "user_id", userID, "error", err)
		Error(w, http.StatusBadGateway, "receipt verification unavailable")
		return
	}
	if !verified {
		Error(w, http.StatusBadRequest, "receipt rejected")
		return
	}

	grant := ledger.GrantRequest{
		UserID:          userID,
		ProductID:       req.ProductID,
		TransactionID:   req.TransactionID,
		Platform:        platform,
		Units:           ledger.UnitsForProduct(req.ProductID),
		ReceiptVerified: true,
	}
	if req.PurchaseDate != "" {
		if ts, err := time.Parse(time.RFC3339, req.PurchaseDate); err == nil {
			grant.PurchaseDate = ts
		}
	}

	granted, err := h.store.Grant(r.Context(), grant)
	if err != nil {
		slog.Error("Purchase grant failed", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to record purchase")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"success":           granted,
		"already_processed": !granted,
		"units":             grant.Units,
	})
}

type checkEntitlementRequest struct {
	ModuleType string `json:"module_type"`
}

// CheckEntitlement reports remaining units for a module type.
func (h *Handler) CheckEntitlement(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req checkEntitlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ModuleType == "" {
		Error(w, http.StatusBadRequest, "module_type is required")
		return
	}

	access, err := h.store.CheckAccess(r.Context(), userID, req.ModuleType)
	if err != nil {
		slog.Error("Entitlement check failed", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to check entitlement")
		return
	}
	JSON(w, http.StatusOK, access)
}

// RestorePurchases returns every entitlement for the user, consumed included.
func (h *Handler) RestorePurchases(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	entitlements, err := h.store.Restore(r.Context(), userID)
	if err != nil {
		slog.Error("Restore purchases failed", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to restore purchases")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"entitlements": entitlements,
		"count":        len(entitlements),
	})
}

// RegionHealth returns the current region health snapshot.
func (h *Handler) RegionHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.tracker.Snapshot())
}

// LatencyEstimate reports the routing gain for a country code.
func (h *Handler) LatencyEstimate(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		Error(w, http.StatusBadRequest, "country query parameter is required")
		return
	}

	estimate, ok := h.dir.EstimateLatencyReduction(country)
	if !ok {
		Error(w, http.StatusNotFound, "country not supported")
		return
	}
	JSON(w, http.StatusOK, estimate)
}

// Health reports service and store status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("Store health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"regions": h.dir.Len(),
	})
}
