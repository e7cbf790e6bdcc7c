//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ieltsaiprep/speaking-server/internal/domain"
	"github.com/ieltsaiprep/speaking-server/internal/identity"
	"github.com/ieltsaiprep/speaking-server/internal/ledger"
	"github.com/ieltsaiprep/speaking-server/internal/routing"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()

	store, err := ledger.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dir, err := routing.LoadDirectory()
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewHandler(store, dir, routing.NewHealthTracker(dir)).RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, r chi.Router, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set(identity.UserHeaderName, userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestVerifyPurchase_GrantAndReplay(t *testing.T) {
	r := newTestRouter(t)
	body := `{"product_id":"com.ieltsaiprep.academic.speaking","transaction_id":"txn-1","platform":"ios"}`

	w := doJSON(t, r, http.MethodPost, "/api/mobile/verify-purchase", "user-1", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["success"] != true || resp["units"] != float64(2) {
		t.Fatalf("first grant = %v", resp)
	}

	// Replaying the same transaction must report already_processed.
	w = doJSON(t, r, http.MethodPost, "/api/mobile/verify-purchase", "user-1", body)
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if resp["success"] != false || resp["already_processed"] != true {
		t.Fatalf("replay = %v", resp)
	}
}

func TestVerifyPurchase_RejectsBadInput(t *testing.T) {
	r := newTestRouter(t)

	cases := map[string]string{
		"missing transaction": `{"product_id":"p","platform":"ios"}`,
		"blank transaction":   `{"product_id":"p","transaction_id":"   ","platform":"ios"}`,
		"missing product":     `{"transaction_id":"txn","platform":"ios"}`,
		"bad platform":        `{"product_id":"p","transaction_id":"txn","platform":"windows"}`,
	}
	for name, body := range cases {
		w := doJSON(t, r, http.MethodPost, "/api/mobile/verify-purchase", "user-1", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, w.Code)
		}
	}
}

type rejectReceipts struct{}

func (rejectReceipts) Verify(context.Context, domain.Platform, string, string) (bool, error) {
	return false, nil
}

func TestVerifyPurchase_ReceiptRejected(t *testing.T) {
	store, err := ledger.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	dir, err := routing.LoadDirectory()
	if err != nil {
		t.Fatalf("load directory: %v", err)
	}

	h := NewHandler(store, dir, routing.NewHealthTracker(dir))
	h.SetReceiptVerifier(rejectReceipts{})
	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)

	w := doJSON(t, r, http.MethodPost, "/api/mobile/verify-purchase", "user-1",
		`{"product_id":"com.ieltsaiprep.academic.speaking","transaction_id":"txn-1","platform":"ios"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}

	// Nothing was granted.
	ent, err := store.GetByTransaction(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("GetByTransaction: %v", err)
	}
	if ent != nil {
		t.Fatalf("entitlement recorded despite rejected receipt: %+v", ent)
	}
}

func TestCheckEntitlement_ReflectsGrants(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/mobile/check-entitlement", "user-1", `{"module_type":"speaking"}`)
	var access ledger.Access
	if err := json.NewDecoder(w.Body).Decode(&access); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if access.HasAccess {
		t.Fatal("access granted before any purchase")
	}

	doJSON(t, r, http.MethodPost, "/api/mobile/verify-purchase", "user-1",
		`{"product_id":"com.ieltsaiprep.academic.speaking","transaction_id":"txn-1","platform":"android"}`)

	w = doJSON(t, r, http.MethodPost, "/api/mobile/check-entitlement", "user-1", `{"module_type":"speaking"}`)
	if err := json.NewDecoder(w.Body).Decode(&access); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !access.HasAccess || access.UnitsRemaining != 2 {
		t.Fatalf("access = %+v", access)
	}
}

func TestRestorePurchases(t *testing.T) {
	r := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/mobile/verify-purchase", "user-1",
		`{"product_id":"com.ieltsaiprep.academic.speaking","transaction_id":"txn-1","platform":"ios"}`)

	w := doJSON(t, r, http.MethodPost, "/api/mobile/restore-purchases", "user-1", `{}`)
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}

	// Other users see nothing.
	w = doJSON(t, r, http.MethodPost, "/api/mobile/restore-purchases", "user-2", `{}`)
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 0 {
		t.Fatalf("count for other user = %d, want 0", resp.Count)
	}
}

func TestRegionEndpoints(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/regions/health", "user-1", "")
	var snap routing.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.TotalRegions == 0 || snap.HealthyRegions != snap.TotalRegions {
		t.Fatalf("snapshot = %+v", snap)
	}

	w = doJSON(t, r, http.MethodGet, "/api/regions/latency-estimate?country=SG", "user-1", "")
	var est routing.LatencyEstimate
	if err := json.NewDecoder(w.Body).Decode(&est); err != nil {
		t.Fatalf("decode estimate: %v", err)
	}
	if est.OptimalRegion != "asia-southeast1" || est.ReductionMS <= 0 {
		t.Fatalf("estimate = %+v", est)
	}

	w = doJSON(t, r, http.MethodGet, "/api/regions/latency-estimate?country=XX", "user-1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown country status = %d, want 404", w.Code)
	}
}
