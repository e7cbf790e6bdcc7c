// Package ledger provides the entitlement purchase-to-consumption ledger
// that gates access to paid assessments.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/ieltsaiprep/speaking-server/internal/domain"
)

// Units granted per product SKU. SKUs not listed grant the default.
var productUnits = map[string]int{
	// App Store / Play Store product IDs.
	"com.ieltsaiprep.academic.writing":  2,
	"com.ieltsaiprep.general.writing":   2,
	"com.ieltsaiprep.academic.speaking": 2,
	"com.ieltsaiprep.general.speaking":  2,
	"com.ieltsaiprep.academic.mocktest": 2,
	"com.ieltsaiprep.general.mocktest":  2,
	// Legacy product IDs for backwards compatibility.
	"academic_writing":  2,
	"general_writing":   2,
	"academic_speaking": 2,
	"general_speaking":  2,
}

const defaultProductUnits = 2

// UnitsForProduct returns the number of assessment units a product grants.
func UnitsForProduct(productID string) int {
	if units, ok := productUnits[strings.ToLower(productID)]; ok {
		return units
	}
	return defaultProductUnits
}

// GrantRequest describes a verified purchase to record.
type GrantRequest struct {
	UserID          string
	ProductID       string
	TransactionID   string
	Platform        domain.Platform
	Units           int // 0 = use the product default
	ReceiptVerified bool
	// PurchaseDate is the store's purchase timestamp; zero means now.
	// Consumption exhausts older purchases first.
	PurchaseDate time.Time
}

// Access is the result of an entitlement check.
type Access struct {
	HasAccess      bool `json:"has_access"`
	UnitsRemaining int  `json:"units_remaining"`
	TotalProducts  int  `json:"total_products"`
}

// Store is the entitlement ledger. All idempotency and no-negative-units
// invariants are enforced by the backing store's conditional writes, not by
// in-process locking: Grant relies on a unique constraint on transaction_id,
// Consume on a conditional decrement.
type Store interface {
	// Grant records a verified purchase. Returns false without mutation if
	// the transaction id is blank or has already been recorded anywhere in
	// the ledger. The duplicate check is atomic with the insert.
	Grant(ctx context.Context, req GrantRequest) (bool, error)

	// CheckAccess sums remaining units across the user's active
	// entitlements whose product matches the module type.
	CheckAccess(ctx context.Context, userID, moduleType string) (Access, error)

	// Consume decrements one unit from the oldest matching active
	// entitlement, recording usageRef against it. Returns false when no
	// matching entitlement has units remaining; the caller must treat that
	// as a hard stop.
	Consume(ctx context.Context, userID, moduleType, usageRef string) (bool, error)

	// Restore returns every entitlement for a user, for client-side
	// restore-purchases flows. No mutation.
	Restore(ctx context.Context, userID string) ([]domain.Entitlement, error)

	// GetByTransaction looks an entitlement up by its transaction id.
	GetByTransaction(ctx context.Context, transactionID string) (*domain.Entitlement, error)

	// Ping verifies store connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying store.
	Close() error
}
