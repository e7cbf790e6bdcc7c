// Package domain contains core domain types for the speaking-assessment platform.
package domain

import (
	"strings"
	"time"
)

// Platform identifies the store a purchase originated from.
type Platform string

const (
	// PlatformIOS is the Apple App Store.
	PlatformIOS Platform = "ios"
	// PlatformAndroid is the Google Play Store.
	PlatformAndroid Platform = "android"
)

// EntitlementStatus tracks the lifecycle of a purchased grant.
type EntitlementStatus string

const (
	// EntitlementActive means units remain to be consumed.
	EntitlementActive EntitlementStatus = "active"
	// EntitlementConsumed means every purchased unit has been used.
	EntitlementConsumed EntitlementStatus = "consumed"
)

// Entitlement is a unit-metered grant of access to a paid assessment module,
// tied to a single store transaction. Records are never deleted; a fully
// used entitlement flips to EntitlementConsumed and stays as an audit trail
// for purchase-restoration flows.
type Entitlement struct {
	UserID          string            `json:"user_id"`
	ProductID       string            `json:"product_id"`
	TransactionID   string            `json:"transaction_id"`
	Platform        Platform          `json:"platform"`
	UnitsPurchased  int               `json:"units_purchased"`
	UnitsRemaining  int               `json:"units_remaining"`
	Status          EntitlementStatus `json:"status"`
	ReceiptVerified bool              `json:"receipt_verified"`
	LastUsageRef    string            `json:"last_usage_ref,omitempty"`
	PurchaseDate    time.Time         `json:"purchase_date"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// HasRemaining returns true if the entitlement is active with units left.
func (e *Entitlement) HasRemaining() bool {
	return e.Status == EntitlementActive && e.UnitsRemaining > 0
}

// MatchesModule reports whether this entitlement's product covers the given
// module type. One module type maps to several platform-specific SKUs
// (e.g. "com.ieltsaiprep.academic.speaking" and "academic_speaking" both
// cover "academic_speaking"), so this is a category match, not equality.
func (e *Entitlement) MatchesModule(moduleType string) bool {
	product := strings.ToLower(e.ProductID)
	module := strings.ToLower(strings.TrimSpace(moduleType))
	if module == "" {
		return false
	}
	if strings.Contains(product, module) {
		return true
	}
	// SKU form uses dots where module types use underscores.
	return strings.Contains(product, strings.ReplaceAll(module, "_", "."))
}
