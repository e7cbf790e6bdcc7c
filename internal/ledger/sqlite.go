package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ieltsaiprep/speaking-server/internal/domain"
	"github.com/ieltsaiprep/speaking-server/internal/shared"
	_ "modernc.org/sqlite"
)

// How many times Consume re-selects a candidate row after losing a
// conditional-update race to a concurrent consumer.
const consumeRetries = 5

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed entitlement ledger.
func NewSQLite(dbPath string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS entitlements (
		transaction_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		units_purchased INTEGER NOT NULL,
		units_remaining INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		receipt_verified INTEGER NOT NULL DEFAULT 0,
		last_usage_ref TEXT,
		purchase_date INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_user ON entitlements(user_id, purchase_date);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Grant records a verified purchase. The transaction_id primary key is the
// sole duplicate-purchase guard: the insert and the uniqueness check are a
// single atomic write, so concurrent grants with the same transaction id
// cannot both succeed.
func (s *SQLiteStore) Grant(ctx context.Context, req GrantRequest) (bool, error) {
	if strings.TrimSpace(req.TransactionID) == "" {
		slog.Warn("Grant rejected: empty transaction_id", "user_id", req.UserID)
		return false, nil
	}

	units := req.Units
	if units <= 0 {
		units = UnitsForProduct(req.ProductID)
	}
	now := time.Now().UnixMilli()
	purchased := now
	if !req.PurchaseDate.IsZero() {
		purchased = req.PurchaseDate.UnixMilli()
	}

	query := `
	INSERT INTO entitlements (
		transaction_id, user_id, product_id, platform,
		units_purchased, units_remaining, status, receipt_verified,
		purchase_date, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		req.TransactionID, req.UserID, req.ProductID, string(req.Platform),
		units, units, string(domain.EntitlementActive), req.ReceiptVerified,
		purchased, now, now,
	)
	if err != nil {
		if shared.IsSQLiteUniqueConstraintError(err) {
			slog.Warn("Grant rejected: transaction already processed",
				"transaction_id", req.TransactionID, "user_id", req.UserID)
			return false, nil
		}
		return false, fmt.Errorf("insert entitlement: %w", err)
	}

	slog.Info("Entitlement granted",
		"user_id", req.UserID,
		"product_id", req.ProductID,
		"units", units)
	return true, nil
}

// CheckAccess sums units remaining over the user's active entitlements
// matching the module type. Matching is a category (substring) match on the
// product id, since one module type maps to several platform SKUs.
func (s *SQLiteStore) CheckAccess(ctx context.Context, userID, moduleType string) (Access, error) {
	query := `
		SELECT COALESCE(SUM(units_remaining), 0), COUNT(*)
		FROM entitlements
		WHERE user_id = ? AND status = ?
		  AND (instr(lower(product_id), lower(?)) > 0
		       OR instr(lower(product_id), lower(?)) > 0)`

	var access Access
	row := s.db.QueryRowContext(ctx, query, userID, string(domain.EntitlementActive),
		moduleType, skuForm(moduleType))
	if err := row.Scan(&access.UnitsRemaining, &access.TotalProducts); err != nil {
		return Access{}, fmt.Errorf("sum entitlements: %w", err)
	}
	access.HasAccess = access.UnitsRemaining > 0
	return access, nil
}

// Consume decrements one unit from the oldest matching active entitlement.
// The decrement is a conditional UPDATE guarded on units_remaining > 0, so
// concurrent consumers can never drive the count negative; losing the race
// just means re-selecting the next candidate row.
func (s *SQLiteStore) Consume(ctx context.Context, userID, moduleType, usageRef string) (bool, error) {
	selectQuery := `
		SELECT transaction_id FROM entitlements
		WHERE user_id = ? AND status = ? AND units_remaining > 0
		  AND (instr(lower(product_id), lower(?)) > 0
		       OR instr(lower(product_id), lower(?)) > 0)
		ORDER BY purchase_date ASC, created_at ASC
		LIMIT 1`

	updateQuery := `
		UPDATE entitlements
		SET units_remaining = units_remaining - 1,
		    status = CASE WHEN units_remaining - 1 <= 0 THEN ? ELSE ? END,
		    last_usage_ref = ?,
		    updated_at = ?
		WHERE transaction_id = ? AND status = ? AND units_remaining > 0`

	for attempt := 0; attempt < consumeRetries; attempt++ {
		var transactionID string
		row := s.db.QueryRowContext(ctx, selectQuery, userID, string(domain.EntitlementActive),
			moduleType, skuForm(moduleType))
		if err := row.Scan(&transactionID); err != nil {
			if err == sql.ErrNoRows {
				slog.Warn("No active entitlement for consumption",
					"user_id", userID, "module_type", moduleType)
				return false, nil
			}
			return false, fmt.Errorf("select entitlement for consumption: %w", err)
		}

		result, err := s.db.ExecContext(ctx, updateQuery,
			string(domain.EntitlementConsumed), string(domain.EntitlementActive),
			usageRef, time.Now().UnixMilli(), transactionID, string(domain.EntitlementActive))
		if err != nil {
			if shared.IsSQLiteConflictError(err) {
				continue
			}
			return false, fmt.Errorf("decrement entitlement: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("consume rows affected: %w", err)
		}
		if rows > 0 {
			slog.Info("Assessment unit consumed",
				"user_id", userID,
				"transaction_id", transactionID,
				"usage_ref", usageRef)
			return true, nil
		}
		// A concurrent consumer drained this entitlement first; try the
		// next candidate.
	}

	slog.Warn("Consume gave up after repeated conditional-update races",
		"user_id", userID, "module_type", moduleType)
	return false, nil
}

// Restore returns all entitlements for a user, oldest first.
func (s *SQLiteStore) Restore(ctx context.Context, userID string) ([]domain.Entitlement, error) {
	query := entitlementColumns + ` FROM entitlements WHERE user_id = ? ORDER BY purchase_date ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query user entitlements: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close entitlement rows", "error", closeErr)
		}
	}()

	var entitlements []domain.Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		entitlements = append(entitlements, *ent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entitlements: %w", err)
	}
	return entitlements, nil
}

// GetByTransaction looks up an entitlement by its transaction id.
func (s *SQLiteStore) GetByTransaction(ctx context.Context, transactionID string) (*domain.Entitlement, error) {
	query := entitlementColumns + ` FROM entitlements WHERE transaction_id = ?`

	row := s.db.QueryRowContext(ctx, query, transactionID)
	ent, err := scanEntitlement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const entitlementColumns = `
	SELECT transaction_id, user_id, product_id, platform,
	       units_purchased, units_remaining, status, receipt_verified,
	       last_usage_ref, purchase_date, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(row rowScanner) (*domain.Entitlement, error) {
	var ent domain.Entitlement
	var platform, status string
	var usageRef sql.NullString
	var purchaseDate, createdAt, updatedAt int64

	err := row.Scan(
		&ent.TransactionID, &ent.UserID, &ent.ProductID, &platform,
		&ent.UnitsPurchased, &ent.UnitsRemaining, &status, &ent.ReceiptVerified,
		&usageRef, &purchaseDate, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan entitlement row: %w", err)
	}

	ent.Platform = domain.Platform(platform)
	ent.Status = domain.EntitlementStatus(status)
	ent.LastUsageRef = usageRef.String
	ent.PurchaseDate = time.UnixMilli(purchaseDate)
	ent.CreatedAt = time.UnixMilli(createdAt)
	ent.UpdatedAt = time.UnixMilli(updatedAt)
	return &ent, nil
}

// skuForm converts a module type to its dotted SKU spelling, so
// "academic_speaking" also matches "com.ieltsaiprep.academic.speaking".
func skuForm(moduleType string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(moduleType)), "_", ".")
}
