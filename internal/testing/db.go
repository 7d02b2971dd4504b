// Package testing provides shared test helpers: an isolated temp-file
// SQLite database with the full schema applied, and fixture builders.
package testing

import (
	"os"
	"testing"

	"github.com/thijssvd/sommos/internal/database"
)

// NewTestDB creates a temp-file SQLite database with the SommOS schema
// applied, and returns a cleanup function that closes and removes it.
// Using a temp file rather than ":memory:" means a test can open a second
// connection to the same database if it needs to.
func NewTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "sommos_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{Path: tmpPath, Profile: database.ProfileStandard})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close test database: %v", err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("warning: failed to remove temp database file %s: %v", tmpPath, err)
		}
	}
}

// InsertWineAndVintage seeds a minimal Wine + Vintage row pair so ledger
// and stock foreign keys resolve in tests that don't exercise InventoryManager's
// own intake path.
func InsertWineAndVintage(t *testing.T, db *database.DB, vintageID int64, wineName string, year int) {
	t.Helper()
	res, err := db.Conn().Exec(
		`INSERT INTO wines (name, producer, region, country, wine_type, updated_at, updated_by, op_id, origin)
		 VALUES (?, 'Test Producer', 'Test Region', 'Testland', 'Red', 0, '', '', 'server')`,
		wineName,
	)
	if err != nil {
		t.Fatalf("failed to insert test wine: %v", err)
	}
	wineID, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("failed to read wine id: %v", err)
	}

	_, err = db.Conn().Exec(
		`INSERT INTO vintages (id, wine_id, year, updated_at, updated_by, op_id, origin)
		 VALUES (?, ?, ?, 0, '', '', 'server')`,
		vintageID, wineID, year,
	)
	if err != nil {
		t.Fatalf("failed to insert test vintage %d: %v", vintageID, err)
	}
}
