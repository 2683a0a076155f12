package tutil

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/materials-commons/diode/pkg/diodedb"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// IsIntegrationTest is true when DIODE_TEST=integration. Tests that need external services
// such as minio skip themselves otherwise.
func IsIntegrationTest() bool {
	testType := os.Getenv("DIODE_TEST")
	return strings.ToLower(testType) == "integration"
}

var dbCounter atomic.Int64

// NewTestDB opens a private in-memory sqlite database with every table migrated. Each call
// gets its own database so tests don't see each other's rows.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:diode_test_%d?mode=memory&cache=shared", dbCounter.Add(1))
	db, err := diodedb.OpenSqlite(dsn)
	require.NoErrorf(t, err, "gorm.Open failed: %s", err)

	err = diodedb.RunMigrations(db)
	require.NoErrorf(t, err, "Migration failed with: %s", err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return db
}
