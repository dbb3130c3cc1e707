package storage

import (
	"context"
	"testing"
	"time"

	"github.com/tag-anchor/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// testPostgres connects to the local development database or skips the test.
// The schema under migrations/postgres must already be applied.
func testPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewPostgresDB(&config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "tag_anchor",
		User:           "tags",
		Password:       "tags_dev_password",
		MaxConnections: 4,
	})
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}
