package db_test

import (
	"context"
	"testing"

	"github.com/antarber/nevermore/db"
	"github.com/antarber/nevermore/testutil"
)

func TestMigrateIsIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	// SetupTestDB already migrated once; a second run must be a no-op.
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.SetKV(ctx, database, "test:key", "one"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := db.GetKV(ctx, database, "test:key"); err != nil || got != "one" {
		t.Fatalf("get: %q err=%v", got, err)
	}
	if err := db.SetKV(ctx, database, "test:key", "two"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, err := db.GetKV(ctx, database, "test:key"); err != nil || got != "two" {
		t.Fatalf("get after overwrite: %q err=%v", got, err)
	}
	if got, err := db.GetKV(ctx, database, "test:missing"); err != nil || got != "" {
		t.Fatalf("missing key should be empty: %q err=%v", got, err)
	}
}
