package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/giveflow/go-donation-backend/internal/domain"
)

func TestOpenSQLite_MigratesAndRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")

	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	anchor := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	a := &domain.RecurringAgreement{
		DonorID:     "d1",
		AmountMinor: 1000,
		Currency:    "EUR",
		Frequency:   domain.FrequencyMonthly,
		State:       domain.StateActive,
		AnchorDate:  anchor,
		NextDueDate: anchor,
	}
	if err := CreateAgreement(context.Background(), db, a); err != nil {
		t.Fatalf("CreateAgreement: %v", err)
	}
	got, err := GetAgreement(context.Background(), db, a.ID)
	if err != nil {
		t.Fatalf("GetAgreement: %v", err)
	}
	if got.DonorID != "d1" || got.Version != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestOpenSQLite_RegistersTracingPlugin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traced.db")

	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	// Store queries must show up in the same traces as HTTP and sweep spans.
	if len(db.Config.Plugins) == 0 {
		t.Fatalf("expected the otel tracing plugin to be registered")
	}
}

func TestOpenSQLite_MissingParentDir(t *testing.T) {
	if _, err := OpenSQLite(filepath.Join(t.TempDir(), "nope", "engine.db")); err == nil {
		t.Fatalf("expected error for missing parent directory")
	}
}
