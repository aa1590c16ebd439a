package store_test

import (
	"testing"
	"time"

	"github.com/zsprackett/quotawatch/internal/quota"
	"github.com/zsprackett/quotawatch/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func snapshot(provider string, capturedAt time.Time, remaining float64) *quota.Snapshot {
	return &quota.Snapshot{
		ProviderID: provider,
		CapturedAt: capturedAt,
		Quotas: []quota.UsageQuota{
			{ProviderID: provider, Kind: quota.KindSession, PercentRemaining: remaining},
		},
		AccountEmail: "dev@example.com",
		AccountTier:  quota.TierPro,
	}
}

func TestInsertAndLatest(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if err := db.InsertSnapshot(snapshot("claude", base, 80)); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertSnapshot(snapshot("claude", base.Add(time.Hour), 60)); err != nil {
		t.Fatal(err)
	}

	latest, err := db.LatestSnapshot("claude")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if latest == nil || latest.Primary().PercentRemaining != 60 {
		t.Fatalf("latest = %+v, want newest snapshot (60%%)", latest)
	}
	if latest.AccountEmail != "dev@example.com" || latest.AccountTier != quota.TierPro {
		t.Errorf("round-trip lost account fields: %+v", latest)
	}
}

func TestLatestSnapshotEmpty(t *testing.T) {
	db := openTestDB(t)
	latest, err := db.LatestSnapshot("codex")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if latest != nil {
		t.Errorf("latest = %+v, want nil for empty table", latest)
	}
}

func TestHistoryOrderAndLimit(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := db.InsertSnapshot(snapshot("codex", base.Add(time.Duration(i)*time.Hour), float64(100-i*10))); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := db.History("codex", 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("len = %d, want 3", len(hist))
	}
	if hist[0].Primary().PercentRemaining != 60 {
		t.Errorf("newest first: got %v", hist[0].Primary().PercentRemaining)
	}
}

func TestHistoryScopedToProvider(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	db.InsertSnapshot(snapshot("claude", now, 80))
	db.InsertSnapshot(snapshot("gemini", now, 50))

	hist, err := db.History("gemini", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].ProviderID != "gemini" {
		t.Errorf("history = %+v, want only gemini", hist)
	}

	providers, err := db.Providers()
	if err != nil {
		t.Fatal(err)
	}
	if len(providers) != 2 || providers[0] != "claude" || providers[1] != "gemini" {
		t.Errorf("providers = %v", providers)
	}
}

func TestPrune(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	db.InsertSnapshot(snapshot("claude", now.Add(-48*time.Hour), 90))
	db.InsertSnapshot(snapshot("claude", now, 70))

	n, err := db.Prune(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	hist, _ := db.History("claude", 0)
	if len(hist) != 1 {
		t.Errorf("remaining = %d, want 1", len(hist))
	}
}

func TestMeta(t *testing.T) {
	db := openTestDB(t)
	if err := db.SetMeta("schema_note", "v1"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetMeta("schema_note")
	if err != nil || v != "v1" {
		t.Errorf("GetMeta = %q, %v", v, err)
	}
	if v, err := db.GetMeta("absent"); err != nil || v != "" {
		t.Errorf("absent key = %q, %v", v, err)
	}
}
