package statedb

import (
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.RecordClient("alice", "/cache/alice", time.Now()); err != nil {
		t.Fatalf("RecordClient: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate twice: %v", err)
	}

	rows, err := db2.LoadClients()
	if err != nil {
		t.Fatalf("LoadClients: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "alice" || rows[0].WorkDir != "/cache/alice" {
		t.Fatalf("unexpected rows after reopen: %+v", rows)
	}
	if rows[0].LastStatus != "unknown" {
		t.Errorf("default status = %q, want unknown", rows[0].LastStatus)
	}
}

func TestRecordClientKeepsCreatedAt(t *testing.T) {
	db := newTestDB(t)
	first := time.Unix(1_700_000_000, 0)
	later := first.Add(time.Hour)

	if err := db.RecordClient("bob", "/a", first); err != nil {
		t.Fatalf("RecordClient: %v", err)
	}
	if err := db.RecordClient("bob", "/b", later); err != nil {
		t.Fatalf("RecordClient again: %v", err)
	}

	rows, err := db.LoadClients()
	if err != nil {
		t.Fatalf("LoadClients: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if !rows[0].CreatedAt.Equal(first) {
		t.Errorf("CreatedAt = %v, want %v", rows[0].CreatedAt, first)
	}
	if !rows[0].LastSeen.Equal(later) {
		t.Errorf("LastSeen = %v, want %v", rows[0].LastSeen, later)
	}
	if rows[0].WorkDir != "/b" {
		t.Errorf("WorkDir = %q, want /b", rows[0].WorkDir)
	}
}

func TestWriteStatusAndDelete(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	if err := db.RecordClient("c1", "/c1", now); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordClient("c2", "/c2", now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := db.WriteStatus("c1", "logged_in", now); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	// Unknown client: silently ignored.
	if err := db.WriteStatus("ghost", "logged_in", now); err != nil {
		t.Fatalf("WriteStatus ghost: %v", err)
	}

	if err := db.DeleteClient("c2"); err != nil {
		t.Fatalf("DeleteClient: %v", err)
	}
	if err := db.DeleteClient("c2"); err != nil {
		t.Fatalf("DeleteClient twice: %v", err)
	}

	rows, err := db.LoadClients()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != "c1" || rows[0].LastStatus != "logged_in" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestSubscriptions(t *testing.T) {
	db := newTestDB(t)

	subs := []*SubscriptionRow{
		{Endpoint: "https://push.example/all", P256dh: "k1", Auth: "a1"},
		{Endpoint: "https://push.example/alice", P256dh: "k2", Auth: "a2", ClientID: "alice"},
		{Endpoint: "https://push.example/bob", P256dh: "k3", Auth: "a3", ClientID: "bob"},
	}
	for _, s := range subs {
		if err := db.SaveSubscription(s); err != nil {
			t.Fatalf("SaveSubscription: %v", err)
		}
	}

	all, err := db.LoadSubscriptions("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", len(all))
	}

	forAlice, err := db.LoadSubscriptions("alice")
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, s := range forAlice {
		got[s.Endpoint] = true
	}
	if len(got) != 2 || !got["https://push.example/all"] || !got["https://push.example/alice"] {
		t.Fatalf("alice subscriptions = %v", got)
	}

	removed, err := db.DeleteSubscription("https://push.example/bob")
	if err != nil || !removed {
		t.Fatalf("DeleteSubscription = %v, %v", removed, err)
	}
	removed, err = db.DeleteSubscription("https://push.example/bob")
	if err != nil || removed {
		t.Fatalf("second DeleteSubscription = %v, %v", removed, err)
	}
}

func TestMeta(t *testing.T) {
	db := newTestDB(t)

	v, err := db.GetMeta("schema_version")
	if err != nil || v != strconv.Itoa(SchemaVersion) {
		t.Fatalf("schema_version = %q, %v", v, err)
	}
	v, err = db.GetMeta("missing")
	if err != nil || v != "" {
		t.Fatalf("missing key = %q, %v", v, err)
	}
	if err := db.SetMeta("vapid_public", "pub"); err != nil {
		t.Fatal(err)
	}
	v, _ = db.GetMeta("vapid_public")
	if v != "pub" {
		t.Fatalf("vapid_public = %q", v)
	}
}

func TestConcurrentWrites(t *testing.T) {
	db := newTestDB(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := db.RecordClient(id, "/"+id, time.Now()); err != nil {
				t.Errorf("RecordClient %s: %v", id, err)
			}
			if err := db.WriteStatus(id, "not_logged_in", time.Now()); err != nil {
				t.Errorf("WriteStatus %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	rows, err := db.LoadClients()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 10 {
		t.Fatalf("expected 10 clients, got %d", len(rows))
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := newTestDB(t)
	if err := db.RecordClient("alice", "/cache/alice", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	rows, err := db.LoadClients()
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows after re-migrate = %v, %v", rows, err)
	}
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	db := newTestDB(t)
	if err := db.SetMeta("schema_version", strconv.Itoa(SchemaVersion+1)); err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err == nil {
		t.Fatal("expected an error for a newer schema")
	}
}
