package devicestore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUpsertAndGet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rec := Record{ID: "A", Name: "Pix", IP: "10.0.0.5", Status: StatusPending}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok := s.Get("A")
	if !ok {
		t.Fatal("expected record A to exist")
	}
	if got.Status != StatusPending {
		t.Fatalf("Status = %v, want Pending", got.Status)
	}
}

func TestReloadAfterMutationsYieldsSameSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Upsert(Record{ID: "A", Status: StatusPending, IP: "10.0.0.5"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(Record{ID: "A", Status: StatusTrusted, IP: "10.0.0.5", AutoReconnect: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(Record{ID: "B", Status: StatusBlocked, IP: "10.0.0.9"}); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	want := s.Snapshot()
	got := reloaded.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("snapshot length = %d, want %d", len(got), len(want))
	}

	byID := make(map[string]Record)
	for _, r := range got {
		byID[r.ID] = r
	}
	a, ok := byID["A"]
	if !ok || a.Status != StatusTrusted || !a.AutoReconnect {
		t.Fatalf("reloaded record A = %+v", a)
	}
	b, ok := byID["B"]
	if !ok || b.Status != StatusBlocked {
		t.Fatalf("reloaded record B = %+v", b)
	}
}

func TestMissingFileYieldsEmptyRegistry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open on missing file: %v", err)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("expected empty registry")
	}
}

func TestRemovePendingForIPOnlyRemovesPending(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)

	s.Upsert(Record{ID: "A", Status: StatusPending, IP: "10.0.0.5"})
	s.Upsert(Record{ID: "B", Status: StatusTrusted, IP: "10.0.0.5"})

	n, err := s.RemovePendingForIP("10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed %d records, want 1", n)
	}
	if _, ok := s.Get("A"); ok {
		t.Fatal("pending record A should have been removed")
	}
	if _, ok := s.Get("B"); !ok {
		t.Fatal("trusted record B should survive")
	}
}

func TestUpsertWritesToFixedFileName(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(dir)
	if err := s.Upsert(Record{ID: "A", Status: StatusPending, IP: "10.0.0.5"}); err != nil {
		t.Fatal(err)
	}

	want := filepath.Join(dir, "devices.yaml")
	if _, err := os.Stat(want); err != nil {
		t.Fatal(err)
	}
}
