package crdtstore

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.Exec(`CREATE TABLE sites (id TEXT PRIMARY KEY, name TEXT, url TEXT)`); err != nil {
		t.Fatalf("create sites table: %v", err)
	}
	if err := s.EnableCRDT("sites", "id"); err != nil {
		t.Fatalf("EnableCRDT: %v", err)
	}
	return s
}

func TestUpsertAdvancesVersionAndLedger(t *testing.T) {
	s := newTestStore(t)

	if v := s.Version(); v != 0 {
		t.Fatalf("expected initial version 0, got %d", v)
	}

	if err := s.Upsert("sites", "site-1", map[string]any{"name": "My Site", "url": "http://a"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if v := s.Version(); v != 1 {
		t.Fatalf("expected version 1 after one upsert, got %d", v)
	}

	changes, err := s.ChangesSince(0)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 change records (name, url), got %d", len(changes))
	}
}

func TestSubscribeFiresOnLocalWrite(t *testing.T) {
	s := newTestStore(t)

	fired := make(chan string, 1)
	s.Subscribe(func(table, rowID string) {
		fired <- table + ":" + rowID
	})

	if err := s.Upsert("sites", "site-1", map[string]any{"name": "X"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	select {
	case got := <-fired:
		if got != "sites:site-1" {
			t.Fatalf("expected sites:site-1, got %s", got)
		}
	default:
		t.Fatal("subscribe hook did not fire")
	}
}

func TestApplyChangesIsIdempotent(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	if err := a.Upsert("sites", "site-1", map[string]any{"name": "From A", "url": "http://a"}); err != nil {
		t.Fatalf("Upsert on a: %v", err)
	}

	changes, err := a.ChangesSince(0)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}

	if err := b.ApplyChanges(changes); err != nil {
		t.Fatalf("first ApplyChanges: %v", err)
	}
	vAfterFirst := b.Version()

	if err := b.ApplyChanges(changes); err != nil {
		t.Fatalf("second ApplyChanges: %v", err)
	}

	var name string
	if err := b.QueryRow(`SELECT name FROM sites WHERE id = ?`, "site-1").Scan(&name); err != nil {
		t.Fatalf("query merged row: %v", err)
	}
	if name != "From A" {
		t.Fatalf("expected name 'From A', got %q", name)
	}
	if b.Version() < vAfterFirst {
		t.Fatalf("version should not go backwards on replay")
	}
}

func TestApplyChangesConvergesOnConcurrentWrites(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	if err := a.Upsert("sites", "site-1", map[string]any{"name": "A wins?"}); err != nil {
		t.Fatalf("Upsert on a: %v", err)
	}
	if err := b.Upsert("sites", "site-1", map[string]any{"name": "B wins?"}); err != nil {
		t.Fatalf("Upsert on b: %v", err)
	}

	changesFromA, err := a.ChangesSince(0)
	if err != nil {
		t.Fatalf("ChangesSince a: %v", err)
	}
	changesFromB, err := b.ChangesSince(0)
	if err != nil {
		t.Fatalf("ChangesSince b: %v", err)
	}

	if err := a.ApplyChanges(changesFromB); err != nil {
		t.Fatalf("apply b->a: %v", err)
	}
	if err := b.ApplyChanges(changesFromA); err != nil {
		t.Fatalf("apply a->b: %v", err)
	}

	var nameA, nameB string
	if err := a.QueryRow(`SELECT name FROM sites WHERE id = ?`, "site-1").Scan(&nameA); err != nil {
		t.Fatalf("query a: %v", err)
	}
	if err := b.QueryRow(`SELECT name FROM sites WHERE id = ?`, "site-1").Scan(&nameB); err != nil {
		t.Fatalf("query b: %v", err)
	}
	if nameA != nameB {
		t.Fatalf("replicas diverged: a=%q b=%q", nameA, nameB)
	}
}

func TestDeleteTombstonesBlockResurrection(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	if err := a.Upsert("sites", "site-1", map[string]any{"name": "gone soon"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	firstChanges, err := a.ChangesSince(0)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if err := b.ApplyChanges(firstChanges); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}

	if err := a.Delete("sites", "site-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var count int
	if err := a.QueryRow(`SELECT COUNT(*) FROM sites WHERE id = ?`, "site-1").Scan(&count); err != nil {
		t.Fatalf("count after delete: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected row removed locally after delete")
	}

	// A stale replay of the pre-delete change must not resurrect the row on b.
	if err := b.Delete("sites", "site-1"); err != nil {
		t.Fatalf("Delete on b: %v", err)
	}
	if err := b.ApplyChanges(firstChanges); err != nil {
		t.Fatalf("replay onto b: %v", err)
	}
	if err := b.QueryRow(`SELECT COUNT(*) FROM sites WHERE id = ?`, "site-1").Scan(&count); err != nil {
		t.Fatalf("count on b: %v", err)
	}
	if count != 0 {
		t.Fatalf("tombstoned row resurrected by stale replay")
	}
}

func TestChangesSinceOnlyReturnsNewer(t *testing.T) {
	s := newTestStore(t)
	if err := s.Upsert("sites", "site-1", map[string]any{"name": "one"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	v1 := s.Version()
	if err := s.Upsert("sites", "site-2", map[string]any{"name": "two"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	changes, err := s.ChangesSince(v1)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	for _, c := range changes {
		if c.Table != "sites" {
			t.Fatalf("unexpected table in changes: %s", c.Table)
		}
	}
	if len(changes) == 0 {
		t.Fatal("expected at least one change after v1")
	}
	for _, c := range changes {
		if c.DBVersion <= v1 {
			t.Fatalf("change with db_version %d should be > %d", c.DBVersion, v1)
		}
	}
}
