package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kholbekj/scrap-yard/internal/crdtstore"
	"github.com/kholbekj/scrap-yard/internal/types"
	"github.com/kholbekj/scrap-yard/internal/yarderr"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := crdtstore.Open(":memory:")
	if err != nil {
		t.Fatalf("crdtstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	e, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func syncAllChanges(t *testing.T, from, to *Engine) {
	t.Helper()
	changes, err := from.store.ChangesSince(0)
	if err != nil {
		t.Fatalf("ChangesSince: %v", err)
	}
	if err := to.store.ApplyChanges(changes); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}
}

func TestCatalogConvergence(t *testing.T) {
	a := newTestEngine(t)
	b := newTestEngine(t)

	if _, err := a.Add(types.SiteFields{Name: "Alpha", Description: "α"}); err != nil {
		t.Fatalf("a.Add: %v", err)
	}
	if _, err := b.Add(types.SiteFields{Name: "Beta"}); err != nil {
		t.Fatalf("b.Add: %v", err)
	}

	syncAllChanges(t, a, b)
	syncAllChanges(t, b, a)

	aSites, err := a.AllSites()
	if err != nil {
		t.Fatalf("a.AllSites: %v", err)
	}
	bSites, err := b.AllSites()
	if err != nil {
		t.Fatalf("b.AllSites: %v", err)
	}
	if len(aSites) != 2 || len(bSites) != 2 {
		t.Fatalf("expected 2 rows on both replicas, got a=%d b=%d", len(aSites), len(bSites))
	}

	namesA := map[string]bool{}
	for _, s := range aSites {
		namesA[s.Name] = true
	}
	namesB := map[string]bool{}
	for _, s := range bSites {
		namesB[s.Name] = true
	}
	if !namesA["Alpha"] || !namesA["Beta"] || !namesB["Alpha"] || !namesB["Beta"] {
		t.Fatalf("replicas diverged: a=%v b=%v", namesA, namesB)
	}
}

func TestMySitesAndAvailableSites(t *testing.T) {
	a := newTestEngine(t)
	b := newTestEngine(t)

	if _, err := a.Add(types.SiteFields{Name: "Alpha"}); err != nil {
		t.Fatalf("a.Add: %v", err)
	}
	if _, err := b.Add(types.SiteFields{Name: "Beta"}); err != nil {
		t.Fatalf("b.Add: %v", err)
	}
	syncAllChanges(t, a, b)
	syncAllChanges(t, b, a)

	mineA, err := a.MySites()
	if err != nil {
		t.Fatalf("a.MySites: %v", err)
	}
	if len(mineA) != 1 || mineA[0].Name != "Alpha" {
		t.Fatalf("expected a.MySites to contain only Alpha, got %v", mineA)
	}

	mineB, err := b.MySites()
	if err != nil {
		t.Fatalf("b.MySites: %v", err)
	}
	if len(mineB) != 1 || mineB[0].Name != "Beta" {
		t.Fatalf("expected b.MySites to contain only Beta, got %v", mineB)
	}
}

func TestAvailableSitesRequiresNonEmptyFileCount(t *testing.T) {
	a := newTestEngine(t)
	b := newTestEngine(t)

	site, err := a.Add(types.SiteFields{Name: "Gamma"})
	if err != nil {
		t.Fatalf("a.Add: %v", err)
	}
	syncAllChanges(t, a, b)

	available, err := b.AvailableSites()
	if err != nil {
		t.Fatalf("b.AvailableSites: %v", err)
	}
	if len(available) != 0 {
		t.Fatalf("expected 0 available sites before file stats set, got %d", len(available))
	}

	if err := a.UpdateFileStats(site.ID, 3, 130000); err != nil {
		t.Fatalf("UpdateFileStats: %v", err)
	}
	syncAllChanges(t, a, b)

	available, err = b.AvailableSites()
	if err != nil {
		t.Fatalf("b.AvailableSites: %v", err)
	}
	if len(available) != 1 || available[0].Name != "Gamma" {
		t.Fatalf("expected Gamma to be available after file stats, got %v", available)
	}
}

func TestOwnerStabilityUnderMerge(t *testing.T) {
	a := newTestEngine(t)
	b := newTestEngine(t)

	site, err := a.Add(types.SiteFields{Name: "Alpha"})
	if err != nil {
		t.Fatalf("a.Add: %v", err)
	}
	syncAllChanges(t, a, b)

	patchedName := "Alpha Prime"
	if _, err := b.Update(site.ID, types.SitePatch{Name: &patchedName}); err != nil {
		t.Fatalf("b.Update: %v", err)
	}
	syncAllChanges(t, b, a)

	got, err := a.Get(site.ID)
	if err != nil {
		t.Fatalf("a.Get: %v", err)
	}
	if got.OwnerID != a.NodeID() {
		t.Fatalf("owner_id changed after non-owner update: got %s want %s", got.OwnerID, a.NodeID())
	}
	if got.Name != "Alpha Prime" {
		t.Fatalf("expected name update to merge, got %q", got.Name)
	}
}

func TestAdoptionIdentity(t *testing.T) {
	a := newTestEngine(t)
	b := newTestEngine(t)

	original, err := a.Add(types.SiteFields{Name: "Alpha", Description: "d", URL: "u", Thumbnail: "t", ContentHash: "h"})
	if err != nil {
		t.Fatalf("a.Add: %v", err)
	}
	syncAllChanges(t, a, b)

	adopted, originalID, err := b.Adopt(original.ID)
	if err != nil {
		t.Fatalf("b.Adopt: %v", err)
	}
	if originalID != original.ID {
		t.Fatalf("expected originalID %s, got %s", original.ID, originalID)
	}
	if adopted.ID == original.ID {
		t.Fatal("expected adopted row to have a new id")
	}
	if adopted.OwnerID != b.NodeID() {
		t.Fatalf("expected adopted row owned by adopter, got %s", adopted.OwnerID)
	}
	if adopted.Name != original.Name || adopted.Description != original.Description ||
		adopted.URL != original.URL || adopted.Thumbnail != original.Thumbnail {
		t.Fatal("expected display fields to be copied verbatim")
	}
}

func TestAdoptMissingIDFailsNotFound(t *testing.T) {
	a := newTestEngine(t)
	if _, _, err := a.Adopt("does-not-exist"); !errors.Is(err, yarderr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound adopting unknown id, got %v", err)
	}
}

func TestUpdateMissingIDReturnsNilWithoutError(t *testing.T) {
	a := newTestEngine(t)
	got, err := a.Update("does-not-exist", types.SitePatch{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil result for missing id, got %v", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	a := newTestEngine(t)
	site, err := a.Add(types.SiteFields{Name: "Alpha"})
	if err != nil {
		t.Fatalf("a.Add: %v", err)
	}
	if err := a.Remove(site.ID); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := a.Remove(site.ID); err != nil {
		t.Fatalf("second Remove should be a no-op, got: %v", err)
	}
	if _, err := a.Get(site.ID); err == nil {
		t.Fatal("expected Get to fail after remove")
	}
}

func TestRemoveThenSyncPropagatesTombstone(t *testing.T) {
	a := newTestEngine(t)
	b := newTestEngine(t)

	site, err := a.Add(types.SiteFields{Name: "Alpha"})
	if err != nil {
		t.Fatalf("a.Add: %v", err)
	}
	syncAllChanges(t, a, b)

	if err := a.Remove(site.ID); err != nil {
		t.Fatalf("a.Remove: %v", err)
	}
	syncAllChanges(t, a, b)

	if _, err := a.Get(site.ID); err == nil {
		t.Fatal("expected a.Get to fail after remove")
	}
	if _, err := b.Get(site.ID); err == nil {
		t.Fatal("expected b.Get to fail after tombstone sync")
	}

	if _, err := b.Add(types.SiteFields{Name: "Unaffected"}); err != nil {
		t.Fatalf("b.Add after sync should be unaffected: %v", err)
	}
}

func TestConnectDialsSignalingAndSendsJoinWithToken(t *testing.T) {
	var upgrader websocket.Upgrader
	conns := make(chan *websocket.Conn, 1)
	var gotQuery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	e := newTestEngine(t)
	peers, err := e.Connect(context.Background(), wsURL, "room-token")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if peers == nil {
		t.Fatal("expected a non-nil peer Manager")
	}
	t.Cleanup(func() { e.sig.Close() })

	if !strings.Contains(gotQuery, "token=room-token") {
		t.Fatalf("expected token in query string, got %q", gotQuery)
	}

	serverConn := <-conns
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env map[string]any
	if err := serverConn.ReadJSON(&env); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if env["type"] != "join" {
		t.Fatalf("expected first message to be join, got %v", env["type"])
	}
	if env["peerId"] != e.NodeID() {
		t.Fatalf("expected join peerId %s, got %v", e.NodeID(), env["peerId"])
	}
}

func TestConnectWithoutURLOrTokenFails(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Connect(context.Background(), "", "room-token"); !errors.Is(err, yarderr.ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing without a url, got %v", err)
	}
	if _, err := e.Connect(context.Background(), "ws://localhost:9", ""); !errors.Is(err, yarderr.ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing without a token, got %v", err)
	}
}

func TestVersionIsNonDecreasing(t *testing.T) {
	a := newTestEngine(t)
	v0 := a.store.Version()
	a.Add(types.SiteFields{Name: "One"})
	v1 := a.store.Version()
	a.Add(types.SiteFields{Name: "Two"})
	v2 := a.store.Version()

	if v1 < v0 || v2 < v1 {
		t.Fatalf("expected non-decreasing version, got %d -> %d -> %d", v0, v1, v2)
	}
}
