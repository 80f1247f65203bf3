package restclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kholbekj/scrap-yard/internal/types"
)

func TestAllSitesDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sites" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]types.Site{{ID: "a", Name: "Alpha"}})
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	sites, err := c.AllSites(context.Background())
	if err != nil {
		t.Fatalf("AllSites: %v", err)
	}
	if len(sites) != 1 || sites[0].Name != "Alpha" {
		t.Fatalf("unexpected sites: %v", sites)
	}
}

func TestGetSiteNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	if _, err := c.GetSite(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddSitePostsFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var fields types.SiteFields
		json.NewDecoder(r.Body).Decode(&fields)
		json.NewEncoder(w).Encode(types.Site{ID: "new-id", Name: fields.Name})
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	site, err := c.AddSite(context.Background(), types.SiteFields{Name: "Gamma"})
	if err != nil {
		t.Fatalf("AddSite: %v", err)
	}
	if site.ID != "new-id" || site.Name != "Gamma" {
		t.Fatalf("unexpected site: %v", site)
	}
}

func TestAdoptSitePostsToAdoptPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/sites/original-id/adopt" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(types.Site{ID: "new-id", OwnerID: "me"})
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	site, err := c.AdoptSite(context.Background(), "original-id")
	if err != nil {
		t.Fatalf("AdoptSite: %v", err)
	}
	if site.ID != "new-id" || site.OwnerID != "me" {
		t.Fatalf("unexpected site: %v", site)
	}
}

func TestErrorStatusSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "store failure"})
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	_, err := c.AllSites(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Status != http.StatusInternalServerError || apiErr.Message != "store failure" {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}
}
