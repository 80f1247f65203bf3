package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kholbekj/scrap-yard/internal/blobstore"
	"github.com/kholbekj/scrap-yard/internal/catalog"
	"github.com/kholbekj/scrap-yard/internal/crdtstore"
	"github.com/kholbekj/scrap-yard/internal/types"
	"github.com/kholbekj/scrap-yard/internal/yardlog"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := crdtstore.Open(":memory:")
	if err != nil {
		t.Fatalf("crdtstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cat, err := catalog.New(store)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	blobs, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	router := gin.New()
	NewHandler(cat, blobs, yardlog.Component("test")).Register(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAddThenGetSite(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/sites", types.SiteFields{Name: "Alpha"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var created types.Site
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created site: %v", err)
	}
	if created.Name != "Alpha" || created.ID == "" {
		t.Fatalf("unexpected created site: %+v", created)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/sites/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetMissingSiteReturns404(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/sites/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAllSitesReturnsEmptyArrayNotNull(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/sites", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "[]" {
		t.Fatalf("expected empty JSON array, got %q", rec.Body.String())
	}
}

func TestUpdateThenRemoveSite(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/sites", types.SiteFields{Name: "Alpha"})
	var created types.Site
	json.Unmarshal(rec.Body.Bytes(), &created)

	newName := "Alpha Prime"
	rec = doJSON(t, router, http.MethodPatch, "/api/sites/"+created.ID, types.SitePatch{Name: &newName})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated types.Site
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Name != "Alpha Prime" {
		t.Fatalf("expected updated name, got %q", updated.Name)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/sites/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/sites/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after remove, got %d", rec.Code)
	}
}

func TestListPeersBeforeConnectReturnsEmpty(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/peers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "[]" {
		t.Fatalf("expected empty array, got %q", rec.Body.String())
	}
}

func TestImportBeforeConnectReturns503(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/peers/node-x/import/site-1", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
