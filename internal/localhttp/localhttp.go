// Package localhttp serves a node's locally cached site files over HTTP,
// resolving `/local/{siteId}/{rest...}` against the blob store with the
// same index.html/.html fallback rules a static file server applies.
package localhttp

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/kholbekj/scrap-yard/internal/blobstore"
)

const pathPrefix = "/local/"

// Handler implements http.Handler over a blob store.
type Handler struct {
	blobs *blobstore.Store
}

// New creates a local HTTP interceptor over blobs.
func New(blobs *blobstore.Store) *Handler {
	return &Handler{blobs: blobs}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, pathPrefix) {
		http.NotFound(w, r)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, pathPrefix)
	siteID, fp, found := strings.Cut(rest, "/")
	if !found {
		siteID, fp = rest, ""
	}
	if siteID == "" {
		http.NotFound(w, r)
		return
	}

	if fp == "" {
		fp = "index.html"
	} else if strings.HasSuffix(fp, "/") {
		fp += "index.html"
	}

	if blob, ok := h.blobs.Get(siteID, fp); ok {
		h.writeBlob(w, blob.ContentType, blob.Bytes)
		return
	}

	if looksLikeDirectory(fp) {
		if blob, ok := h.blobs.Get(siteID, fp+".html"); ok {
			h.writeBlob(w, blob.ContentType, blob.Bytes)
			return
		}
		if blob, ok := h.blobs.Get(siteID, strings.TrimSuffix(fp, "/")+"/index.html"); ok {
			h.writeBlob(w, blob.ContentType, blob.Bytes)
			return
		}
	}

	if fp == "index.html" {
		if blob, ok := h.fallbackRootIndex(siteID); ok {
			h.writeBlob(w, blob.contentType, blob.bytes)
			return
		}
	}

	h.writeNotFound(w, siteID, fp)
}

func looksLikeDirectory(fp string) bool {
	base := fp
	if idx := strings.LastIndex(fp, "/"); idx >= 0 {
		base = fp[idx+1:]
	}
	return !strings.Contains(base, ".")
}

type fallbackBlob struct {
	contentType string
	bytes       []byte
}

// fallbackRootIndex picks any top-level index.html (case-insensitive) or
// any top-level .html file as a last resort for the site root.
func (h *Handler) fallbackRootIndex(siteID string) (fallbackBlob, bool) {
	files := h.blobs.List(siteID)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	for _, f := range files {
		if !strings.Contains(f.Path, "/") && strings.EqualFold(f.Path, "index.html") {
			if blob, ok := h.blobs.Get(siteID, f.Path); ok {
				return fallbackBlob{contentType: blob.ContentType, bytes: blob.Bytes}, true
			}
		}
	}
	for _, f := range files {
		if !strings.Contains(f.Path, "/") && strings.HasSuffix(strings.ToLower(f.Path), ".html") {
			if blob, ok := h.blobs.Get(siteID, f.Path); ok {
				return fallbackBlob{contentType: blob.ContentType, bytes: blob.Bytes}, true
			}
		}
	}
	return fallbackBlob{}, false
}

func (h *Handler) writeBlob(w http.ResponseWriter, contentType string, data []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("X-Origin", "cached")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) writeNotFound(w http.ResponseWriter, siteID, fp string) {
	files := h.blobs.List(siteID)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	var b strings.Builder
	fmt.Fprintf(&b, "not found: %s\n\navailable paths for site %s:\n", fp, siteID)
	for _, f := range files {
		fmt.Fprintf(&b, "  %s\n", f.Path)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(b.String()))
}
