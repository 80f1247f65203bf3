// Package api wires up the Gin HTTP router the node's REST surface runs on:
// the catalog CRUD views, the connect/peers operator endpoints, and the
// file-import trigger with its long-poll progress companion.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kholbekj/scrap-yard/internal/blobstore"
	"github.com/kholbekj/scrap-yard/internal/catalog"
	"github.com/kholbekj/scrap-yard/internal/filetransfer"
	"github.com/kholbekj/scrap-yard/internal/peer"
	"github.com/kholbekj/scrap-yard/internal/types"
	"github.com/kholbekj/scrap-yard/internal/yarderr"
)

// transferState is the last known state of one import-site job, read by the
// long-poll progress endpoint.
type transferState struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Path      string `json:"path"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

// Handler holds every dependency the REST surface needs. peers and transfer
// start nil and are populated the first time Connect succeeds.
type Handler struct {
	catalog *catalog.Engine
	blobs   *blobstore.Store
	log     zerolog.Logger

	mu       sync.Mutex
	peers    *peer.Manager
	transfer *filetransfer.Manager

	progressMu sync.Mutex
	progress   map[string]*transferJob
}

type transferJob struct {
	mu    sync.Mutex
	state transferState
	subs  []chan struct{}
}

// NewHandler creates a Handler. peers/transfer are wired in later, once
// Connect succeeds and the node has actually joined a room.
func NewHandler(cat *catalog.Engine, blobs *blobstore.Store, log zerolog.Logger) *Handler {
	return &Handler{
		catalog:  cat,
		blobs:    blobs,
		log:      log,
		progress: make(map[string]*transferJob),
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	sites := r.Group("/api/sites")
	sites.GET("", h.AllSites)
	sites.GET("/mine", h.MySites)
	sites.GET("/available", h.AvailableSites)
	sites.GET("/:id", h.GetSite)
	sites.POST("", h.AddSite)
	sites.PATCH("/:id", h.UpdateSite)
	sites.DELETE("/:id", h.RemoveSite)
	sites.POST("/:id/adopt", h.AdoptSite)

	r.POST("/api/connect", h.Connect)
	r.GET("/api/peers", h.ListPeers)
	r.POST("/api/peers/:id/import/:siteId", h.ImportSite)
	r.GET("/api/peers/:id/import/:siteId/progress", h.ImportProgress)
}

// ─── Catalog CRUD ─────────────────────────────────────────────────────────

func (h *Handler) AllSites(c *gin.Context) {
	sites, err := h.catalog.AllSites()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(sites))
}

func (h *Handler) MySites(c *gin.Context) {
	sites, err := h.catalog.MySites()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(sites))
}

func (h *Handler) AvailableSites(c *gin.Context) {
	sites, err := h.catalog.AvailableSites()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(sites))
}

func (h *Handler) GetSite(c *gin.Context) {
	site, err := h.catalog.Get(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

func (h *Handler) AddSite(c *gin.Context) {
	var fields types.SiteFields
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	site, err := h.catalog.Add(fields)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

func (h *Handler) UpdateSite(c *gin.Context) {
	var patch types.SitePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	site, err := h.catalog.Update(c.Param("id"), patch)
	if err != nil {
		writeErr(c, err)
		return
	}
	if site == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "site not found"})
		return
	}
	c.JSON(http.StatusOK, site)
}

func (h *Handler) RemoveSite(c *gin.Context) {
	if err := h.catalog.Remove(c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AdoptSite copies a foreign row's metadata into a row owned by this node
// and duplicates its cached blobs under the new id.
func (h *Handler) AdoptSite(c *gin.Context) {
	originalID := c.Param("id")
	adopted, _, err := h.catalog.Adopt(originalID)
	if err != nil {
		writeErr(c, err)
		return
	}
	if err := h.blobs.CopySite(originalID, adopted.ID); err != nil {
		writeErr(c, err)
		return
	}
	if err := h.catalog.UpdateFileStats(adopted.ID, len(h.blobs.List(adopted.ID)), h.blobs.Size(adopted.ID)); err != nil {
		writeErr(c, err)
		return
	}
	site, err := h.catalog.Get(adopted.ID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

// ─── Connect / peers ──────────────────────────────────────────────────────

func (h *Handler) Connect(c *gin.Context) {
	var body struct {
		SignalingURL string `json:"signalingUrl" binding:"required"`
		Token        string `json:"token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	peers, err := h.catalog.Connect(ctx, body.SignalingURL, body.Token)
	if err != nil {
		writeErr(c, err)
		return
	}

	h.mu.Lock()
	h.peers = peers
	h.transfer = filetransfer.New(peers, h.blobs)
	h.mu.Unlock()

	c.Status(http.StatusNoContent)
}

// PeerSummary is one entry of the node's current peer roster.
type PeerSummary struct {
	PeerID string `json:"peerId"`
	Ready  bool   `json:"ready"`
}

func (h *Handler) ListPeers(c *gin.Context) {
	h.mu.Lock()
	peers := h.peers
	h.mu.Unlock()
	if peers == nil {
		c.JSON(http.StatusOK, []PeerSummary{})
		return
	}
	var out []PeerSummary
	for _, id := range peers.ReadyPeers() {
		out = append(out, PeerSummary{PeerID: id, Ready: true})
	}
	c.JSON(http.StatusOK, orEmpty(out))
}

// ImportSite starts an import-site job in the background and returns
// immediately; progress is polled via ImportProgress.
func (h *Handler) ImportSite(c *gin.Context) {
	h.mu.Lock()
	transfer := h.transfer
	h.mu.Unlock()
	if transfer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": yarderr.ErrTransportUnavailable.Error()})
		return
	}

	peerID, siteID := c.Param("id"), c.Param("siteId")
	job := h.startJob(peerID, siteID)

	go func() {
		ctx := context.Background()
		err := transfer.ImportSite(ctx, peerID, siteID, func(completed, total int, path string) {
			job.update(completed, total, path, false, nil)
		})
		job.update(job.snapshot().Completed, job.snapshot().Total, "", true, err)
	}()

	c.Status(http.StatusAccepted)
}

// ImportProgress long-polls for the next progress update on a job started by
// ImportSite, returning the latest snapshot either when one arrives or after
// a bounded wait.
func (h *Handler) ImportProgress(c *gin.Context) {
	key := jobKey(c.Param("id"), c.Param("siteId"))

	h.progressMu.Lock()
	job, ok := h.progress[key]
	h.progressMu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no import in progress for this peer/site"})
		return
	}

	ch := job.subscribe()
	select {
	case <-ch:
	case <-time.After(25 * time.Second):
	case <-c.Request.Context().Done():
		return
	}

	c.JSON(http.StatusOK, job.snapshot())
}

func (h *Handler) startJob(peerID, siteID string) *transferJob {
	key := jobKey(peerID, siteID)
	job := &transferJob{}

	h.progressMu.Lock()
	h.progress[key] = job
	h.progressMu.Unlock()

	return job
}

func jobKey(peerID, siteID string) string {
	return peerID + "|" + siteID
}

func (j *transferJob) update(completed, total int, path string, done bool, err error) {
	j.mu.Lock()
	j.state = transferState{Completed: completed, Total: total, Path: path, Done: done}
	if err != nil {
		j.state.Error = err.Error()
	}
	subs := j.subs
	j.subs = nil
	j.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

func (j *transferJob) subscribe() chan struct{} {
	ch := make(chan struct{})
	j.mu.Lock()
	if j.state.Done {
		j.mu.Unlock()
		close(ch)
		return ch
	}
	j.subs = append(j.subs, ch)
	j.mu.Unlock()
	return ch
}

func (j *transferJob) snapshot() transferState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, yarderr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, yarderr.ErrPeerGone), errors.Is(err, yarderr.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, yarderr.ErrTransportUnavailable), errors.Is(err, yarderr.ErrConfigurationMissing):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// orEmpty turns a nil slice into a JSON-friendly empty one, so clients
// always see [] instead of null for list endpoints.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
