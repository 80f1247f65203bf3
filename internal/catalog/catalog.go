// Package catalog is the node's replicated site directory: it wraps the
// CRDT store with the `sites` table schema, drives the version-exchange
// sync protocol over peer data channels, and exposes the catalog API
// clients call (add/update/remove/adopt and the various list views).
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/kholbekj/scrap-yard/internal/crdtstore"
	"github.com/kholbekj/scrap-yard/internal/peer"
	"github.com/kholbekj/scrap-yard/internal/signaling"
	"github.com/kholbekj/scrap-yard/internal/types"
	"github.com/kholbekj/scrap-yard/internal/yarderr"
	"github.com/kholbekj/scrap-yard/internal/yardlog"
)

const sitesTable = "sites"

// DBName is the on-disk name of the node's catalog database; the suffix
// tracks the sites schema version.
const DBName = "scrap_yard_v1"

const sitesDDL = `
CREATE TABLE IF NOT EXISTS sites (
	id           TEXT PRIMARY KEY,
	name         TEXT,
	description  TEXT,
	url          TEXT,
	thumbnail    TEXT,
	owner_id     TEXT,
	content_hash TEXT,
	file_count   INTEGER,
	file_size    INTEGER,
	added_at     TEXT,
	updated_at   TEXT
);
`

// Message types exchanged on the ledger channel for catalog sync.
const (
	msgSyncRequest  = "sync-request"
	msgSyncResponse = "sync-response"
	msgChanges      = "changes"
	msgPing         = "ping"
	msgPong         = "pong"
)

type wireEnvelope struct {
	Type    string               `json:"type"`
	Version int64                `json:"version,omitempty"`
	Changes []types.ChangeRecord `json:"changes,omitempty"`
}

// SyncEvent is emitted whenever an inbound batch of changes is folded in.
type SyncEvent struct {
	Count    int
	FromPeer string
}

// Engine is the catalog engine, wrapping the CRDT store and the peer
// manager into one replicated site directory.
type Engine struct {
	store      *crdtstore.Store
	peers      *peer.Manager
	sig        *signaling.Client
	iceServers []webrtc.ICEServer
	log        zerolog.Logger

	mu                sync.Mutex
	lastSyncedVersion map[string]int64 // peerID -> version
	lastBroadcastVer  int64
	storeSub          int

	subMu  sync.Mutex
	onSync []func(SyncEvent)
}

// New creates a catalog engine over an already-open CRDT store, ensuring
// the sites table exists and is CRDT-enabled.
func New(store *crdtstore.Store) (*Engine, error) {
	if _, err := store.Exec(sitesDDL); err != nil {
		return nil, fmt.Errorf("catalog: create sites table: %w", err)
	}
	if err := store.EnableCRDT(sitesTable, "id"); err != nil {
		return nil, fmt.Errorf("catalog: enable crdt on sites: %w", err)
	}

	e := &Engine{
		store:             store,
		log:               yardlog.WithNode(yardlog.Component("catalog"), store.NodeID()),
		lastSyncedVersion: make(map[string]int64),
	}
	e.lastBroadcastVer = store.Version()

	return e, nil
}

// AttachPeers wires the engine to a peer Manager: inbound sync envelopes are
// dispatched to the store, and local writes are broadcast to ready peers.
func (e *Engine) AttachPeers(peers *peer.Manager) {
	e.peers = peers

	peers.OnMessage(e.handlePeerMessage)
	peers.OnPeerReady(e.handlePeerReady)
	peers.OnPeerLeave(func(peerID string) {
		e.mu.Lock()
		delete(e.lastSyncedVersion, peerID)
		e.mu.Unlock()
	})

	if e.storeSub == 0 {
		e.storeSub = e.store.Subscribe(func(table, rowID string) {
			e.broadcastChanges()
		})
	}
}

// SetICEServers overrides the ICE server list later Connect calls hand to
// the peer Manager; an empty list leaves the public-STUN default in place.
func (e *Engine) SetICEServers(servers []webrtc.ICEServer) {
	e.iceServers = servers
}

// Connect dials the signaling server at signalingURL with token, creates the
// peer Manager over it, and attaches it to this engine so inbound sync
// envelopes and local writes flow between store and peers.
func (e *Engine) Connect(ctx context.Context, signalingURL, token string) (*peer.Manager, error) {
	if signalingURL == "" || token == "" {
		return nil, fmt.Errorf("catalog: connect needs a signaling url and a room token: %w", yarderr.ErrConfigurationMissing)
	}

	dialURL, err := withToken(signalingURL, token)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	sig, err := signaling.New(dialURL, e.store.NodeID())
	if err != nil {
		return nil, fmt.Errorf("catalog: new signaling client: %w", err)
	}

	// Subscribe everything before dialing: the roster snapshot arrives in
	// response to the join sent during Connect, and must not race the peer
	// manager's handler registration.
	peers := peer.NewManager(sig, e.store.NodeID(), e.iceServers)
	e.sig = sig
	e.AttachPeers(peers)

	if err := sig.Connect(ctx); err != nil {
		return nil, fmt.Errorf("catalog: connect signaling: %w (%v)", yarderr.ErrTransportUnavailable, err)
	}

	e.mu.Lock()
	e.lastBroadcastVer = e.store.Version()
	e.mu.Unlock()

	return peers, nil
}

func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// OnSync registers a callback fired each time an inbound change batch is applied.
func (e *Engine) OnSync(f func(SyncEvent)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.onSync = append(e.onSync, f)
}

func (e *Engine) emitSync(ev SyncEvent) {
	e.subMu.Lock()
	hooks := append([]func(SyncEvent){}, e.onSync...)
	e.subMu.Unlock()
	for _, h := range hooks {
		h(ev)
	}
}

// handlePeerReady sends the initial sync-request once a peer's channel opens.
func (e *Engine) handlePeerReady(peerID string) {
	env := wireEnvelope{Type: msgSyncRequest, Version: e.store.Version()}
	raw, err := json.Marshal(env)
	if err != nil {
		e.log.Error().Err(err).Msg("marshal sync-request")
		return
	}
	if err := e.peers.Send(peerID, raw); err != nil {
		e.log.Warn().Err(err).Str("peer_id", peerID).Msg("send sync-request")
	}
}

func (e *Engine) handlePeerMessage(peerID string, data []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return // malformed or not a catalog envelope (e.g. file-transfer custom), ignore
	}

	switch env.Type {
	case msgSyncRequest:
		e.respondSync(peerID, env.Version)
	case msgSyncResponse, msgChanges:
		e.applyInbound(peerID, env)
	case msgPing:
		if raw, err := json.Marshal(wireEnvelope{Type: msgPong}); err == nil {
			e.peers.Send(peerID, raw)
		}
	case msgPong:
		// liveness answer, nothing to fold in
	default:
		// unknown or foreign envelope type (custom/file-transfer); not ours
	}
}

func (e *Engine) respondSync(peerID string, sinceVersion int64) {
	changes, err := e.store.ChangesSince(sinceVersion)
	if err != nil {
		e.log.Error().Err(err).Msg("changes-since for sync-response")
		return
	}
	resp := wireEnvelope{Type: msgSyncResponse, Changes: changes, Version: e.store.Version()}
	raw, err := json.Marshal(resp)
	if err != nil {
		e.log.Error().Err(err).Msg("marshal sync-response")
		return
	}
	if err := e.peers.Send(peerID, raw); err != nil {
		e.log.Warn().Err(err).Str("peer_id", peerID).Msg("send sync-response")
	}
}

func (e *Engine) applyInbound(peerID string, env wireEnvelope) {
	if err := e.store.ApplyChanges(env.Changes); err != nil {
		e.log.Error().Err(err).Str("peer_id", peerID).Msg("apply-changes failed, not advancing last-synced-version")
		return
	}

	e.mu.Lock()
	e.lastSyncedVersion[peerID] = env.Version
	e.mu.Unlock()

	e.emitSync(SyncEvent{Count: len(env.Changes), FromPeer: peerID})
}

// broadcastChanges fires on every local-update hook: it computes the delta
// since the last broadcast and, if non-empty, pushes it to every ready peer.
func (e *Engine) broadcastChanges() {
	e.mu.Lock()
	since := e.lastBroadcastVer
	e.mu.Unlock()

	changes, err := e.store.ChangesSince(since)
	if err != nil {
		e.log.Error().Err(err).Msg("changes-since for broadcast")
		return
	}
	if len(changes) == 0 {
		return
	}

	// Advance only to the highest version actually carried in this batch: a
	// write that lands between ChangesSince and here still gets its own
	// broadcast tick instead of being silently skipped.
	maxVer := changes[len(changes)-1].DBVersion

	env := wireEnvelope{Type: msgChanges, Changes: changes, Version: maxVer}
	raw, err := json.Marshal(env)
	if err != nil {
		e.log.Error().Err(err).Msg("marshal changes broadcast")
		return
	}

	if e.peers != nil {
		e.peers.Broadcast(raw)
	}

	e.mu.Lock()
	if maxVer > e.lastBroadcastVer {
		e.lastBroadcastVer = maxVer
	}
	e.mu.Unlock()
}

// --- Catalog API -----------------------------------------------------------

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSite(row rowScanner) (types.Site, error) {
	var s types.Site
	var fileCount, fileSize sql.NullInt64
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.URL, &s.Thumbnail, &s.OwnerID, &s.ContentHash, &fileCount, &fileSize, &s.AddedAt, &s.UpdatedAt)
	s.FileCount = int(fileCount.Int64)
	s.FileSize = fileSize.Int64
	return s, err
}

// AllSites returns every non-deleted site row known to this replica.
func (e *Engine) AllSites() ([]types.Site, error) {
	rows, err := e.store.Query(`SELECT id, name, description, url, thumbnail, owner_id, content_hash, file_count, file_size, added_at, updated_at FROM sites ORDER BY added_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", yarderr.ErrStoreFailure, err)
	}
	defer rows.Close()

	var out []types.Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", yarderr.ErrStoreFailure, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MySites returns sites owned by this replica.
func (e *Engine) MySites() ([]types.Site, error) {
	all, err := e.AllSites()
	if err != nil {
		return nil, err
	}
	var mine []types.Site
	for _, s := range all {
		if s.OwnerID == e.store.NodeID() {
			mine = append(mine, s)
		}
	}
	return mine, nil
}

// AvailableSites returns sites owned by someone else with at least one file.
func (e *Engine) AvailableSites() ([]types.Site, error) {
	all, err := e.AllSites()
	if err != nil {
		return nil, err
	}
	var available []types.Site
	for _, s := range all {
		if s.OwnerID != e.store.NodeID() && s.FileCount > 0 {
			available = append(available, s)
		}
	}
	return available, nil
}

// Get returns the site with the given id, or ErrNotFound.
func (e *Engine) Get(id string) (types.Site, error) {
	row := e.store.QueryRow(`SELECT id, name, description, url, thumbnail, owner_id, content_hash, file_count, file_size, added_at, updated_at FROM sites WHERE id = ?`, id)
	s, err := scanSite(row)
	if err != nil {
		return types.Site{}, fmt.Errorf("%w: site %s", yarderr.ErrNotFound, id)
	}
	return s, nil
}

// Add inserts a new site owned by this replica, assigning its id and timestamps.
func (e *Engine) Add(fields types.SiteFields) (types.Site, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)

	cols := map[string]any{
		"name":         fields.Name,
		"description":  fields.Description,
		"url":          fields.URL,
		"thumbnail":    fields.Thumbnail,
		"owner_id":     e.store.NodeID(),
		"content_hash": fields.ContentHash,
		"file_count":   int64(0),
		"file_size":    int64(0),
		"added_at":     now,
		"updated_at":   now,
	}
	if err := e.store.Upsert(sitesTable, id, cols); err != nil {
		return types.Site{}, fmt.Errorf("%w: %v", yarderr.ErrStoreFailure, err)
	}
	return e.Get(id)
}

// Update applies patch to an existing site's columns. An unknown id returns
// (nil, nil) rather than an error.
func (e *Engine) Update(id string, patch types.SitePatch) (*types.Site, error) {
	if _, err := e.Get(id); err != nil {
		return nil, nil
	}

	cols := map[string]any{}
	if patch.Name != nil {
		cols["name"] = *patch.Name
	}
	if patch.Description != nil {
		cols["description"] = *patch.Description
	}
	if patch.URL != nil {
		cols["url"] = *patch.URL
	}
	if patch.Thumbnail != nil {
		cols["thumbnail"] = *patch.Thumbnail
	}
	if patch.ContentHash != nil {
		cols["content_hash"] = *patch.ContentHash
	}

	if len(cols) == 0 {
		s, err := e.Get(id)
		return &s, err
	}

	cols["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	if err := e.store.Upsert(sitesTable, id, cols); err != nil {
		return nil, fmt.Errorf("%w: %v", yarderr.ErrStoreFailure, err)
	}
	s, err := e.Get(id)
	return &s, err
}

// Remove tombstones a site row. It is idempotent: removing an unknown id is not an error.
func (e *Engine) Remove(id string) error {
	if err := e.store.Delete(sitesTable, id); err != nil {
		return fmt.Errorf("%w: %v", yarderr.ErrStoreFailure, err)
	}
	return nil
}

// UpdateFileStats updates the owner's local file-set counters for a site.
func (e *Engine) UpdateFileStats(id string, count int, size int64) error {
	cols := map[string]any{
		"file_count": int64(count),
		"file_size":  size,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.store.Upsert(sitesTable, id, cols); err != nil {
		return fmt.Errorf("%w: %v", yarderr.ErrStoreFailure, err)
	}
	return nil
}

// FindMineByHash returns the caller's own site, if any, whose content_hash matches.
func (e *Engine) FindMineByHash(hash string) (*types.Site, error) {
	mine, err := e.MySites()
	if err != nil {
		return nil, err
	}
	for _, s := range mine {
		if s.ContentHash == hash {
			return &s, nil
		}
	}
	return nil, nil
}

// Adopt copies a foreign row's metadata into a new row owned by this
// replica, returning the new site and the original id. The caller is
// responsible for copying the underlying blobs (blobstore.CopySite).
func (e *Engine) Adopt(originalID string) (types.Site, string, error) {
	original, err := e.Get(originalID)
	if err != nil {
		return types.Site{}, "", fmt.Errorf("%w: site %s", yarderr.ErrNotFound, originalID)
	}

	newSite, err := e.Add(types.SiteFields{
		Name:        original.Name,
		Description: original.Description,
		URL:         original.URL,
		Thumbnail:   original.Thumbnail,
		ContentHash: original.ContentHash,
	})
	if err != nil {
		return types.Site{}, "", err
	}
	if err := e.UpdateFileStats(newSite.ID, original.FileCount, original.FileSize); err != nil {
		return types.Site{}, "", err
	}
	newSite, err = e.Get(newSite.ID)
	return newSite, originalID, err
}

// NodeID returns this replica's stable identifier.
func (e *Engine) NodeID() string { return e.store.NodeID() }
