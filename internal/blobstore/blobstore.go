// Package blobstore is the node's local content store: the file bytes of
// every site a node owns or has adopted, keyed by (siteId, path), durable
// across restarts through a write-ahead log and periodic snapshots.
//
// It follows a WAL-then-memory, snapshot-then-truncate discipline over
// content addressed by a two-part key. The catalog lives elsewhere, in the
// SQLite-backed crdtstore, which has no WAL or snapshot layer of this kind.
package blobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kholbekj/scrap-yard/internal/types"
)

type blobKey struct {
	SiteID string `json:"site_id"`
	Path   string `json:"path"`
}

type storedBlob struct {
	ContentType string    `json:"content_type"`
	Bytes       []byte    `json:"bytes"`
	CachedAt    time.Time `json:"cached_at"`
}

// Store holds every blob a node has on disk, indexed by (siteId, path).
type Store struct {
	mu      sync.RWMutex
	data    map[blobKey]storedBlob
	wal     *wal
	dataDir string
}

// New opens or creates a blob store rooted at dataDir, replaying its WAL
// (after loading the latest snapshot, if any) to rebuild the in-memory index.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("blobstore: create data dir: %w", err)
	}

	s := &Store{
		data:    make(map[blobKey]storedBlob),
		dataDir: dataDir,
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("blobstore: load snapshot: %w", err)
	}

	w, err := newWAL(filepath.Join(dataDir, "blobs.wal"))
	if err != nil {
		return nil, fmt.Errorf("blobstore: open wal: %w", err)
	}
	s.wal = w

	if err := s.replayWAL(); err != nil {
		return nil, fmt.Errorf("blobstore: replay wal: %w", err)
	}

	return s, nil
}

// Put stores or replaces the bytes for (siteID, path).
func (s *Store) Put(siteID, path, contentType string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := blobKey{SiteID: siteID, Path: path}
	b := storedBlob{ContentType: contentType, Bytes: data, CachedAt: time.Now().UTC()}

	if err := s.wal.append(walEntry{Op: opPut, Key: k, Blob: b}); err != nil {
		return fmt.Errorf("blobstore: wal append: %w", err)
	}
	s.data[k] = b
	return nil
}

// Get returns the blob stored for (siteID, path), if any.
func (s *Store) Get(siteID, path string) (types.Blob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.data[blobKey{SiteID: siteID, Path: path}]
	if !ok {
		return types.Blob{}, false
	}
	return types.Blob{
		SiteID:      siteID,
		Path:        path,
		ContentType: b.ContentType,
		Bytes:       b.Bytes,
		ByteLength:  len(b.Bytes),
		CachedAt:    b.CachedAt,
	}, true
}

// List returns the metadata (not the bytes) of every file stored for siteID.
func (s *Store) List(siteID string) []types.FileMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.FileMeta
	for k, b := range s.data {
		if k.SiteID != siteID {
			continue
		}
		out = append(out, types.FileMeta{
			Path:        k.Path,
			Size:        int64(len(b.Bytes)),
			ContentType: b.ContentType,
		})
	}
	return out
}

// DeleteSite removes every blob stored for siteID.
func (s *Store) DeleteSite(siteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.data {
		if k.SiteID != siteID {
			continue
		}
		if err := s.wal.append(walEntry{Op: opDelete, Key: k}); err != nil {
			return fmt.Errorf("blobstore: wal append delete: %w", err)
		}
		delete(s.data, k)
	}
	return nil
}

// CopySite duplicates every blob stored under fromSiteID to toSiteID, used
// when a site is adopted under a new local id.
func (s *Store) CopySite(fromSiteID, toSiteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, b := range s.data {
		if k.SiteID != fromSiteID {
			continue
		}
		dst := blobKey{SiteID: toSiteID, Path: k.Path}
		if err := s.wal.append(walEntry{Op: opPut, Key: dst, Blob: b}); err != nil {
			return fmt.Errorf("blobstore: wal append copy: %w", err)
		}
		s.data[dst] = b
	}
	return nil
}

// Size returns the total byte length of every file stored for siteID.
func (s *Store) Size(siteID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for k, b := range s.data {
		if k.SiteID == siteID {
			total += int64(len(b.Bytes))
		}
	}
	return total
}

// TotalSize returns the total byte length of every blob the node holds,
// across all sites.
func (s *Store) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, b := range s.data {
		total += int64(len(b.Bytes))
	}
	return total
}

// Snapshot writes the full in-memory index to disk and truncates the WAL.
func (s *Store) Snapshot() error {
	type onDisk struct {
		Key  blobKey    `json:"key"`
		Blob storedBlob `json:"blob"`
	}
	s.mu.RLock()
	records := make([]onDisk, 0, len(s.data))
	for k, v := range s.data {
		records = append(records, onDisk{Key: k, Blob: v})
	}
	s.mu.RUnlock()

	path := filepath.Join(s.dataDir, "snapshot.json")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(records); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return s.wal.truncate()
}

func (s *Store) loadSnapshot() error {
	path := filepath.Join(s.dataDir, "snapshot.json")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	type onDisk struct {
		Key  blobKey    `json:"key"`
		Blob storedBlob `json:"blob"`
	}
	var records []onDisk
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return err
	}
	for _, r := range records {
		s.data[r.Key] = r.Blob
	}
	return nil
}

func (s *Store) replayWAL() error {
	entries, err := s.wal.readAll()
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.Op {
		case opPut:
			s.data[e.Key] = e.Blob
		case opDelete:
			delete(s.data, e.Key)
		}
	}
	return nil
}

// Close releases the underlying WAL file handle.
func (s *Store) Close() error {
	return s.wal.close()
}
