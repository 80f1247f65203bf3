// Package types holds the row and wire shapes shared by the catalog store,
// the sync protocol, and the file-transfer protocol.
package types

import "time"

// Site is one row of the replicated catalog table.
type Site struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Thumbnail   string `json:"thumbnail"`
	OwnerID     string `json:"owner_id"`
	ContentHash string `json:"content_hash"`
	FileCount   int    `json:"file_count"`
	FileSize    int64  `json:"file_size"`
	AddedAt     string `json:"added_at"`
	UpdatedAt   string `json:"updated_at"`
}

// SiteFields is the subset of Site a caller supplies to Add; the engine
// stamps id, owner_id, added_at and updated_at.
type SiteFields struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Thumbnail   string `json:"thumbnail"`
	ContentHash string `json:"content_hash"`
}

// SitePatch carries the columns Update is allowed to change; a nil pointer
// leaves the column untouched.
type SitePatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	URL         *string `json:"url,omitempty"`
	Thumbnail   *string `json:"thumbnail,omitempty"`
	ContentHash *string `json:"content_hash,omitempty"`
}

// ChangeRecord is the CRDT store's opaque replication unit. Table, CID and
// the version fields are inspected by the store; Val is a JSON primitive or
// nil and is otherwise opaque to every layer above the store.
type ChangeRecord struct {
	Table      string `json:"table"`
	PK         string `json:"pk"`  // base64
	CID        string `json:"cid"` // column name
	Val        any    `json:"val"`
	ColVersion int64  `json:"col_version"`
	DBVersion  int64  `json:"db_version"`
	SiteID     string `json:"site_id"` // base64, node id of the writer
	CL         int64  `json:"cl"`      // causal lamport
	Seq        int64  `json:"seq"`
}

// FileMeta describes one file in a site's local file set.
type FileMeta struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// Blob is one stored (siteId, path) record in the local content store.
type Blob struct {
	SiteID      string    `json:"siteId"`
	Path        string    `json:"path"`
	ContentType string    `json:"contentType"`
	Bytes       []byte    `json:"-"`
	ByteLength  int       `json:"byteLength"`
	CachedAt    time.Time `json:"cachedAt"`
}
