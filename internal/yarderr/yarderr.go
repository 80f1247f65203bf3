// Package yarderr defines the node's typed error taxonomy. Every operation
// that can fail for a reason a caller should branch on returns one of these
// sentinels, wrapped with fmt.Errorf("...: %w", ...) for context.
package yarderr

import "errors"

var (
	// ErrNotInitialized is returned when an API is called before init completes.
	ErrNotInitialized = errors.New("not initialized")
	// ErrConfigurationMissing is returned when Connect is called without a URL or token.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrTransportUnavailable is returned when signaling cannot be established on initial connect.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrPeerGone is returned when a request is outstanding and the peer's channel closes.
	ErrPeerGone = errors.New("peer gone")
	// ErrTimeout is returned when a file-list or file request exceeds its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrNotFound is returned when an entity id is not present in the catalog or blob store.
	ErrNotFound = errors.New("not found")
	// ErrStoreFailure wraps an underlying database or blob-store error.
	ErrStoreFailure = errors.New("store failure")
)
