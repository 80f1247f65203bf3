// Package crdtstore is an embedded SQL engine enhanced with per-table CRDT
// tracking. It exposes a relational store (open/exec/query) plus a
// register-map CRDT layer (enable-crdt/changes-since/apply-changes) on top
// of it, following the column-version + causal-clock register semantics
// described for the replicated catalog.
//
// The underlying engine is modernc.org/sqlite, a cgo-free SQLite driver —
// the same pairing the wider stack this module draws on uses for embedded
// per-node storage.
package crdtstore

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/kholbekj/scrap-yard/internal/yardlog"
)

// Store is one node's embedded relational database plus CRDT bookkeeping.
// All exported methods are safe for concurrent use; writes are serialized
// behind mu to match the single-writer discipline the rest of the node
// relies on.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	nodeID string
	dbName string

	crdtTables map[string]crdtTable

	subMu   sync.Mutex
	nextSub int
	subs    map[int]SubscribeFunc

	log zerolog.Logger
}

// SubscribeFunc is invoked once per mutated (table, rowID) pair, for every
// local write and every successfully applied remote change batch, except
// for the store's own bookkeeping tables.
type SubscribeFunc func(table, rowID string)

type crdtTable struct {
	name  string
	pkCol string
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS __crdt_meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS __crdt_clock (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	pk         BLOB NOT NULL,
	cid        TEXT NOT NULL,
	val        TEXT,
	col_version INTEGER NOT NULL,
	db_version  INTEGER NOT NULL,
	site_id     BLOB NOT NULL,
	cl          INTEGER NOT NULL,
	UNIQUE(table_name, pk, cid)
);
CREATE TABLE IF NOT EXISTS __crdt_tombstones (
	table_name TEXT NOT NULL,
	pk         BLOB NOT NULL,
	PRIMARY KEY(table_name, pk)
);
`

// Open opens or creates a persistent database named dbName (pass ":memory:"
// for an ephemeral store, mainly useful in tests). The replica's node id is
// computed on first open and persisted thereafter.
func Open(dbName string) (*Store, error) {
	dsn := dbName
	if dbName != ":memory:" {
		dsn = fmt.Sprintf("%s.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbName)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("crdtstore: open %s: %w", dbName, err)
	}
	db.SetMaxOpenConns(1) // sqlite only supports one writer at a time

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("crdtstore: init schema: %w", err)
	}

	s := &Store{
		db:         db,
		dbName:     dbName,
		crdtTables: make(map[string]crdtTable),
		subs:       make(map[int]SubscribeFunc),
		log:        yardlog.Component("crdtstore"),
	}

	nodeID, err := s.loadOrCreateNodeID()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.nodeID = nodeID
	s.log = yardlog.WithNode(s.log, nodeID)

	if err := s.loadVersion(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) loadOrCreateNodeID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT v FROM __crdt_meta WHERE k = 'node_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("crdtstore: read node_id: %w", err)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crdtstore: generate node_id: %w", err)
	}
	id = hex.EncodeToString(buf)
	if _, err := s.db.Exec(`INSERT INTO __crdt_meta(k, v) VALUES ('node_id', ?)`, id); err != nil {
		return "", fmt.Errorf("crdtstore: persist node_id: %w", err)
	}
	return id, nil
}

func (s *Store) loadVersion() error {
	_, err := s.currentVersion()
	if err == nil {
		return nil
	}
	if _, execErr := s.db.Exec(`INSERT OR IGNORE INTO __crdt_meta(k, v) VALUES ('version', '0')`); execErr != nil {
		return fmt.Errorf("crdtstore: init version: %w", execErr)
	}
	return nil
}

func (s *Store) currentVersion() (int64, error) {
	var v int64
	err := s.db.QueryRow(`SELECT v FROM __crdt_meta WHERE k = 'version'`).Scan(&v)
	return v, err
}

// NodeID returns this replica's stable hex-encoded identifier.
func (s *Store) NodeID() string { return s.nodeID }

// Version returns the replica's current monotone db version.
func (s *Store) Version() int64 {
	v, err := s.currentVersion()
	if err != nil {
		return 0
	}
	return v
}

// bumpVersion reads and advances the replica version inside the caller's
// transaction; touching s.db here would wait forever on the single sqlite
// connection the open tx already holds.
func (s *Store) bumpVersion(tx *sql.Tx) (int64, error) {
	var v int64
	err := tx.QueryRow(`SELECT v FROM __crdt_meta WHERE k = 'version'`).Scan(&v)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	v++
	if _, err := tx.Exec(`INSERT OR REPLACE INTO __crdt_meta(k, v) VALUES ('version', ?)`, v); err != nil {
		return 0, err
	}
	return v, nil
}

// Exec runs an arbitrary, non-CRDT-tracked statement (schema DDL, ad-hoc
// maintenance). Tracked writes to CRDT-enabled tables must go through
// Upsert/Delete instead.
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Exec(query, args...)
}

// Query runs an arbitrary read-only query and returns raw rows.
func (s *Store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(query, args...)
}

// QueryRow runs an arbitrary read-only query expected to return at most one row.
func (s *Store) QueryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(query, args...)
}

// Subscribe installs a hook invoked once per mutated (table, rowID), for
// both local writes and successfully applied remote batches. It returns an
// unsubscribe token.
func (s *Store) Subscribe(f SubscribeFunc) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = f
	return id
}

// Unsubscribe removes a previously installed hook.
func (s *Store) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, id)
}

func (s *Store) notify(table, rowID string) {
	s.subMu.Lock()
	hooks := make([]SubscribeFunc, 0, len(s.subs))
	for _, f := range s.subs {
		hooks = append(hooks, f)
	}
	s.subMu.Unlock()
	for _, f := range hooks {
		f(table, rowID)
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
