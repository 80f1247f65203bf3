package crdtstore

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kholbekj/scrap-yard/internal/types"
)

// tombstoneCID is the reserved column id Delete records a change under: it
// rides the same ledger every real column change does, so ChangesSince
// emits it and a remote ApplyChanges can merge it like any other column
// register instead of deletion being a purely local side effect.
const tombstoneCID = "__deleted__"

// EnableCRDT declares table as CRDT-tracked, keyed by pkCol. The table must
// already exist (created via Exec with ordinary DDL); from this point on,
// writes to it must go through Upsert/Delete rather than raw Exec so that
// every column mutation is given a column version and recorded on the
// replication ledger.
func (s *Store) EnableCRDT(table, pkCol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crdtTables[table] = crdtTable{name: table, pkCol: pkCol}
	return nil
}

func (s *Store) requireCRDT(table string) (crdtTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.crdtTables[table]
	if !ok {
		return crdtTable{}, fmt.Errorf("crdtstore: table %q is not CRDT-enabled", table)
	}
	return ct, nil
}

// Upsert writes cols into table's row identified by pk, bumping the column
// version of every changed column and the replica's db version once per
// call. It is the only sanctioned way to mutate a CRDT-enabled table
// locally.
func (s *Store) Upsert(table, pk string, cols map[string]any) error {
	ct, err := s.requireCRDT(table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = s.applyUpsert(ct, table, pk, cols)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(table, pk)
	return nil
}

func (s *Store) applyUpsert(ct crdtTable, table, pk string, cols map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("crdtstore: begin upsert: %w", err)
	}
	defer tx.Rollback()

	dbVersion, err := s.bumpVersion(tx)
	if err != nil {
		return fmt.Errorf("crdtstore: bump version: %w", err)
	}

	names := sortedKeys(cols)
	for _, cid := range names {
		val := cols[cid]
		colVersion, err := s.nextColVersion(tx, table, pk, cid)
		if err != nil {
			return err
		}
		if err := s.recordChange(tx, table, pk, cid, val, colVersion, dbVersion, s.nodeID); err != nil {
			return err
		}
	}

	if err := upsertRow(tx, table, ct.pkCol, pk, cols); err != nil {
		return fmt.Errorf("crdtstore: apply upsert to %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("crdtstore: commit upsert: %w", err)
	}
	return nil
}

// Delete tombstones pk in table: a tombstoneCID change is recorded on the
// ledger at a bumped col_version/db_version — the same way any other column
// mutation is — so ChangesSince carries it to peers and their ApplyChanges
// can tombstone their own copy of the row, not just this replica's. The row
// is then removed from the live table and a local tombstone recorded so a
// late-arriving older change for it cannot resurrect it.
func (s *Store) Delete(table, pk string) error {
	ct, err := s.requireCRDT(table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = s.applyDelete(ct, table, pk)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(table, pk)
	return nil
}

func (s *Store) applyDelete(ct crdtTable, table, pk string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("crdtstore: begin delete: %w", err)
	}
	defer tx.Rollback()

	colVersion, err := s.nextColVersion(tx, table, pk, tombstoneCID)
	if err != nil {
		return err
	}
	dbVersion, err := s.bumpVersion(tx)
	if err != nil {
		return fmt.Errorf("crdtstore: bump version: %w", err)
	}
	if err := s.recordChange(tx, table, pk, tombstoneCID, true, colVersion, dbVersion, s.nodeID); err != nil {
		return err
	}

	if _, err := tx.Exec(`INSERT OR REPLACE INTO __crdt_tombstones(table_name, pk) VALUES (?, ?)`, table, pk); err != nil {
		return fmt.Errorf("crdtstore: tombstone: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, ct.pkCol), pk); err != nil {
		return fmt.Errorf("crdtstore: delete row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("crdtstore: commit delete: %w", err)
	}
	return nil
}

func (s *Store) nextColVersion(tx *sql.Tx, table, pk, cid string) (int64, error) {
	var v int64
	err := tx.QueryRow(
		`SELECT col_version FROM __crdt_clock WHERE table_name = ? AND pk = ? AND cid = ?`,
		table, pk, cid,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("crdtstore: read col_version: %w", err)
	}
	return v + 1, nil
}

func (s *Store) recordChange(tx *sql.Tx, table, pk, cid string, val any, colVersion, dbVersion int64, siteID string) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("crdtstore: marshal value for %s.%s: %w", table, cid, err)
	}
	_, err = tx.Exec(`
		INSERT INTO __crdt_clock(table_name, pk, cid, val, col_version, db_version, site_id, cl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, pk, cid) DO UPDATE SET
			val = excluded.val,
			col_version = excluded.col_version,
			db_version = excluded.db_version,
			site_id = excluded.site_id,
			cl = excluded.cl
	`, table, pk, cid, string(raw), colVersion, dbVersion, siteID, dbVersion)
	if err != nil {
		return fmt.Errorf("crdtstore: record change: %w", err)
	}
	return nil
}

func upsertRow(tx *sql.Tx, table, pkCol, pk string, cols map[string]any) error {
	names := sortedKeys(cols)

	insertCols := append([]string{pkCol}, names...)
	placeholders := make([]string, len(insertCols))
	args := make([]any, len(insertCols))
	args[0] = pk
	placeholders[0] = "?"
	for i, n := range names {
		placeholders[i+1] = "?"
		args[i+1] = cols[n]
	}

	updates := make([]string, len(names))
	for i, n := range names {
		updates[i] = fmt.Sprintf("%s = excluded.%s", n, n)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s`,
		table, joinCols(insertCols), joinPlaceholders(placeholders), pkCol, joinCols(updates),
	)
	_, err := tx.Exec(query, args...)
	return err
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func joinPlaceholders(p []string) string {
	out := ""
	for i, c := range p {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// ChangesSince returns every ledger entry with db_version strictly greater
// than v, in (db_version, seq) order, ready for transmission to a peer. PK
// and SiteID are base64-encoded on the wire.
func (s *Store) ChangesSince(v int64) ([]types.ChangeRecord, error) {
	rows, err := s.db.Query(`
		SELECT seq, table_name, pk, cid, val, col_version, db_version, site_id, cl
		FROM __crdt_clock
		WHERE db_version > ?
		ORDER BY db_version ASC, seq ASC
	`, v)
	if err != nil {
		return nil, fmt.Errorf("crdtstore: changes-since: %w", err)
	}
	defer rows.Close()

	var out []types.ChangeRecord
	for rows.Next() {
		var (
			rec    types.ChangeRecord
			pk     string
			siteID string
			val    sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &rec.Table, &pk, &rec.CID, &val, &rec.ColVersion, &rec.DBVersion, &siteID, &rec.CL); err != nil {
			return nil, fmt.Errorf("crdtstore: scan change: %w", err)
		}
		rec.PK = base64.StdEncoding.EncodeToString([]byte(pk))
		rec.SiteID = base64.StdEncoding.EncodeToString([]byte(siteID))
		if val.Valid {
			var v any
			if err := json.Unmarshal([]byte(val.String), &v); err == nil {
				rec.Val = v
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ApplyChanges merges a batch of remote ledger entries into the local
// database, all-or-nothing. Each record is applied only if it wins against
// the locally known register for (table, pk, cid): a strictly higher
// col_version always wins; a tied col_version is broken by comparing
// site_id, so every replica converges on the same winner. Applying the same
// batch twice is a no-op.
func (s *Store) ApplyChanges(records []types.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	touched, err := s.applyBatch(records)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for table, byPK := range touched {
		for pk := range byPK {
			s.notify(table, pk)
		}
	}
	return nil
}

func (s *Store) applyBatch(records []types.ChangeRecord) (map[string]map[string]map[string]any, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("crdtstore: begin apply: %w", err)
	}
	defer tx.Rollback()

	touched := map[string]map[string]map[string]any{} // table -> pk -> cols
	deleted := map[string]map[string]bool{}           // table -> pk -> tombstoned by this batch

	for _, rec := range records {
		pk, err := base64.StdEncoding.DecodeString(rec.PK)
		if err != nil {
			return nil, fmt.Errorf("crdtstore: decode pk: %w", err)
		}
		siteID, err := base64.StdEncoding.DecodeString(rec.SiteID)
		if err != nil {
			return nil, fmt.Errorf("crdtstore: decode site_id: %w", err)
		}

		won, err := s.wins(tx, rec.Table, string(pk), rec.CID, rec.ColVersion, string(siteID))
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}

		tombstoned, err := isTombstoned(tx, rec.Table, string(pk))
		if err != nil {
			return nil, err
		}
		if tombstoned {
			continue
		}

		raw, err := json.Marshal(rec.Val)
		if err != nil {
			return nil, fmt.Errorf("crdtstore: marshal incoming value: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO __crdt_clock(table_name, pk, cid, val, col_version, db_version, site_id, cl)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(table_name, pk, cid) DO UPDATE SET
				val = excluded.val, col_version = excluded.col_version,
				db_version = excluded.db_version, site_id = excluded.site_id, cl = excluded.cl
		`, rec.Table, string(pk), rec.CID, string(raw), rec.ColVersion, rec.DBVersion, string(siteID), rec.CL)
		if err != nil {
			return nil, fmt.Errorf("crdtstore: record incoming change: %w", err)
		}

		if touched[rec.Table] == nil {
			touched[rec.Table] = map[string]map[string]any{}
		}
		if touched[rec.Table][string(pk)] == nil {
			touched[rec.Table][string(pk)] = map[string]any{}
		}
		var v any
		json.Unmarshal([]byte(raw), &v)
		touched[rec.Table][string(pk)][rec.CID] = v

		if rec.CID == tombstoneCID {
			if deleted[rec.Table] == nil {
				deleted[rec.Table] = map[string]bool{}
			}
			deleted[rec.Table][string(pk)] = true
		}
	}

	for table, byPK := range touched {
		ct, ok := s.crdtTables[table]
		if !ok {
			continue
		}
		for pk := range byPK {
			if deleted[table][pk] {
				if _, err := tx.Exec(`INSERT OR REPLACE INTO __crdt_tombstones(table_name, pk) VALUES (?, ?)`, table, pk); err != nil {
					return nil, fmt.Errorf("crdtstore: tombstone remote delete: %w", err)
				}
				if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, ct.pkCol), pk); err != nil {
					return nil, fmt.Errorf("crdtstore: apply remote delete: %w", err)
				}
				continue
			}

			merged, err := s.mergeRow(tx, table, ct.pkCol, pk)
			if err != nil {
				return nil, err
			}
			for k, v := range byPK[pk] {
				merged[k] = v
			}
			if err := upsertRow(tx, table, ct.pkCol, pk, merged); err != nil {
				return nil, fmt.Errorf("crdtstore: materialize merged row: %w", err)
			}
		}
	}

	if len(touched) > 0 {
		if _, err := s.bumpVersion(tx); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("crdtstore: commit apply: %w", err)
	}
	return touched, nil
}

// wins reports whether an incoming (col_version, site_id) beats the value
// currently recorded for (table, pk, cid).
func (s *Store) wins(tx *sql.Tx, table, pk, cid string, incomingVer int64, incomingSite string) (bool, error) {
	var curVer int64
	var curSite string
	err := tx.QueryRow(
		`SELECT col_version, site_id FROM __crdt_clock WHERE table_name = ? AND pk = ? AND cid = ?`,
		table, pk, cid,
	).Scan(&curVer, &curSite)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("crdtstore: read current register: %w", err)
	}
	if incomingVer != curVer {
		return incomingVer > curVer, nil
	}
	return incomingSite > curSite, nil
}

func isTombstoned(tx *sql.Tx, table, pk string) (bool, error) {
	var x int
	err := tx.QueryRow(`SELECT 1 FROM __crdt_tombstones WHERE table_name = ? AND pk = ?`, table, pk).Scan(&x)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// mergeRow reads every column currently recorded on the ledger for (table,
// pk), giving the materialize step in ApplyChanges a full row to write even
// when a batch only touches some of its columns.
func (s *Store) mergeRow(tx *sql.Tx, table, pkCol, pk string) (map[string]any, error) {
	rows, err := tx.Query(`SELECT cid, val FROM __crdt_clock WHERE table_name = ? AND pk = ?`, table, pk)
	if err != nil {
		return nil, fmt.Errorf("crdtstore: read row ledger: %w", err)
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var cid string
		var val sql.NullString
		if err := rows.Scan(&cid, &val); err != nil {
			return nil, err
		}
		if val.Valid {
			var v any
			if err := json.Unmarshal([]byte(val.String), &v); err == nil {
				out[cid] = v
			}
		}
	}
	return out, rows.Err()
}
