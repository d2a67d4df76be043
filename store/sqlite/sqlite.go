/*
Package sqlite provides a SQLite-backed implementation of pool.Store.

PURPOSE:
  Persists the complete pool snapshot - resources, groups, wait
  queues, history - relationally, rewritten as a whole inside one
  transaction per Save. The engine only requires atomic whole-snapshot
  durability, so the rewrite is the contract, not an optimization
  problem; swap in an embedded KV store without touching the engine.

KEY TABLES:
  vms:        One row per resource, booking sub-state inlined
  vm_queue:   Wait queue entries, ordered by position
  groups:     Group id + unique name
  group_vms:  Ordered group membership
  history:    Per-holder booking-event records
  meta:       next_group_id and other scalar state

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the single writer
  - Better crash recovery

CONCURRENCY:
  The Gateway already serializes all calls, but a sync.Mutex guards
  the connection anyway so the store is safe to use standalone.

USAGE:
  st, err := sqlite.New("./data/loadzone.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

SEE ALSO:
  - pool/store.go: Interface definition and contract
  - pool/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zachbabanov/loadzone/pool"
)

// Store implements pool.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a SQLite store at the given path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vms (
		id TEXT PRIMARY KEY,
		group_id INTEGER,
		booked_by TEXT,
		booked_at TEXT,
		expires_at TEXT,
		warned_at TEXT,
		external_ip TEXT NOT NULL DEFAULT '',
		internal_ip TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS vm_queue (
		vm_id TEXT NOT NULL,
		holder TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (vm_id, position)
	);

	CREATE TABLE IF NOT EXISTS groups (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS group_vms (
		group_id INTEGER NOT NULL,
		vm_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (group_id, position)
	);

	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		vm_id TEXT,
		action TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_history_holder_start ON history(holder, start_at);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SAVE - whole-snapshot rewrite in one transaction
// =============================================================================

// Save atomically replaces the persisted snapshot.
func (s *Store) Save(ctx context.Context, snap *pool.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"vms", "vm_queue", "groups", "group_vms", "history"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, r := range snap.SortedResources() {
		var groupID any
		if r.GroupID != nil {
			groupID = *r.GroupID
		}
		var bookedBy, bookedAt, expiresAt, warnedAt any
		if r.Booking != nil {
			bookedBy = r.Booking.Holder
			bookedAt = formatTime(r.Booking.Start)
			expiresAt = formatTime(r.Booking.Expiry)
			if r.Booking.WarnedAt != nil {
				warnedAt = formatTime(*r.Booking.WarnedAt)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vms (id, group_id, booked_by, booked_at, expires_at, warned_at, external_ip, internal_ip)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, groupID, bookedBy, bookedAt, expiresAt, warnedAt, r.ExternalIP, r.InternalIP); err != nil {
			return fmt.Errorf("insert vm %s: %w", r.ID, err)
		}
		for i, holder := range r.Queue {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO vm_queue (vm_id, holder, position) VALUES (?, ?, ?)`,
				r.ID, holder, i+1); err != nil {
				return fmt.Errorf("insert queue entry for %s: %w", r.ID, err)
			}
		}
	}

	for _, g := range snap.SortedGroups() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO groups (id, name) VALUES (?, ?)`, g.ID, g.Name); err != nil {
			return fmt.Errorf("insert group %d: %w", g.ID, err)
		}
		for i, vmID := range g.VMIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO group_vms (group_id, vm_id, position) VALUES (?, ?, ?)`,
				g.ID, vmID, i+1); err != nil {
				return fmt.Errorf("insert group member %s: %w", vmID, err)
			}
		}
	}

	for _, rec := range snap.History {
		var endAt any
		if rec.End != nil {
			endAt = formatTime(*rec.End)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history (id, holder, vm_id, action, start_at, end_at) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Holder, rec.ResourceID, string(rec.Action), formatTime(rec.Start), endAt); err != nil {
			return fmt.Errorf("insert history record %s: %w", rec.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('next_group_id', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprint(snap.NextGroupID)); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}

	return tx.Commit()
}

// =============================================================================
// LOAD
// =============================================================================

// Load rebuilds the snapshot from the database. An empty database
// yields an empty snapshot.
func (s *Store) Load(ctx context.Context) (*pool.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := pool.NewSnapshot()

	if err := s.loadResources(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadQueues(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadGroups(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx, snap); err != nil {
		return nil, err
	}

	var next string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'next_group_id'`).Scan(&next)
	switch {
	case err == sql.ErrNoRows:
		for id := range snap.Groups {
			if id >= snap.NextGroupID {
				snap.NextGroupID = id + 1
			}
		}
	case err != nil:
		return nil, fmt.Errorf("load meta: %w", err)
	default:
		if _, err := fmt.Sscan(next, &snap.NextGroupID); err != nil {
			return nil, fmt.Errorf("parse next_group_id %q: %w", next, err)
		}
	}

	return snap, nil
}

func (s *Store) loadResources(ctx context.Context, snap *pool.Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, booked_by, booked_at, expires_at, warned_at, external_ip, internal_ip FROM vms ORDER BY id`)
	if err != nil {
		return fmt.Errorf("load vms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                                      pool.Resource
			groupID                                sql.NullInt64
			bookedBy, bookedAt, expiresAt, warnedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &groupID, &bookedBy, &bookedAt, &expiresAt, &warnedAt, &r.ExternalIP, &r.InternalIP); err != nil {
			return fmt.Errorf("scan vm: %w", err)
		}
		if groupID.Valid {
			id := groupID.Int64
			r.GroupID = &id
		}
		if bookedBy.Valid {
			start, err := parseTime(bookedAt.String)
			if err != nil {
				return fmt.Errorf("vm %s booked_at: %w", r.ID, err)
			}
			expiry, err := parseTime(expiresAt.String)
			if err != nil {
				return fmt.Errorf("vm %s expires_at: %w", r.ID, err)
			}
			b := &pool.Booking{Holder: bookedBy.String, Start: start, Expiry: expiry}
			if warnedAt.Valid {
				w, err := parseTime(warnedAt.String)
				if err != nil {
					return fmt.Errorf("vm %s warned_at: %w", r.ID, err)
				}
				b.WarnedAt = &w
			}
			r.Booking = b
		}
		res := r
		snap.Resources[res.ID] = &res
	}
	return rows.Err()
}

func (s *Store) loadQueues(ctx context.Context, snap *pool.Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vm_id, holder FROM vm_queue ORDER BY vm_id, position`)
	if err != nil {
		return fmt.Errorf("load queues: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var vmID, holder string
		if err := rows.Scan(&vmID, &holder); err != nil {
			return fmt.Errorf("scan queue entry: %w", err)
		}
		if r, ok := snap.Resources[vmID]; ok {
			r.Queue = append(r.Queue, holder)
		}
	}
	return rows.Err()
}

func (s *Store) loadGroups(ctx context.Context, snap *pool.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM groups ORDER BY id`)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g pool.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return fmt.Errorf("scan group: %w", err)
		}
		grp := g
		snap.Groups[grp.ID] = &grp
	}
	if err := rows.Err(); err != nil {
		return err
	}

	members, err := s.db.QueryContext(ctx,
		`SELECT group_id, vm_id FROM group_vms ORDER BY group_id, position`)
	if err != nil {
		return fmt.Errorf("load group members: %w", err)
	}
	defer members.Close()

	for members.Next() {
		var groupID int64
		var vmID string
		if err := members.Scan(&groupID, &vmID); err != nil {
			return fmt.Errorf("scan group member: %w", err)
		}
		if g, ok := snap.Groups[groupID]; ok {
			g.VMIDs = append(g.VMIDs, vmID)
		}
	}
	return members.Err()
}

func (s *Store) loadHistory(ctx context.Context, snap *pool.Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, holder, vm_id, action, start_at, end_at FROM history ORDER BY start_at, id`)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec   pool.HistoryRecord
			vmID  sql.NullString
			action, startAt string
			endAt sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Holder, &vmID, &action, &startAt, &endAt); err != nil {
			return fmt.Errorf("scan history record: %w", err)
		}
		rec.ResourceID = vmID.String
		rec.Action = pool.Action(action)
		start, err := parseTime(startAt)
		if err != nil {
			return fmt.Errorf("history %s start: %w", rec.ID, err)
		}
		rec.Start = start
		if endAt.Valid {
			end, err := parseTime(endAt.String)
			if err != nil {
				return fmt.Errorf("history %s end: %w", rec.ID, err)
			}
			rec.End = &end
		}
		snap.History = append(snap.History, rec)
	}
	return rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
