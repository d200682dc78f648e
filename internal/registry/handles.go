package registry

import (
	"database/sql"
	"sync"
	"time"
)

// HandleID is the opaque identity a daemon assigns to each VM it starts.
// Ids are strictly increasing and never reused within a ledger's lifetime.
type HandleID uint64

// HandleAllocator hands out monotone HandleIDs. The high-water mark is
// loaded from the ledger once at construction and persisted on every
// allocation, so ids stay unique across daemon restarts; concurrent callers
// are serialized on the allocator's own mutex rather than on SQLite.
type HandleAllocator struct {
	mu   sync.Mutex
	next HandleID
	db   *DB // nil for an ephemeral (test) allocator
}

// NewHandleAllocator loads the persisted counter from db. A nil db yields
// an in-memory allocator starting at 1.
func NewHandleAllocator(db *DB) (*HandleAllocator, error) {
	a := &HandleAllocator{next: 1, db: db}
	if db == nil {
		return a, nil
	}
	row := db.db.QueryRow(`SELECT next_id FROM handle_counter WHERE id = 1`)
	var next uint64
	if err := row.Scan(&next); err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if next > 0 {
		a.next = HandleID(next)
	}
	return a, nil
}

// Next returns a fresh id. Every call returns a value strictly greater than
// any previously returned, even under concurrent callers.
func (a *HandleAllocator) Next() HandleID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	if a.db != nil {
		a.db.db.Exec(`UPDATE handle_counter SET next_id = ? WHERE id = 1`, uint64(a.next))
	}
	return id
}

// Lease records one VM handle checked out of a pool (or started directly).
type Lease struct {
	HandleID  HandleID
	Pool      string
	State     string // "outstanding" | "released"
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordLease inserts or replaces the lease row for a handle.
func (d *DB) RecordLease(l *Lease) error {
	_, err := d.db.Exec(`
		INSERT INTO leases (handle_id, pool, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(handle_id) DO UPDATE SET
			pool = excluded.pool,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, uint64(l.HandleID), l.Pool, l.State,
		l.CreatedAt.Format(time.RFC3339), time.Now().Format(time.RFC3339))
	return err
}

// ReleaseLease marks a lease released.
func (d *DB) ReleaseLease(id HandleID) error {
	_, err := d.db.Exec(`
		UPDATE leases SET state = 'released', updated_at = datetime('now') WHERE handle_id = ?
	`, uint64(id))
	return err
}

// OutstandingLeases returns all leases not yet released, used at daemon
// startup to reap VMs orphaned by a crash.
func (d *DB) OutstandingLeases() ([]*Lease, error) {
	rows, err := d.db.Query(`
		SELECT handle_id, pool, state, created_at, updated_at
		FROM leases WHERE state = 'outstanding' ORDER BY handle_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leases []*Lease
	for rows.Next() {
		var l Lease
		var id uint64
		var createdStr, updatedStr string
		if err := rows.Scan(&id, &l.Pool, &l.State, &createdStr, &updatedStr); err != nil {
			return nil, err
		}
		l.HandleID = HandleID(id)
		l.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		l.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
		leases = append(leases, &l)
	}
	return leases, rows.Err()
}
