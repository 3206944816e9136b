package snapshots

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/podsync/internal/dbx"
	"github.com/dmitrijs2005/podsync/internal/pod"
)

// Store implements the session's LocalStore over SQLite.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	listeners []func()
	closed    bool

	dispatch chan func()
	done     chan struct{}
}

func NewStore(db *sql.DB) *Store {
	s := &Store{
		db:       db,
		dispatch: make(chan func(), 64),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.done)
	for fn := range s.dispatch {
		fn()
	}
}

// Close stops the notification dispatcher after draining it.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.dispatch)
	s.mu.Unlock()
	<-s.done
}

// OnChange registers fn to be called after every mutation.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.listeners) == 0 {
		return
	}
	fns := append([]func(){}, s.listeners...)
	s.dispatch <- func() {
		for _, fn := range fns {
			fn()
		}
	}
}

// Settle waits until every change notification queued so far has been
// delivered.
func (s *Store) Settle(ctx context.Context) error {
	barrier := make(chan struct{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	select {
	case s.dispatch <- func() { close(barrier) }:
	case <-ctx.Done():
		s.mu.Unlock()
		return ctx.Err()
	}
	s.mu.Unlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Put inserts or replaces a record and drops any tombstone for its id.
func (s *Store) Put(ctx context.Context, collection string, r pod.Record) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := putRecord(ctx, tx, collection, r); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones WHERE id = ?`, r.ID); err != nil {
			return fmt.Errorf("failed to drop tombstone: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// Delete removes a record and writes a tombstone at at. It reports whether
// the record existed.
func (s *Store) Delete(ctx context.Context, collection, id string, at time.Time) (bool, error) {
	var found bool
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		n, err := dbx.ExecCount(ctx, tx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
		if err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		found = n > 0
		return putTombstone(ctx, tx, pod.Tombstone{ID: id, DeletedAt: at})
	})
	if err != nil {
		return false, err
	}
	s.notify()
	return found, nil
}

// PutSettings replaces the settings singleton.
func (s *Store) PutSettings(ctx context.Context, st pod.Settings) error {
	if err := putSettings(ctx, s.db, st); err != nil {
		return err
	}
	s.notify()
	return nil
}

// List returns the live records of one collection ordered by id.
func (s *Store) List(ctx context.Context, collection string) ([]pod.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, updated_at, fields FROM records WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()

	var result []pod.Record
	for rows.Next() {
		var (
			r       pod.Record
			updated string
			fields  []byte
		)
		if err := rows.Scan(&r.ID, &updated, &fields); err != nil {
			return nil, err
		}
		if r, err = decodeRecord(r.ID, updated, fields); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// HasLocalChanges reports whether the store holds anything a remote import
// would have to be merged with.
func (s *Store) HasLocalChanges(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM records) + (SELECT COUNT(*) FROM tombstones) + (SELECT COUNT(*) FROM settings)
	`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count local rows: %w", err)
	}
	return n > 0, nil
}

// Export returns the full data set. Every known collection is present, and
// records are ordered by id.
func (s *Store) Export(ctx context.Context) (pod.ExportedData, error) {
	out := pod.Empty()

	rows, err := s.db.QueryContext(ctx, `SELECT collection, id, updated_at, fields FROM records ORDER BY collection, id`)
	if err != nil {
		return out, fmt.Errorf("failed to select records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			collection, id, updated string
			fields                  []byte
		)
		if err := rows.Scan(&collection, &id, &updated, &fields); err != nil {
			return out, err
		}
		r, err := decodeRecord(id, updated, fields)
		if err != nil {
			return out, err
		}
		out.Collections[collection] = append(out.Collections[collection], r)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	if out.Tombstones, err = s.tombstones(ctx); err != nil {
		return out, err
	}
	if out.Settings, err = s.settings(ctx); err != nil {
		return out, err
	}
	if out.Extra, err = s.extra(ctx); err != nil {
		return out, err
	}
	return out, nil
}

// Import replaces the whole data set in one transaction.
func (s *Store) Import(ctx context.Context, data pod.ExportedData) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, table := range []string{"records", "tombstones", "settings", "extra"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		for collection, recs := range data.Collections {
			for _, r := range recs {
				if err := putRecord(ctx, tx, collection, r); err != nil {
					return err
				}
			}
		}
		for _, t := range data.Tombstones {
			if err := putTombstone(ctx, tx, t); err != nil {
				return err
			}
		}
		if data.Settings != nil {
			if err := putSettings(ctx, tx, *data.Settings); err != nil {
				return err
			}
		}
		for k, v := range data.Extra {
			if _, err := tx.ExecContext(ctx, `INSERT INTO extra (key, value) VALUES (?, ?)`, k, []byte(v)); err != nil {
				return fmt.Errorf("failed to insert extra %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Store) tombstones(ctx context.Context) ([]pod.Tombstone, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, deleted_at FROM tombstones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select tombstones: %w", err)
	}
	defer rows.Close()

	result := []pod.Tombstone{}
	for rows.Next() {
		var id, deleted string
		if err := rows.Scan(&id, &deleted); err != nil {
			return nil, err
		}
		at, err := pod.ParseTime(deleted)
		if err != nil {
			return nil, err
		}
		result = append(result, pod.Tombstone{ID: id, DeletedAt: at})
	}
	return result, rows.Err()
}

func (s *Store) settings(ctx context.Context) (*pod.Settings, error) {
	var updated string
	var fields []byte
	err := s.db.QueryRowContext(ctx, `SELECT updated_at, fields FROM settings WHERE id = 1`).Scan(&updated, &fields)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select settings: %w", err)
	}
	at, err := pod.ParseTime(updated)
	if err != nil {
		return nil, err
	}
	st := &pod.Settings{UpdatedAt: at}
	if err := json.Unmarshal(fields, &st.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return st, nil
}

func (s *Store) extra(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM extra`)
	if err != nil {
		return nil, fmt.Errorf("failed to select extra: %w", err)
	}
	defer rows.Close()

	var result map[string]json.RawMessage
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		if result == nil {
			result = map[string]json.RawMessage{}
		}
		result[k] = v
	}
	return result, rows.Err()
}

func putRecord(ctx context.Context, db dbx.DBTX, collection string, r pod.Record) error {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", r.ID, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO records (collection, id, updated_at, fields) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET updated_at = excluded.updated_at, fields = excluded.fields
	`, collection, r.ID, pod.FormatTime(r.UpdatedAt), fields)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

func putTombstone(ctx context.Context, db dbx.DBTX, t pod.Tombstone) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO tombstones (id, deleted_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET deleted_at = excluded.deleted_at
	`, t.ID, pod.FormatTime(t.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert tombstone: %w", err)
	}
	return nil
}

func putSettings(ctx context.Context, db dbx.DBTX, st pod.Settings) error {
	fields, err := json.Marshal(st.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO settings (id, updated_at, fields) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, fields = excluded.fields
	`, pod.FormatTime(st.UpdatedAt), fields)
	if err != nil {
		return fmt.Errorf("failed to upsert settings: %w", err)
	}
	return nil
}

func decodeRecord(id, updated string, fields []byte) (pod.Record, error) {
	at, err := pod.ParseTime(updated)
	if err != nil {
		return pod.Record{}, err
	}
	r := pod.Record{ID: id, UpdatedAt: at}
	if err := json.Unmarshal(fields, &r.Fields); err != nil {
		return pod.Record{}, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	return r, nil
}
