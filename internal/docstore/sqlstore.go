package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mozmina/formatrice/internal/realtime/bus"
	"github.com/Mozmina/formatrice/pkg/logger"
)

// SQLStore keeps documents as JSON rows in the documents table. Writes are
// announced on the change bus; Notify is the bus forwarder's entry point.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
	bus    bus.Bus
	origin string
	w      *watchers
	log    *logger.Logger
}

// NewSQLStore wraps an opened *sql.DB. If b is nil, changes are only seen by
// subscribers of this process.
func NewSQLStore(db *sql.DB, driver string, b bus.Bus, origin string, log *logger.Logger) *SQLStore {
	if log == nil {
		log = logger.Nop()
	}
	s := &SQLStore{db: db, driver: driver, bus: b, origin: origin, log: log.With("component", "SQLStore")}
	s.w = newWatchers(func(ctx context.Context, path string, collection bool) (Snapshot, error) {
		return snapshotOf(ctx, s, path, collection)
	}, s.log)
	return s
}

func (s *SQLStore) Get(ctx context.Context, path string) (Document, error) {
	p, err := checkDocPath(path)
	if err != nil {
		return Document{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT doc_id, data, updated_at FROM documents WHERE path=$1`, p)
	d := Document{Path: p}
	var raw string
	var updated int64
	if err := row.Scan(&d.ID, &raw, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	d.Data = decodeData(raw)
	d.UpdatedAt = time.UnixMilli(updated).UTC()
	return d, nil
}

func (s *SQLStore) Set(ctx context.Context, path string, data map[string]any, opts SetOptions) error {
	p, err := checkDocPath(path)
	if err != nil {
		return err
	}
	in, err := normalize(data)
	if err != nil {
		return err
	}
	parent, id := Split(p)

	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		if opts.Merge {
			var raw string
			err := tx.QueryRowContext(ctx, `SELECT data FROM documents WHERE path=$1`, p).Scan(&raw)
			switch {
			case err == nil:
				cur := decodeData(raw)
				mergeInto(cur, in)
				in = cur
			case errors.Is(err, sql.ErrNoRows):
			default:
				return err
			}
		}
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO documents (path,parent,doc_id,data,updated_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (path) DO UPDATE SET data=EXCLUDED.data, updated_at=EXCLUDED.updated_at`,
			p, parent, id, string(buf), time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}
	s.announce(ctx, p)
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, path string) error {
	p, err := checkDocPath(path)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE path=$1`, p)
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.announce(ctx, p)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, collection string) ([]Document, error) {
	c, err := checkCollectionPath(collection)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, doc_id, data, updated_at FROM documents WHERE parent=$1 ORDER BY doc_id`, c)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		var d Document
		var raw string
		var updated int64
		if err := rows.Scan(&d.Path, &d.ID, &raw, &updated); err != nil {
			return nil, err
		}
		d.Data = decodeData(raw)
		d.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) Subscribe(path string, fn func(Snapshot)) (Unsubscribe, error) {
	return s.w.add(path, fn)
}

// Notify wakes local subscribers of path. Called for changes arriving from the bus.
func (s *SQLStore) Notify(path string) {
	s.w.notify(path)
}

func (s *SQLStore) Close() error {
	s.w.closeAll()
	return nil
}

func (s *SQLStore) announce(ctx context.Context, path string) {
	if s.bus == nil {
		s.w.notify(path)
		return
	}
	if err := s.bus.Publish(ctx, bus.Change{Path: path, Origin: s.origin}); err != nil {
		// the write landed; only remote listeners miss it
		s.log.Warn("change publish failed", "path", path, "error", err)
		s.w.notify(path)
	}
}

// decodeData never fails: an unreadable row reads as an empty document.
func decodeData(raw string) map[string]any {
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
