// Package sqlrepo implements store.Repository over SQLite, the "SQLite
// as a repository" persistence layer behind LocalStore's ValidPaths and
// Refs tables.
package sqlrepo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nixcore/nixd/pkg/hash"
	"github.com/nixcore/nixd/pkg/store"
	"github.com/nixcore/nixd/pkg/storepath"
)

const schema = `
CREATE TABLE IF NOT EXISTS ValidPaths (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT UNIQUE NOT NULL,
	hash TEXT NOT NULL,
	registrationTime INTEGER NOT NULL,
	deriver TEXT NOT NULL DEFAULT '',
	narSize INTEGER NOT NULL,
	ultimate INTEGER NOT NULL DEFAULT 0,
	sigs TEXT NOT NULL DEFAULT '',
	ca TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS Refs (
	referrer INTEGER NOT NULL REFERENCES ValidPaths(id),
	reference TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS RefsReferrer ON Refs(referrer);
`

// SQLiteRepository implements store.Repository over a *sql.DB opened
// with the mattn/go-sqlite3 driver.
type SQLiteRepository struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and applies
// its schema.
func Open(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlrepo: open %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("sqlrepo: migrate %s: %w", path, err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close closes the underlying database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// InsertValidPath implements spec's insert_valid_path: upserts the
// ValidPaths row and replaces its Refs rows wholesale.
func (r *SQLiteRepository) InsertValidPath(ctx context.Context, info *store.ValidPathInfo) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlrepo: insert valid path: %w", err)
	}
	defer tx.Rollback()

	deriver := ""
	if !info.Deriver.IsZero() {
		deriver = info.Deriver.String()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ValidPaths (path, hash, registrationTime, deriver, narSize, ultimate, sigs, ca)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			hash=excluded.hash, registrationTime=excluded.registrationTime,
			deriver=excluded.deriver, narSize=excluded.narSize,
			ultimate=excluded.ultimate, sigs=excluded.sigs, ca=excluded.ca`,
		info.Path.String(), info.NarHash.SQLString(), info.RegistrationTime,
		deriver, info.NarSize, boolToInt(info.Ultimate),
		strings.Join(info.Sigs, " "), info.CA,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlrepo: insert valid path: %w", err)
	}

	var id int64

	if err := tx.QueryRowContext(ctx, `SELECT id FROM ValidPaths WHERE path = ?`, info.Path.String()).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlrepo: insert valid path: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM Refs WHERE referrer = ?`, id); err != nil {
		return 0, fmt.Errorf("sqlrepo: insert valid path: %w", err)
	}

	for _, ref := range info.References {
		if _, err := tx.ExecContext(ctx, `INSERT INTO Refs (referrer, reference) VALUES (?, ?)`, id, ref.String()); err != nil {
			return 0, fmt.Errorf("sqlrepo: insert ref: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlrepo: insert valid path: %w", err)
	}

	return id, nil
}

// LookupByPath implements spec's lookup_by_path: the
// "SELECT id, hash, registrationTime, deriver, narSize, ultimate, sigs, ca
// FROM ValidPaths WHERE path = ?" query. References are left nil; the
// caller fetches them with LookupRefs.
func (r *SQLiteRepository) LookupByPath(ctx context.Context, path storepath.Path) (*store.ValidPathInfo, int64, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, hash, registrationTime, deriver, narSize, ultimate, sigs, ca FROM ValidPaths WHERE path = ?`,
		path.String())

	var (
		id               int64
		hashStr          string
		registrationTime int64
		deriver          string
		narSize          uint64
		ultimate         int
		sigs             string
		ca               string
	)

	if err := row.Scan(&id, &hashStr, &registrationTime, &deriver, &narSize, &ultimate, &sigs, &ca); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, false, nil
		}

		return nil, 0, false, fmt.Errorf("sqlrepo: lookup by path: %w", err)
	}

	narHash, err := hash.Parse(hashStr)
	if err != nil {
		return nil, 0, false, fmt.Errorf("sqlrepo: lookup by path: %w", err)
	}

	info := &store.ValidPathInfo{
		Path:             path,
		NarHash:          narHash,
		NarSize:          narSize,
		RegistrationTime: registrationTime,
		Ultimate:         ultimate != 0,
		CA:               ca,
	}

	if sigs != "" {
		info.Sigs = strings.Fields(sigs)
	}

	if deriver != "" {
		p, err := storepath.New(deriver)
		if err != nil {
			return nil, 0, false, fmt.Errorf("sqlrepo: lookup by path: deriver: %w", err)
		}

		info.Deriver = p
	}

	return info, id, true, nil
}

// LookupRefs implements spec's lookup_refs: the second query against
// the Refs table, sorted for a stable result order.
func (r *SQLiteRepository) LookupRefs(ctx context.Context, id int64) ([]storepath.Path, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT reference FROM Refs WHERE referrer = ? ORDER BY reference`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlrepo: lookup refs: %w", err)
	}
	defer rows.Close()

	var refs []storepath.Path

	for rows.Next() {
		var name string

		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlrepo: lookup refs: %w", err)
		}

		p, err := storepath.New(name)
		if err != nil {
			return nil, fmt.Errorf("sqlrepo: lookup refs: %w", err)
		}

		refs = append(refs, p)
	}

	return refs, rows.Err()
}

// DeleteByPath implements spec's delete_by_path.
func (r *SQLiteRepository) DeleteByPath(ctx context.Context, path storepath.Path) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlrepo: delete by path: %w", err)
	}
	defer tx.Rollback()

	var id int64

	err = tx.QueryRowContext(ctx, `SELECT id FROM ValidPaths WHERE path = ?`, path.String()).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}

	if err != nil {
		return fmt.Errorf("sqlrepo: delete by path: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM Refs WHERE referrer = ?`, id); err != nil {
		return fmt.Errorf("sqlrepo: delete by path: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ValidPaths WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlrepo: delete by path: %w", err)
	}

	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
