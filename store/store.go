// Package store persists extracted signatures in a SQLite database, so that
// successive versions of a binary can be compared.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS signatures (
	kind         TEXT    NOT NULL,
	name         TEXT    NOT NULL,
	address      INTEGER NOT NULL,
	signature    TEXT    NOT NULL,
	error        TEXT    NOT NULL DEFAULT '',
	run          TEXT    NOT NULL,
	extracted_at INTEGER NOT NULL,
	PRIMARY KEY (kind, name)
);
CREATE INDEX IF NOT EXISTS signatures_run ON signatures (run);
`

// Record is one stored signature.
type Record struct {
	Kind      string
	Name      string
	Address   uint64
	Signature string
	// Error is the failure message of a function that could not be
	// analyzed, or empty.
	Error       string
	Run         string
	ExtractedAt time.Time
}

// Store is a signature database. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" opens a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if path == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "create schema in %s", path)
	}
	return &Store{db: db}, nil
}

// NewRun returns a fresh identifier grouping the records of one extraction.
func NewRun() string {
	return uuid.NewString()
}

// Save inserts records, replacing any stored signature of the same kind
// and name. All records are written in one transaction.
func (s *Store) Save(ctx context.Context, records ...Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO signatures (kind, name, address, signature, error, run, extracted_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (kind, name) DO UPDATE SET
	address = excluded.address,
	signature = excluded.signature,
	error = excluded.error,
	run = excluded.run,
	extracted_at = excluded.extracted_at`)
	if err != nil {
		return errors.Wrap(err, "prepare upsert")
	}
	defer stmt.Close()

	for _, r := range records {
		if r.ExtractedAt.IsZero() {
			r.ExtractedAt = time.Now()
		}
		_, err := stmt.ExecContext(ctx, r.Kind, r.Name, int64(r.Address), r.Signature, r.Error, r.Run, r.ExtractedAt.UnixNano())
		if err != nil {
			return errors.Wrapf(err, "save %s %s", r.Kind, r.Name)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// List returns the stored records of kind ordered by name. An empty kind
// lists every record ordered by kind and name.
func (s *Store) List(ctx context.Context, kind string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, name, address, signature, error, run, extracted_at
FROM signatures
WHERE ? = '' OR kind = ?
ORDER BY kind, name`, kind, kind)
	if err != nil {
		return nil, errors.Wrap(err, "query signatures")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			address int64
			at      int64
		)
		if err := rows.Scan(&r.Kind, &r.Name, &address, &r.Signature, &r.Error, &r.Run, &at); err != nil {
			return nil, errors.Wrap(err, "scan signature")
		}
		r.Address = uint64(address)
		r.ExtractedAt = time.Unix(0, at)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "read signatures")
}

// Get returns the record of kind and name.
func (s *Store) Get(ctx context.Context, kind, name string) (Record, bool, error) {
	r := Record{Kind: kind, Name: name}
	var address, at int64
	err := s.db.QueryRowContext(ctx, `
SELECT address, signature, error, run, extracted_at
FROM signatures
WHERE kind = ? AND name = ?`, kind, name).Scan(&address, &r.Signature, &r.Error, &r.Run, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrapf(err, "get %s %s", kind, name)
	}
	r.Address = uint64(address)
	r.ExtractedAt = time.Unix(0, at)
	return r, true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
