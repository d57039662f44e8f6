package resolver

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/nexaweb/pyxm"
)

const schema = `
CREATE TABLE IF NOT EXISTS templates (
	name        TEXT PRIMARY KEY,
	body        TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
)`

// SQL resolves templates from a `templates` table.
type SQL struct {
	db *sql.DB
}

// NewSQL creates a resolver over db. Call EnsureSchema before first use on
// a fresh database.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// OpenSQLite opens a SQLite database with the pure Go driver and creates the
// templates table.
func OpenSQLite(ctx context.Context, dataSource string) (*SQL, error) {
	db, err := sql.Open("sqlite", dataSource)
	if err != nil {
		return nil, errors.Errorf("open sqlite %s: %w", dataSource, err)
	}
	s := NewSQL(db)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *SQL) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQL) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the templates table if it does not exist.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Errorf("create templates table: %w", err)
	}
	return nil
}

// Resolve implements pyxm.Resolver.
func (s *SQL) Resolve(ctx context.Context, name string) (pyxm.Source, error) {
	var body, fingerprint string
	err := s.db.QueryRowContext(ctx, "SELECT body, fingerprint FROM templates WHERE name = ?", name).
		Scan(&body, &fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return pyxm.Source{}, errors.WithDetails(pyxm.ErrNotFound, "name", name)
	}
	if err != nil {
		return pyxm.Source{}, errors.Errorf("query template %s: %w", name, err)
	}
	zerolog.Ctx(ctx).Debug().Str("template", name).Msg("template resolved from database")
	return pyxm.Source{Name: name, Text: body, Fingerprint: fingerprint}, nil
}

// Put stores a template, replacing any previous version.
func (s *SQL) Put(ctx context.Context, name, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (name, body, fingerprint, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, fingerprint = excluded.fingerprint, updated_at = excluded.updated_at`,
		name, text, pyxm.Fingerprint(text), time.Now().UTC())
	if err != nil {
		return errors.Errorf("store template %s: %w", name, err)
	}
	return nil
}

// Delete removes a template.
func (s *SQL) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM templates WHERE name = ?", name); err != nil {
		return errors.Errorf("delete template %s: %w", name, err)
	}
	return nil
}

// List implements pyxm.Lister.
func (s *SQL) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM templates ORDER BY name")
	if err != nil {
		return nil, errors.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WithStack(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return names, nil
}
