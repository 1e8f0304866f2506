// Package store persists diagram graphs to sqlite. It is a write-behind backup of the live session state, never the
// authority while a session is running.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/diagram-sync/pkg/diagram"
)

var ErrNotFound = errors.New("diagram not found")

type Store struct {
	database *sql.DB
	logger   *slog.Logger
}

// Open opens or creates the sqlite database at path and ensures the schema exists.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	s := &Store{database: db, logger: logger}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS diagrams (
		id text not null primary key,
		content text not null,
		updated_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	s.logger.Info("Ensured diagram tables exist")
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

// Save writes g under id. It reports whether the stored content changed.
func (s *Store) Save(ctx context.Context, id string, g *diagram.Graph) (bool, error) {
	raw, err := diagram.Encode(g)
	if err != nil {
		return false, err
	}
	res, err := s.database.ExecContext(
		ctx,
		`INSERT INTO diagrams (id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
		WHERE diagrams.content != excluded.content`,
		id, string(raw), time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to save diagram %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) Load(ctx context.Context, id string) (*diagram.Graph, error) {
	var content string
	if err := s.database.QueryRowContext(ctx, `SELECT content FROM diagrams WHERE id = ?`, id).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to query diagram %s: %w", id, err)
	}
	g, err := diagram.Decode([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("failed to decode diagram %s: %w", id, err)
	}
	return g, nil
}

// LoadAll returns every stored diagram keyed by id.
func (s *Store) LoadAll(ctx context.Context) (map[string]*diagram.Graph, error) {
	res, err := s.database.QueryContext(ctx, `SELECT id, content FROM diagrams`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}(res)

	out := map[string]*diagram.Graph{}
	for res.Next() {
		var id, content string
		if err := res.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		g, err := diagram.Decode([]byte(content))
		if err != nil {
			return nil, fmt.Errorf("failed to decode diagram %s: %w", id, err)
		}
		out[id] = g
	}
	return out, res.Err()
}
