// Package favorites reads a user's favorites list. The list is owned by the
// wider application; this package only loads it from Postgres and keeps a
// cached copy the presence controller can consult on every join.
package favorites

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Profile is the slice of a user profile the realtime layer needs.
type Profile struct {
	ID          string
	DisplayName string
}

// Store loads favorites from Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres using the lib/pq driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("favorites: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("favorites: ping: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations. An up-to-date schema is not
// an error.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("favorites: migration source: %w", err)
	}
	drv, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("favorites: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("favorites: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("favorites: migrate up: %w", err)
	}
	return nil
}

// NewStore returns a Store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// List returns the profiles userID has favorited, most recent first.
func (s *Store) List(ctx context.Context, userID string) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.display_name
		FROM favorites f
		JOIN profiles p ON p.id = f.favorite_id
		WHERE f.user_id = $1
		ORDER BY f.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("favorites: list %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.DisplayName); err != nil {
			return nil, fmt.Errorf("favorites: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("favorites: list %s: %w", userID, err)
	}
	return out, nil
}

// Add records that userID favorited favoriteID. Both profiles are created if
// missing. Used by seeding and tests; the app owns the real write path.
func (s *Store) Add(ctx context.Context, userID string, favorite Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("favorites: begin: %w", err)
	}
	defer tx.Rollback()

	const upsertProfile = `
		INSERT INTO profiles (id, display_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
		WHERE EXCLUDED.display_name <> ''`
	if _, err := tx.ExecContext(ctx, upsertProfile, userID, ""); err != nil {
		return fmt.Errorf("favorites: upsert profile %s: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx, upsertProfile, favorite.ID, favorite.DisplayName); err != nil {
		return fmt.Errorf("favorites: upsert profile %s: %w", favorite.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO favorites (user_id, favorite_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, favorite.ID); err != nil {
		return fmt.Errorf("favorites: insert: %w", err)
	}
	return tx.Commit()
}
