package profilestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/tyemirov/tauthclient/internal/identity"
)

// PostgresTable stores profiles in PostgreSQL through pgx.
type PostgresTable struct {
	pool PgxPool
}

// NewPostgresTable constructs a Postgres-backed profile table.
func NewPostgresTable(pool PgxPool) *PostgresTable {
	return &PostgresTable{pool: pool}
}

// GetProfile selects the row for userID.
func (table *PostgresTable) GetProfile(ctx context.Context, userID string) (identity.Profile, error) {
	const query = `
SELECT id, full_name, role
FROM profiles WHERE id = $1`
	profile, err := scanProfile(table.pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.Profile{}, identity.ErrProfileNotFound
	}
	if err != nil {
		return identity.Profile{}, fmt.Errorf("profilestore.postgres.get: %w", err)
	}
	return profile, nil
}

// InsertProfile inserts a new row and reports identity.ErrProfileExists on conflict.
func (table *PostgresTable) InsertProfile(ctx context.Context, profile identity.Profile) (identity.Profile, error) {
	const query = `
INSERT INTO profiles (id, full_name, role)
VALUES ($1, $2, $3)
RETURNING id, full_name, role`
	inserted, err := scanProfile(table.pool.QueryRow(ctx, query, profile.ID, profile.FullName, string(profile.Role)))
	if isUniqueViolation(err) {
		return identity.Profile{}, identity.ErrProfileExists
	}
	if err != nil {
		return identity.Profile{}, fmt.Errorf("profilestore.postgres.insert: %w", err)
	}
	return inserted, nil
}

// UpdateProfile sets the supplied columns; nil fields keep their stored values.
func (table *PostgresTable) UpdateProfile(ctx context.Context, userID string, update identity.ProfileUpdate) (identity.Profile, error) {
	const query = `
UPDATE profiles
SET full_name = COALESCE($2, full_name), role = COALESCE($3, role), updated_at = now()
WHERE id = $1
RETURNING id, full_name, role`
	var fullName, role any
	if update.FullName != nil {
		fullName = *update.FullName
	}
	if update.Role != nil {
		role = string(*update.Role)
	}
	updated, err := scanProfile(table.pool.QueryRow(ctx, query, userID, fullName, role))
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.Profile{}, identity.ErrProfileNotFound
	}
	if err != nil {
		return identity.Profile{}, fmt.Errorf("profilestore.postgres.update: %w", err)
	}
	return updated, nil
}

func scanProfile(row pgx.Row) (identity.Profile, error) {
	var profile identity.Profile
	var role string
	if err := row.Scan(&profile.ID, &profile.FullName, &role); err != nil {
		return identity.Profile{}, err
	}
	profile.Role = identity.Role(role)
	return profile, nil
}
