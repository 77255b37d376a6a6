package membership

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGDirectory implements Directory against the guild_members table.
type PGDirectory struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGDirectory creates a PostgreSQL-backed Membership collaborator.
func NewPGDirectory(db *pgxpool.Pool, logger zerolog.Logger) *PGDirectory {
	return &PGDirectory{db: db, log: logger.With().Str("component", "membership").Logger()}
}

// GuildsForUser returns every guild_id row recorded for the user.
func (d *PGDirectory) GuildsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := d.db.Query(ctx, "SELECT guild_id FROM guild_members WHERE user_id = $1", userID)
	if err != nil {
		return nil, fmt.Errorf("query guilds for user: %w", err)
	}
	defer rows.Close()

	var guilds []uuid.UUID
	for rows.Next() {
		var g uuid.UUID
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan guild id: %w", err)
		}
		guilds = append(guilds, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guilds for user: %w", err)
	}
	return guilds, nil
}

// UserInGuild checks for a matching guild_members row.
func (d *PGDirectory) UserInGuild(ctx context.Context, userID, guildID uuid.UUID) (bool, error) {
	var exists bool
	err := d.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM guild_members WHERE user_id = $1 AND guild_id = $2)", userID, guildID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check guild membership: %w", err)
	}
	return exists, nil
}
