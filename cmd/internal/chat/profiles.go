package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Profile is the read-only view of a user used for display names.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   *string
}

// ProfileDirectory resolves user ids to profiles. Unknown ids are omitted from the result.
type ProfileDirectory interface {
	Lookup(ctx context.Context, userIDs []string) (map[string]Profile, error)
}

// StaticProfiles is a fixed in-memory directory for dev and tests.
type StaticProfiles map[string]Profile

func (p StaticProfiles) Lookup(_ context.Context, userIDs []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(userIDs))
	for _, id := range userIDs {
		if pr, ok := p[id]; ok {
			out[id] = pr
		}
	}
	return out, nil
}

// PostgresProfiles reads profiles from the externally owned users table
// (id, display_name, avatar_url).
type PostgresProfiles struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresProfiles returns a directory over schema.table.
func NewPostgresProfiles(pool *pgxpool.Pool, schema, table string) (*PostgresProfiles, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	schema, table = strings.TrimSpace(schema), strings.TrimSpace(table)
	if schema == "" {
		schema = "public"
	}
	if table == "" {
		table = "users"
	}
	if !isValidPGIdent(schema) || !isValidPGIdent(table) {
		return nil, errors.New("chat: invalid profiles identifier")
	}
	return &PostgresProfiles{pool: pool, table: pgIdent(schema, table)}, nil
}

func (p *PostgresProfiles) Lookup(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id::text, COALESCE(display_name, ''), avatar_url FROM `+p.table+` WHERE id::text = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, err
	}
	profiles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Profile, error) {
		var pr Profile
		err := row.Scan(&pr.UserID, &pr.DisplayName, &pr.AvatarURL)
		return pr, err
	})
	if err != nil {
		return nil, err
	}
	for _, pr := range profiles {
		out[pr.UserID] = pr
	}
	return out, nil
}

type noProfiles struct{}

func (noProfiles) Lookup(context.Context, []string) (map[string]Profile, error) {
	return map[string]Profile{}, nil
}
