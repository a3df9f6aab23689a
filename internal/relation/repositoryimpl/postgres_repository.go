package repositoryimpl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/growilabs/slackbot-proxy/internal/relation"
	"github.com/growilabs/slackbot-proxy/pkg/cerr"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS relations (
	id                                     TEXT PRIMARY KEY,
	installation_id                        TEXT NOT NULL,
	growi_uri                              TEXT NOT NULL,
	token_gtop                             TEXT NOT NULL,
	token_ptog                             TEXT NOT NULL,
	permissions_for_single_use_commands    JSONB NOT NULL DEFAULT '{}'::jsonb,
	permissions_for_broadcast_use_commands JSONB NOT NULL DEFAULT '{}'::jsonb,
	expired_at_commands                    TIMESTAMPTZ NOT NULL,
	created_at                             TIMESTAMPTZ NOT NULL,
	updated_at                             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS relations_installation_id_idx ON relations (installation_id);
`

const selectColumns = `id, installation_id, growi_uri, token_gtop, token_ptog,
	permissions_for_single_use_commands, permissions_for_broadcast_use_commands,
	expired_at_commands, created_at, updated_at`

var _ relation.Repository = (*PostgresRepository)(nil)

// PostgresRepository stores relations in a single table with the permission
// maps as JSONB in their GROWI wire shape.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Migrate creates the relations table if it does not exist yet.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate relations table: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, rel *relation.Relation) error {
	args, err := relationArgs(rel)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO relations (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10)`, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return cerr.NewError(cerr.AlreadyExists, "relation already exists", err)
		}
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to insert relation: %w", err))
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*relation.Relation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM relations WHERE id = $1`, id)
	rel, err := scanRelation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cerr.NewError(cerr.NotFound, "relation not found", err)
		}
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to read relation %s: %w", id, err))
	}
	return rel, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*relation.Relation, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM relations ORDER BY id`)
}

func (r *PostgresRepository) ListByInstallation(ctx context.Context, installationID string) ([]*relation.Relation, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM relations WHERE installation_id = $1 ORDER BY id`, installationID)
}

func (r *PostgresRepository) Upsert(ctx context.Context, rel *relation.Relation) error {
	args, err := relationArgs(rel)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO relations (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			installation_id = EXCLUDED.installation_id,
			growi_uri = EXCLUDED.growi_uri,
			token_gtop = EXCLUDED.token_gtop,
			token_ptog = EXCLUDED.token_ptog,
			permissions_for_single_use_commands = EXCLUDED.permissions_for_single_use_commands,
			permissions_for_broadcast_use_commands = EXCLUDED.permissions_for_broadcast_use_commands,
			expired_at_commands = EXCLUDED.expired_at_commands,
			updated_at = EXCLUDED.updated_at`, args...)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to upsert relation: %w", err))
	}
	return nil
}

func (r *PostgresRepository) query(ctx context.Context, sql string, args ...any) ([]*relation.Relation, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to list relations: %w", err))
	}
	defer rows.Close()

	var out []*relation.Relation
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to scan relation: %w", err))
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to list relations: %w", err))
	}
	return out, nil
}

func relationArgs(rel *relation.Relation) ([]any, error) {
	single, err := json.Marshal(nonNilMap(rel.PermissionsForSingleUseCommands))
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal permissions: %w", err))
	}
	broadcast, err := json.Marshal(nonNilMap(rel.PermissionsForBroadcastUseCommands))
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal permissions: %w", err))
	}
	return []any{
		rel.ID, rel.InstallationID, rel.GrowiURI, rel.TokenGtoP, rel.TokenPtoG,
		string(single), string(broadcast),
		rel.ExpiredAtCommands.UTC(), rel.CreatedAt.UTC(), rel.UpdatedAt.UTC(),
	}, nil
}

func scanRelation(row pgx.Row) (*relation.Relation, error) {
	var (
		rel                       relation.Relation
		single, broadcast         []byte
		expired, created, updated time.Time
	)
	if err := row.Scan(&rel.ID, &rel.InstallationID, &rel.GrowiURI, &rel.TokenGtoP, &rel.TokenPtoG,
		&single, &broadcast, &expired, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(single, &rel.PermissionsForSingleUseCommands); err != nil {
		return nil, fmt.Errorf("single-use permissions of %s: %w", rel.ID, err)
	}
	if err := json.Unmarshal(broadcast, &rel.PermissionsForBroadcastUseCommands); err != nil {
		return nil, fmt.Errorf("broadcast-use permissions of %s: %w", rel.ID, err)
	}
	rel.ExpiredAtCommands, rel.CreatedAt, rel.UpdatedAt = expired, created, updated
	return &rel, nil
}

func nonNilMap(m relation.PermissionMap) relation.PermissionMap {
	if m == nil {
		return relation.PermissionMap{}
	}
	return m
}
