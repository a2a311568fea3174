package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emeraldrp/beacon-gateway/pkg/beacon"
)

const serversTable = "game_servers"

// Repository reads beacon endpoint configuration from the portal database.
// The portal owns every write to game_servers; the gateway only consumes
// the rows.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, user, password, addr string, port uint16) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=postgres sslmode=disable pool_max_conns=15",
			user, password, addr, port,
		),
	)
	if cfg == nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{
		db: pool,
	}, nil
}

func (r *Repository) GetEndpoint(ctx context.Context, id beacon.ServerID) (beacon.EndpointConfig, error) {
	sql := `
	select id, beacon_address, beacon_key, call_timeout_ms, max_connect_retries, max_call_rate
	from game_servers
	where id = $1 and enabled = true;
	`

	var (
		cfg       = beacon.EndpointConfig{}
		timeoutMs int64
	)
	err := r.db.QueryRow(ctx, sql, string(id)).Scan(
		&cfg.ServerID,
		&cfg.Address,
		&cfg.AuthKey,
		&timeoutMs,
		&cfg.MaxRetries,
		&cfg.MaxCallRate,
	)
	if err != nil {
		return beacon.EndpointConfig{}, fmt.Errorf("failed to get endpoint for server %s: %w", id, err)
	}
	cfg.DefaultTimeout = time.Duration(timeoutMs) * time.Millisecond
	return cfg, nil
}

func (r *Repository) GetEnabledEndpoints(ctx context.Context) ([]beacon.EndpointConfig, error) {
	sql := `
	select id, beacon_address, beacon_key, call_timeout_ms, max_connect_retries, max_call_rate
	from game_servers
	where enabled = true;
	`

	rows, err := r.db.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]beacon.EndpointConfig, 0, 16)
	for rows.Next() {
		var (
			cfg       = beacon.EndpointConfig{}
			timeoutMs int64
		)
		err = rows.Scan(
			&cfg.ServerID,
			&cfg.Address,
			&cfg.AuthKey,
			&timeoutMs,
			&cfg.MaxRetries,
			&cfg.MaxCallRate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan endpoint config: %w", err)
		}
		cfg.DefaultTimeout = time.Duration(timeoutMs) * time.Millisecond
		result = append(result, cfg)
	}
	return result, nil
}

func (r *Repository) GetEndpoints(
	ctx context.Context,
	ids []beacon.ServerID,
) (map[beacon.ServerID]beacon.EndpointConfig, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	sql, args, err := squirrel.Select(
		"id",
		"beacon_address",
		"beacon_key",
		"call_timeout_ms",
		"max_connect_retries",
		"max_call_rate",
	).From(serversTable).
		Where(squirrel.Eq{"id": ids, "enabled": true}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make(map[beacon.ServerID]beacon.EndpointConfig, len(ids))
	for rows.Next() {
		var (
			cfg       = beacon.EndpointConfig{}
			timeoutMs int64
		)
		err = rows.Scan(
			&cfg.ServerID,
			&cfg.Address,
			&cfg.AuthKey,
			&timeoutMs,
			&cfg.MaxRetries,
			&cfg.MaxCallRate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan endpoint config: %w", err)
		}
		cfg.DefaultTimeout = time.Duration(timeoutMs) * time.Millisecond
		result[cfg.ServerID] = cfg
	}
	return result, nil
}

func (r *Repository) Close() {
	r.db.Close()
}
