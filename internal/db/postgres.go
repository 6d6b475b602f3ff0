package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS rubygems (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS versions (
	id         BIGSERIAL PRIMARY KEY,
	rubygem_id BIGINT NOT NULL REFERENCES rubygems (id),
	number     TEXT NOT NULL,
	platform   TEXT NOT NULL,
	full_name  TEXT NOT NULL UNIQUE,
	storage_id TEXT NOT NULL UNIQUE,
	indexed    BOOLEAN NOT NULL DEFAULT TRUE,
	prerelease BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (rubygem_id, number, platform)
);
CREATE INDEX IF NOT EXISTS versions_indexed_prerelease ON versions (indexed, prerelease);
`

const selectVersion = `
	SELECT v.id, v.rubygem_id, r.name, v.number, v.platform, v.full_name, v.storage_id, v.indexed, v.prerelease
	FROM versions v
	JOIN rubygems r ON r.id = v.rubygem_id
`

// PostgresRepository 基于 pgxpool 的实现。
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository 建立连接池并探活。
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, errors.New("postgres: DBURL required")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

// Migrate 创建 rubygems/versions 表，可重复执行。
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ForSpecCollection(ctx context.Context, prerelease, latest bool) ([]Version, error) {
	rows, err := r.pool.Query(ctx, selectVersion+`WHERE v.indexed = TRUE AND v.prerelease = $1 ORDER BY v.id`, prerelease)
	if err != nil {
		return nil, fmt.Errorf("query spec collection: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spec collection: %w", err)
	}

	if latest {
		return SelectLatest(versions), nil
	}
	return versions, nil
}

func (r *PostgresRepository) InsertVersion(ctx context.Context, rubygemName, number, platform string) (Version, error) {
	v, err := newVersion(rubygemName, number, platform)
	if err != nil {
		return Version{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Version{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO rubygems (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, v.RubygemName).Scan(&v.RubygemID)
	if err != nil {
		return Version{}, fmt.Errorf("upsert rubygem: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO versions (rubygem_id, number, platform, full_name, storage_id, indexed, prerelease)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, v.RubygemID, v.Number, v.Platform, v.FullName, v.StorageID, v.Indexed, v.Prerelease).Scan(&v.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Version{}, fmt.Errorf("%s: %w", v.FullName, ErrDuplicateVersion)
		}
		return Version{}, fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Version{}, fmt.Errorf("commit: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) Deindex(ctx context.Context, id int64) error {
	return r.setIndexed(ctx, id, false)
}

func (r *PostgresRepository) Reindex(ctx context.Context, id int64) error {
	return r.setIndexed(ctx, id, true)
}

func (r *PostgresRepository) setIndexed(ctx context.Context, id int64, indexed bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE versions SET indexed = $2 WHERE id = $1`, id, indexed)
	if err != nil {
		return fmt.Errorf("update version %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("id %d: %w", id, ErrVersionNotFound)
	}
	return nil
}

func (r *PostgresRepository) FindByFullName(ctx context.Context, fullName string) (Version, error) {
	for _, candidate := range []string{fullName, fullName + "-" + DefaultPlatform} {
		v, err := scanVersion(r.pool.QueryRow(ctx, selectVersion+`WHERE v.full_name = $1`, candidate))
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Version{}, err
		}
	}
	return Version{}, fmt.Errorf("%s: %w", fullName, ErrVersionNotFound)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func scanVersion(row pgx.Row) (Version, error) {
	var v Version
	err := row.Scan(&v.ID, &v.RubygemID, &v.RubygemName, &v.Number, &v.Platform,
		&v.FullName, &v.StorageID, &v.Indexed, &v.Prerelease)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, err
		}
		return Version{}, fmt.Errorf("scan version: %w", err)
	}
	return v, nil
}
