// Package blackboard implements the shared project state store: Postgres
// as the authoritative source of truth with optimistic concurrency, and
// Redis as a cache-aside read accelerator. Enumeration never scans the
// full keyspace — cache sweeps use SCAN cursors, never KEYS.
package blackboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reelcraft/orchestrator/pkg/models"
	"github.com/reelcraft/orchestrator/pkg/redisx"
)

// ErrNotFound indicates the requested project does not exist.
var ErrNotFound = errors.New("blackboard: not found")

// ErrVersionConflict indicates an optimistic-concurrency write lost the
// race: the project's version no longer matches what the caller read.
var ErrVersionConflict = errors.New("blackboard: version conflict")

// Store is the blackboard's authoritative Postgres store fronted by a
// Redis cache-aside layer.
type Store struct {
	db       *sql.DB
	rdb      *redis.Client
	cacheTTL time.Duration
}

// New wraps an open database pool and Redis client.
func New(db *sql.DB, rdb *redis.Client, cacheTTL time.Duration) *Store {
	return &Store{db: db, rdb: rdb, cacheTTL: cacheTTL}
}

// GetProject reads a project, trying the Redis cache first. A cache miss
// is not an error: it falls through to Postgres and repopulates the
// cache on the way out.
func (s *Store) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	if p, ok := s.getProjectFromCache(ctx, projectID); ok {
		return p, nil
	}

	p, err := s.getProjectFromDB(ctx, projectID)
	if err != nil {
		return nil, err
	}

	s.cacheProject(ctx, p)
	return p, nil
}

func (s *Store) getProjectFromCache(ctx context.Context, projectID string) (*models.Project, bool) {
	raw, err := s.rdb.Get(ctx, redisx.ProjectCacheKey(projectID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("blackboard: cache read failed, falling back to database", "project_id", projectID, "error", err)
		}
		return nil, false
	}

	var p models.Project
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("blackboard: cache entry corrupt, falling back to database", "project_id", projectID, "error", err)
		return nil, false
	}
	return &p, true
}

func (s *Store) cacheProject(ctx context.Context, p *models.Project) {
	raw, err := json.Marshal(p)
	if err != nil {
		slog.Warn("blackboard: failed to marshal project for cache", "project_id", p.ID, "error", err)
		return
	}
	if err := s.rdb.Set(ctx, redisx.ProjectCacheKey(p.ID), raw, s.cacheTTL).Err(); err != nil {
		slog.Warn("blackboard: failed to write cache", "project_id", p.ID, "error", err)
	}
}

func (s *Store) getProjectFromDB(ctx context.Context, projectID string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, version, auto_mode, quality_tier, global_spec,
		       shots, dna_bank, artifact_index, budget, created_at, updated_at
		FROM projects WHERE id = $1`, projectID)

	var p models.Project
	var shots, budget []byte
	if err := row.Scan(&p.ID, &p.Status, &p.Version, &p.AutoMode, &p.QualityTier,
		&p.GlobalSpec, &shots, &p.DNABank, &p.ArtifactIndex, &budget, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blackboard: query project %s: %w", projectID, err)
	}

	if err := json.Unmarshal(shots, &p.Shots); err != nil {
		return nil, fmt.Errorf("blackboard: unmarshal shots: %w", err)
	}
	if err := json.Unmarshal(budget, &p.Budget); err != nil {
		return nil, fmt.Errorf("blackboard: unmarshal budget: %w", err)
	}
	return &p, nil
}

// CreateProject inserts a new project at version 1.
func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	shots, err := json.Marshal(p.Shots)
	if err != nil {
		return fmt.Errorf("blackboard: marshal shots: %w", err)
	}
	budget, err := json.Marshal(p.Budget)
	if err != nil {
		return fmt.Errorf("blackboard: marshal budget: %w", err)
	}

	p.Version = 1
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, status, version, auto_mode, quality_tier, global_spec,
		                       shots, dna_bank, artifact_index, budget, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		p.ID, p.Status, p.Version, p.AutoMode, p.QualityTier, p.GlobalSpec,
		shots, p.DNABank, p.ArtifactIndex, budget, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("blackboard: insert project %s: %w", p.ID, err)
	}
	return nil
}

// UpdateFunc mutates an in-memory copy of a project; it must not retain
// the pointer past its call.
type UpdateFunc func(p *models.Project) error

// Update performs an optimistic-concurrency write: it loads the current
// row's version, applies fn, and writes back only if the version still
// matches. A concurrent writer winning the race surfaces as
// ErrVersionConflict.
func (s *Store) Update(ctx context.Context, projectID string, fn UpdateFunc) error {
	p, err := s.getProjectFromDB(ctx, projectID)
	if err != nil {
		return err
	}

	expectedVersion := p.Version
	if err := fn(p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	shots, err := json.Marshal(p.Shots)
	if err != nil {
		return fmt.Errorf("blackboard: marshal shots: %w", err)
	}
	budget, err := json.Marshal(p.Budget)
	if err != nil {
		return fmt.Errorf("blackboard: marshal budget: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET status = $1, version = version + 1, auto_mode = $2, quality_tier = $3,
		    global_spec = $4, shots = $5, dna_bank = $6, artifact_index = $7,
		    budget = $8, updated_at = $9
		WHERE id = $10 AND version = $11`,
		p.Status, p.AutoMode, p.QualityTier, p.GlobalSpec, shots, p.DNABank,
		p.ArtifactIndex, budget, p.UpdatedAt, projectID, expectedVersion)
	if err != nil {
		return fmt.Errorf("blackboard: update project %s: %w", projectID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("blackboard: rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}

	s.invalidateCache(ctx, projectID)
	return nil
}

// UpdateWithRetry retries Update up to maxRetries times on
// ErrVersionConflict, re-reading and reapplying fn each time. This
// bounds the retry budget instead of looping forever under contention.
func (s *Store) UpdateWithRetry(ctx context.Context, projectID string, maxRetries int, fn UpdateFunc) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = s.Update(ctx, projectID, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		slog.Warn("blackboard: version conflict, retrying", "project_id", projectID, "attempt", attempt)
	}
	return fmt.Errorf("blackboard: exhausted %d retries on %s: %w", maxRetries, projectID, err)
}

func (s *Store) invalidateCache(ctx context.Context, projectID string) {
	if err := s.rdb.Del(ctx, redisx.ProjectCacheKey(projectID)).Err(); err != nil {
		slog.Warn("blackboard: failed to invalidate cache", "project_id", projectID, "error", err)
	}
}

// ListCachedProjectIDs enumerates every cached project ID using a SCAN cursor,
// never KEYS, so a large keyspace never blocks Redis.
func (s *Store) ListCachedProjectIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	pattern := redisx.ProjectCacheKeyPattern()

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("blackboard: scan cache: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, k[len("project:"):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// ListActiveProjectIDs returns every project currently in the active
// status, read straight from Postgres — the scheduler's dependency on
// this must never be served from a partial cache.
func (s *Store) ListActiveProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM projects WHERE status = $1`, models.ProjectStatusActive)
	if err != nil {
		return nil, fmt.Errorf("blackboard: list active projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("blackboard: scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
