package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// HashToken is the form runner tokens are stored and looked up in.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateRunner registers a runner that authenticates with token.
func (s *Store) CreateRunner(ctx context.Context, name string, arch jobs.Architecture, token string) (jobs.Runner, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return jobs.Runner{}, fmt.Errorf("%w: runner name is required", errdefs.ErrInvalidArgument)
	}
	if strings.TrimSpace(token) == "" {
		return jobs.Runner{}, fmt.Errorf("%w: runner token is required", errdefs.ErrInvalidArgument)
	}
	parsedArch, err := jobs.ParseArchitecture(string(arch))
	if err != nil {
		return jobs.Runner{}, err
	}

	runner := jobs.Runner{
		UUID:         uuid.New(),
		Name:         name,
		Slug:         jobs.Slugify(name),
		Architecture: parsedArch,
		Created:      fromMicros(s.nowMicros()),
	}
	var existing int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM runners WHERE slug = ?`, runner.Slug).Scan(&existing); err != nil {
		return jobs.Runner{}, fmt.Errorf("check runner %q: %w", runner.Slug, err)
	}
	if existing > 0 {
		return jobs.Runner{}, fmt.Errorf("%w: runner %q already exists", errdefs.ErrConflict, runner.Slug)
	}
	_, err = s.exec(ctx, `INSERT INTO runners (uuid, name, slug, architecture, token_hash, created) VALUES (?, ?, ?, ?, ?, ?)`,
		runner.UUID, runner.Name, runner.Slug, string(runner.Architecture), HashToken(token), micros(runner.Created))
	if err != nil {
		return jobs.Runner{}, fmt.Errorf("insert runner %q: %w", runner.Slug, err)
	}
	return runner, nil
}

// RunnerByToken authenticates a runner and records it as seen.
func (s *Store) RunnerByToken(ctx context.Context, token string) (jobs.Runner, error) {
	if strings.TrimSpace(token) == "" {
		return jobs.Runner{}, fmt.Errorf("%w: runner token is required", errdefs.ErrUnauthenticated)
	}
	row := s.queryRow(ctx, `SELECT uuid, name, slug, architecture, created FROM runners WHERE token_hash = ?`, HashToken(token))

	var (
		runner  jobs.Runner
		arch    string
		created int64
	)
	if err := row.Scan(&runner.UUID, &runner.Name, &runner.Slug, &arch, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Runner{}, fmt.Errorf("%w: unknown runner token", errdefs.ErrUnauthenticated)
		}
		return jobs.Runner{}, fmt.Errorf("load runner: %w", err)
	}
	runner.Architecture = jobs.Architecture(arch)
	runner.Created = fromMicros(created)

	now := s.nowMicros()
	if _, err := s.exec(ctx, `UPDATE runners SET last_seen = ? WHERE uuid = ?`, now, runner.UUID); err != nil {
		return jobs.Runner{}, fmt.Errorf("touch runner %s: %w", runner.UUID, err)
	}
	seen := fromMicros(now)
	runner.LastSeen = &seen
	return runner, nil
}
