package imagemgr

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buildkite/benchroom/internal/imageref"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	_ "modernc.org/sqlite"
)

// catalogMigrations are applied in order; PRAGMA user_version records how
// many have run.
var catalogMigrations = []string{
	`CREATE TABLE images (
		ref TEXT PRIMARY KEY,
		digest TEXT NOT NULL,
		repository TEXT NOT NULL,
		rootfs_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		config TEXT NOT NULL,
		created INTEGER NOT NULL,
		last_used INTEGER NOT NULL
	);
	CREATE INDEX images_digest ON images(digest);
	CREATE INDEX images_repository ON images(repository);`,
}

const catalogColumns = `ref, digest, repository, rootfs_path, size_bytes, config, created, last_used`

// catalog is the sqlite index of materialised rootfs artifacts.
type catalog struct {
	db *sql.DB
}

func openCatalog(ctx context.Context, path string) (*catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open image metadata %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	c := &catalog{db: db}
	if err := c.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *catalog) Close() error { return c.db.Close() }

func (c *catalog) migrate(ctx context.Context) error {
	var version int
	if err := c.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read image metadata version: %w", err)
	}
	for i := version; i < len(catalogMigrations); i++ {
		if _, err := c.db.ExecContext(ctx, catalogMigrations[i]); err != nil {
			return fmt.Errorf("migrate image metadata to v%d: %w", i+1, err)
		}
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			return fmt.Errorf("record image metadata version: %w", err)
		}
	}
	return nil
}

func (c *catalog) get(ctx context.Context, ref string) (Record, bool, error) {
	record, err := scanRecord(c.db.QueryRowContext(ctx, `SELECT `+catalogColumns+` FROM images WHERE ref = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	return record, err == nil, err
}

func (c *catalog) put(ctx context.Context, r Record) error {
	config, err := json.Marshal(r.OCIConfig)
	if err != nil {
		return fmt.Errorf("encode image config: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO images (`+catalogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET
			rootfs_path = excluded.rootfs_path,
			size_bytes = excluded.size_bytes,
			config = excluded.config,
			last_used = excluded.last_used`,
		r.Ref, r.Digest, r.Repository, r.RootFSPath, r.SizeBytes, string(config),
		r.CreatedAt.UnixMicro(), r.LastUsedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("record image %s: %w", r.Ref, err)
	}
	return nil
}

func (c *catalog) touch(ctx context.Context, ref string, at time.Time) error {
	if _, err := c.db.ExecContext(ctx, `UPDATE images SET last_used = ? WHERE ref = ?`, at.UnixMicro(), ref); err != nil {
		return fmt.Errorf("touch image %s: %w", ref, err)
	}
	return nil
}

func (c *catalog) delete(ctx context.Context, ref string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM images WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("forget image %s: %w", ref, err)
	}
	return nil
}

func (c *catalog) all(ctx context.Context) ([]Record, error) {
	return c.query(ctx, `ORDER BY last_used DESC, created DESC, ref`)
}

// match resolves a removal selector: a digest reference, a digest with or
// without its algorithm, or a repository.
func (c *catalog) match(ctx context.Context, selector string) ([]Record, error) {
	if ref, err := imageref.ParseDigestReference(selector); err == nil {
		return c.query(ctx, `WHERE ref = ?`, canonicalRef(ref))
	}
	candidate := strings.ToLower(selector)
	if !strings.Contains(candidate, ":") {
		candidate = "sha256:" + candidate
	}
	if digest, err := v1.NewHash(candidate); err == nil {
		return c.query(ctx, `WHERE digest = ? ORDER BY ref`, digest.String())
	}
	return c.query(ctx, `WHERE repository = ? ORDER BY ref`, selector)
}

func (c *catalog) query(ctx context.Context, where string, args ...any) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+catalogColumns+` FROM images `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query cached images: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		r                 Record
		config            string
		created, lastUsed int64
	)
	if err := row.Scan(&r.Ref, &r.Digest, &r.Repository, &r.RootFSPath, &r.SizeBytes, &config, &created, &lastUsed); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(config), &r.OCIConfig); err != nil {
		return Record{}, fmt.Errorf("decode image config for %s: %w", r.Ref, err)
	}
	r.CreatedAt = time.UnixMicro(created).UTC()
	r.LastUsedAt = time.UnixMicro(lastUsed).UTC()
	return r, nil
}
