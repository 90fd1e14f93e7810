package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

const specColumns = `s.uuid, s.project_uuid, s.name, s.slug, s.architecture, s.cpu, s.memory, s.disk,
	s.network, s.is_fallback, s.created, s.modified, s.archived`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateProject(ctx context.Context, name string, claimed bool) (jobs.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return jobs.Project{}, fmt.Errorf("%w: project name is required", errdefs.ErrInvalidArgument)
	}
	project := jobs.Project{
		UUID:    uuid.New(),
		Name:    name,
		Slug:    jobs.Slugify(name),
		Claimed: claimed,
		Created: fromMicros(s.nowMicros()),
	}
	if _, err := s.ProjectByRef(ctx, project.Slug); err == nil {
		return jobs.Project{}, fmt.Errorf("%w: project %q already exists", errdefs.ErrConflict, project.Slug)
	} else if !errdefs.IsNotFound(err) {
		return jobs.Project{}, err
	}
	_, err := s.exec(ctx, `INSERT INTO projects (uuid, name, slug, claimed, created) VALUES (?, ?, ?, ?, ?)`,
		project.UUID, project.Name, project.Slug, boolInt(project.Claimed), micros(project.Created))
	if err != nil {
		return jobs.Project{}, fmt.Errorf("insert project %q: %w", project.Slug, err)
	}
	return project, nil
}

// ProjectByRef looks a project up by uuid or slug.
func (q queries) ProjectByRef(ctx context.Context, ref string) (jobs.Project, error) {
	ref = strings.TrimSpace(ref)
	column, arg := refColumn(ref)
	row := q.queryRow(ctx, `SELECT uuid, name, slug, claimed, created FROM projects WHERE `+column+` = ?`, arg)

	var (
		project jobs.Project
		created int64
	)
	if err := row.Scan(&project.UUID, &project.Name, &project.Slug, &project.Claimed, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Project{}, fmt.Errorf("project %q: %w", ref, errdefs.ErrNotFound)
		}
		return jobs.Project{}, fmt.Errorf("load project %q: %w", ref, err)
	}
	project.Created = fromMicros(created)
	return project, nil
}

// CreateSpec inserts spec. A fallback spec demotes the project's previous
// fallback in the same transaction.
func (s *Store) CreateSpec(ctx context.Context, spec jobs.Spec) (jobs.Spec, error) {
	if err := spec.Validate(); err != nil {
		return jobs.Spec{}, err
	}
	arch, _ := jobs.ParseArchitecture(string(spec.Architecture))

	now := fromMicros(s.nowMicros())
	spec.UUID = uuid.New()
	spec.Name = strings.TrimSpace(spec.Name)
	if strings.TrimSpace(spec.Slug) == "" {
		spec.Slug = jobs.Slugify(spec.Name)
	}
	spec.Architecture = arch
	spec.Created = now
	spec.Modified = now
	spec.Archived = nil

	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.SpecByRef(ctx, spec.Project, spec.Slug); err == nil {
			return fmt.Errorf("%w: spec %q already exists", errdefs.ErrConflict, spec.Slug)
		} else if !errdefs.IsNotFound(err) {
			return err
		}
		if spec.IsFallback {
			if _, err := tx.exec(ctx, `UPDATE specs SET is_fallback = 0, modified = ? WHERE project_uuid = ? AND is_fallback = 1`,
				micros(now), spec.Project); err != nil {
				return fmt.Errorf("clear previous fallback spec: %w", err)
			}
		}
		_, err := tx.exec(ctx, `INSERT INTO specs (
				uuid, project_uuid, name, slug, architecture, cpu, memory, disk, network, is_fallback, created, modified
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			spec.UUID, spec.Project, spec.Name, spec.Slug, string(spec.Architecture), spec.CPU,
			int64(spec.Memory), int64(spec.Disk), boolInt(spec.Network), boolInt(spec.IsFallback),
			micros(now), micros(now))
		if err != nil {
			return fmt.Errorf("insert spec %q: %w", spec.Slug, err)
		}
		return nil
	})
	if err != nil {
		return jobs.Spec{}, err
	}
	return spec, nil
}

func (s *Store) ListSpecs(ctx context.Context, project uuid.UUID) ([]jobs.Spec, error) {
	rows, err := s.query(ctx, `SELECT `+specColumns+` FROM specs s
		WHERE s.project_uuid = ? AND s.archived IS NULL
		ORDER BY s.created, s.slug`, project)
	if err != nil {
		return nil, fmt.Errorf("query specs: %w", err)
	}
	defer rows.Close()

	out := make([]jobs.Spec, 0)
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate specs: %w", err)
	}
	return out, nil
}

// ArchiveSpec soft-deletes a spec. Jobs already bound to it keep their copy.
func (s *Store) ArchiveSpec(ctx context.Context, project uuid.UUID, ref string) error {
	spec, err := s.SpecByRef(ctx, project, ref)
	if err != nil {
		return err
	}
	now := s.nowMicros()
	_, err = s.exec(ctx, `UPDATE specs SET archived = ?, is_fallback = 0, modified = ? WHERE uuid = ? AND archived IS NULL`,
		now, now, spec.UUID)
	if err != nil {
		return fmt.Errorf("archive spec %q: %w", ref, err)
	}
	return nil
}

// SpecByRef finds a live spec by uuid or slug.
func (q queries) SpecByRef(ctx context.Context, project uuid.UUID, ref string) (jobs.Spec, error) {
	ref = strings.TrimSpace(ref)
	column, arg := refColumn(ref)
	row := q.queryRow(ctx, `SELECT `+specColumns+` FROM specs s
		WHERE s.project_uuid = ? AND s.`+column+` = ? AND s.archived IS NULL`, project, arg)
	spec, err := scanSpec(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Spec{}, fmt.Errorf("spec %q: %w", ref, errdefs.ErrNotFound)
		}
		return jobs.Spec{}, err
	}
	return spec, nil
}

func (q queries) SpecByUUID(ctx context.Context, project, id uuid.UUID) (jobs.Spec, error) {
	return q.SpecByRef(ctx, project, id.String())
}

func (q queries) FallbackSpec(ctx context.Context, project uuid.UUID) (jobs.Spec, bool, error) {
	row := q.queryRow(ctx, `SELECT `+specColumns+` FROM specs s
		WHERE s.project_uuid = ? AND s.is_fallback = 1 AND s.archived IS NULL`, project)
	spec, err := scanSpec(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Spec{}, false, nil
		}
		return jobs.Spec{}, false, err
	}
	return spec, true, nil
}

// TestbedByName matches a testbed by its exact name or by the slug the name
// would produce.
func (q queries) TestbedByName(ctx context.Context, project uuid.UUID, name string) (jobs.Testbed, bool, error) {
	row := q.queryRow(ctx, `SELECT uuid, project_uuid, name, slug, spec_uuid, created, modified FROM testbeds
		WHERE project_uuid = ? AND (name = ? OR slug = ?)
		ORDER BY CASE WHEN name = ? THEN 0 ELSE 1 END
		LIMIT 1`, project, name, jobs.Slugify(name), name)

	var (
		tb                jobs.Testbed
		spec              uuid.NullUUID
		created, modified int64
	)
	if err := row.Scan(&tb.UUID, &tb.Project, &tb.Name, &tb.Slug, &spec, &created, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Testbed{}, false, nil
		}
		return jobs.Testbed{}, false, fmt.Errorf("load testbed %q: %w", name, err)
	}
	if spec.Valid {
		tb.Spec = &spec.UUID
	}
	tb.Created = fromMicros(created)
	tb.Modified = fromMicros(modified)
	return tb, true, nil
}

func (q queries) CreateTestbed(ctx context.Context, project uuid.UUID, name string, spec *uuid.UUID) (jobs.Testbed, error) {
	now := fromMicros(q.nowMicros())
	tb := jobs.Testbed{
		UUID:     uuid.New(),
		Project:  project,
		Name:     name,
		Slug:     jobs.Slugify(name),
		Spec:     spec,
		Created:  now,
		Modified: now,
	}
	var specArg any
	if spec != nil {
		specArg = *spec
	}
	_, err := q.exec(ctx, `INSERT INTO testbeds (uuid, project_uuid, name, slug, spec_uuid, created, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tb.UUID, tb.Project, tb.Name, tb.Slug, specArg, micros(now), micros(now))
	if err != nil {
		return jobs.Testbed{}, fmt.Errorf("insert testbed %q: %w", name, err)
	}
	return tb, nil
}

func (q queries) BindTestbed(ctx context.Context, testbed, spec uuid.UUID) error {
	_, err := q.exec(ctx, `UPDATE testbeds SET spec_uuid = ?, modified = ? WHERE uuid = ?`,
		spec, q.nowMicros(), testbed)
	if err != nil {
		return fmt.Errorf("bind testbed %s to spec %s: %w", testbed, spec, err)
	}
	return nil
}

func (q queries) CreateReport(ctx context.Context, report jobs.Report) (jobs.Report, error) {
	report.UUID = uuid.New()
	report.Created = fromMicros(q.nowMicros())
	var jobArg any
	if report.Job != nil {
		jobArg = *report.Job
	}
	_, err := q.exec(ctx, `INSERT INTO reports (uuid, project_uuid, testbed_uuid, branch, job_uuid, created)
		VALUES (?, ?, ?, ?, ?, ?)`,
		report.UUID, report.Project, report.Testbed, report.Branch, jobArg, micros(report.Created))
	if err != nil {
		return jobs.Report{}, fmt.Errorf("insert report: %w", err)
	}
	return report, nil
}

func scanSpec(row rowScanner) (jobs.Spec, error) {
	var (
		spec              jobs.Spec
		arch              string
		memory, disk      int64
		created, modified int64
		archived          sql.NullInt64
	)
	err := row.Scan(&spec.UUID, &spec.Project, &spec.Name, &spec.Slug, &arch, &spec.CPU, &memory, &disk,
		&spec.Network, &spec.IsFallback, &created, &modified, &archived)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Spec{}, err
		}
		return jobs.Spec{}, fmt.Errorf("scan spec: %w", err)
	}
	spec.Architecture = jobs.Architecture(arch)
	spec.Memory = uint64(memory)
	spec.Disk = uint64(disk)
	spec.Created = fromMicros(created)
	spec.Modified = fromMicros(modified)
	spec.Archived = nullableTime(archived)
	return spec, nil
}

// refColumn picks the lookup column for a uuid-or-slug reference.
func refColumn(ref string) (string, any) {
	if id, err := uuid.Parse(ref); err == nil {
		return "uuid", id
	}
	return "slug", ref
}
