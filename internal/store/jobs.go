package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

const jobColumns = `j.uuid, j.project_uuid, j.report_uuid, j.status, j.runner_uuid, j.cancel_requested,
	j.claimed, j.started, j.completed, j.last_heartbeat, j.created, j.modified, ` + specColumns

const jobFrom = ` FROM jobs j JOIN specs s ON s.uuid = j.spec_uuid`

// NewJob is the input to CreateJob.
type NewJob struct {
	UUID    uuid.UUID
	Project uuid.UUID
	Report  uuid.UUID
	Spec    jobs.Spec
	Config  jobs.JobConfig
}

// CreateJob inserts a pending job. Config is stored but never read back
// except through LoadClaim.
func (q queries) CreateJob(ctx context.Context, in NewJob) (jobs.Job, error) {
	config, err := json.Marshal(in.Config)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("encode job config: %w", err)
	}
	if in.UUID == uuid.Nil {
		in.UUID = uuid.New()
	}
	now := fromMicros(q.nowMicros())
	_, err = q.exec(ctx, `INSERT INTO jobs (uuid, project_uuid, report_uuid, spec_uuid, status, config, created, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.UUID, in.Project, in.Report, in.Spec.UUID, string(jobs.StatusPending), string(config), micros(now), micros(now))
	if err != nil {
		return jobs.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return jobs.Job{
		UUID:     in.UUID,
		Project:  in.Project,
		Report:   in.Report,
		Status:   jobs.StatusPending,
		Spec:     in.Spec,
		Created:  now,
		Modified: now,
	}, nil
}

// ListJobs returns a project's jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, project uuid.UUID, status jobs.Status) ([]jobs.Job, error) {
	query := `SELECT ` + jobColumns + jobFrom + ` WHERE j.project_uuid = ?`
	args := []any{project}
	if status != "" {
		query += ` AND j.status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY j.created DESC, j.uuid`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	out := make([]jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// GetJob loads a job scoped to its project.
func (s *Store) GetJob(ctx context.Context, project, id uuid.UUID) (jobs.Job, error) {
	job, err := s.JobByUUID(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	}
	if job.Project != project {
		return jobs.Job{}, fmt.Errorf("job %s: %w", id, errdefs.ErrNotFound)
	}
	return job, nil
}

func (s *Store) JobByUUID(ctx context.Context, id uuid.UUID) (jobs.Job, error) {
	row := s.queryRow(ctx, `SELECT `+jobColumns+jobFrom+` WHERE j.uuid = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Job{}, fmt.Errorf("job %s: %w", id, errdefs.ErrNotFound)
		}
		return jobs.Job{}, err
	}
	return job, nil
}

// PendingCandidates lists the oldest pending jobs a runner of arch could run.
func (s *Store) PendingCandidates(ctx context.Context, arch jobs.Architecture, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 16
	}
	rows, err := s.query(ctx, `SELECT j.uuid`+jobFrom+`
		WHERE j.status = ? AND s.architecture = ?
		ORDER BY j.created, j.uuid
		LIMIT ?`, string(jobs.StatusPending), string(arch), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return out, nil
}

// ClaimJob moves a pending job to claimed for runner. It reports false when
// another claimant won the race or the job is no longer pending.
func (s *Store) ClaimJob(ctx context.Context, id, runner uuid.UUID) (bool, error) {
	now := s.nowMicros()
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, runner_uuid = ?, claimed = ?, modified = ?
		WHERE uuid = ? AND status = ? AND runner_uuid IS NULL`,
		string(jobs.StatusClaimed), runner, now, now, id, string(jobs.StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return n == 1, nil
}

// LoadClaim returns the job and its config for the runner holding the claim.
func (s *Store) LoadClaim(ctx context.Context, id, runner uuid.UUID) (jobs.Job, jobs.JobConfig, error) {
	row := s.queryRow(ctx, `SELECT j.config, `+jobColumns+jobFrom+` WHERE j.uuid = ? AND j.runner_uuid = ?`, id, runner)

	var raw string
	job, err := scanJob(prefixScanner{row: row, prefix: []any{&raw}})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Job{}, jobs.JobConfig{}, fmt.Errorf("job %s is not claimed by runner %s: %w", id, runner, errdefs.ErrNotFound)
		}
		return jobs.Job{}, jobs.JobConfig{}, err
	}
	var config jobs.JobConfig
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return jobs.Job{}, jobs.JobConfig{}, fmt.Errorf("decode config for job %s: %w", id, err)
	}
	return job, config, nil
}

// MarkRunning applies claimed -> running for the claiming runner. Repeating it
// while already running is accepted so a reconnecting runner can resume.
func (s *Store) MarkRunning(ctx context.Context, id, runner uuid.UUID) error {
	now := s.nowMicros()
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, started = ?, last_heartbeat = ?, modified = ?
		WHERE uuid = ? AND runner_uuid = ? AND status = ?`,
		string(jobs.StatusRunning), now, now, now, id, runner, string(jobs.StatusClaimed))
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark job %s running: %w", id, err)
	} else if n == 1 {
		return nil
	}

	current, err := s.ownedStatus(ctx, id, runner)
	if err != nil {
		return err
	}
	if current == jobs.StatusRunning {
		return nil
	}
	return fmt.Errorf("%w: job %s is %s, cannot start running", errdefs.ErrConflict, id, current)
}

// Heartbeat records liveness and reports whether a cancel has been requested.
func (s *Store) Heartbeat(ctx context.Context, id, runner uuid.UUID) (bool, error) {
	now := s.nowMicros()
	res, err := s.exec(ctx, `UPDATE jobs SET last_heartbeat = ? WHERE uuid = ? AND runner_uuid = ? AND status IN (?, ?)`,
		now, id, runner, string(jobs.StatusClaimed), string(jobs.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("record heartbeat for job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("record heartbeat for job %s: %w", id, err)
	} else if n == 0 {
		current, err := s.ownedStatus(ctx, id, runner)
		if err != nil {
			return false, err
		}
		return false, fmt.Errorf("%w: job %s is %s", errdefs.ErrFailedPrecondition, id, current)
	}
	return s.CancelRequested(ctx, id)
}

func (s *Store) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	if err := s.queryRow(ctx, `SELECT cancel_requested FROM jobs WHERE uuid = ?`, id).Scan(&requested); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("job %s: %w", id, errdefs.ErrNotFound)
		}
		return false, fmt.Errorf("load cancel flag for job %s: %w", id, err)
	}
	return requested, nil
}

// FinishJob moves a job held by runner to a terminal status and returns the
// status actually recorded. A pending cancel request turns any runner-reported
// outcome into canceled.
func (s *Store) FinishJob(ctx context.Context, id, runner uuid.UUID, to jobs.Status) (jobs.Status, error) {
	if !to.Terminal() {
		return "", fmt.Errorf("%w: %s is not a terminal job status", errdefs.ErrInvalidArgument, to)
	}
	now := s.nowMicros()
	args := []any{
		string(jobs.StatusCanceled), string(to), now, now, id, runner,
		string(jobs.StatusClaimed), string(jobs.StatusRunning),
	}
	query := `UPDATE jobs SET
			status = CASE WHEN cancel_requested = 1 THEN ? ELSE ? END,
			completed = ?, modified = ?
		WHERE uuid = ? AND runner_uuid = ? AND status IN (?, ?)`
	if to == jobs.StatusCompleted {
		// Only a running job can complete; a claimed one can still be canceled.
		query += ` AND (status = ? OR cancel_requested = 1)`
		args = append(args, string(jobs.StatusRunning))
	}

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("finish job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("finish job %s: %w", id, err)
	}
	current, err := s.ownedStatus(ctx, id, runner)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return current, fmt.Errorf("%w: job %s is %s, cannot become %s", errdefs.ErrConflict, id, current, to)
	}
	return current, nil
}

// RequestCancel cancels a pending job outright, or flags a claimed or
// running job so the runner is told to stop. Terminal jobs are rejected.
func (s *Store) RequestCancel(ctx context.Context, project, id uuid.UUID) (jobs.Status, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := s.GetJob(ctx, project, id)
		if err != nil {
			return "", err
		}
		now := s.nowMicros()

		var res sql.Result
		switch {
		case job.Status.Terminal():
			return job.Status, fmt.Errorf("%w: job %s is already %s", errdefs.ErrFailedPrecondition, id, job.Status)
		case job.Status == jobs.StatusPending:
			res, err = s.exec(ctx, `UPDATE jobs SET status = ?, completed = ?, modified = ? WHERE uuid = ? AND status = ?`,
				string(jobs.StatusCanceled), now, now, id, string(jobs.StatusPending))
		default:
			res, err = s.exec(ctx, `UPDATE jobs SET cancel_requested = 1, modified = ? WHERE uuid = ? AND status IN (?, ?)`,
				now, id, string(jobs.StatusClaimed), string(jobs.StatusRunning))
		}
		if err != nil {
			return "", fmt.Errorf("cancel job %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("cancel job %s: %w", id, err)
		}
		if n == 1 {
			if job.Status == jobs.StatusPending {
				return jobs.StatusCanceled, nil
			}
			return job.Status, nil
		}
		// The job moved between the read and the update; look again.
	}
	return "", fmt.Errorf("%w: job %s kept changing while canceling", errdefs.ErrConflict, id)
}

// StaleJob is a job the liveness sweep failed.
type StaleJob struct {
	UUID   uuid.UUID
	Status jobs.Status
}

// FailStale fails claimed jobs whose runner never reported running since
// claimedBefore, and running jobs with no heartbeat since heartbeatBefore.
// Runner identity is left untouched and nothing is requeued.
func (s *Store) FailStale(ctx context.Context, claimedBefore, heartbeatBefore time.Time) ([]StaleJob, error) {
	rows, err := s.query(ctx, `SELECT uuid, status FROM jobs
		WHERE (status = ? AND claimed < ?)
		   OR (status = ? AND COALESCE(last_heartbeat, started, claimed) < ?)`,
		string(jobs.StatusClaimed), micros(claimedBefore), string(jobs.StatusRunning), micros(heartbeatBefore))
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	var candidates []StaleJob
	for rows.Next() {
		var (
			c      StaleJob
			status string
		)
		if err := rows.Scan(&c.UUID, &status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		c.Status = jobs.Status(status)
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}

	var failed []StaleJob
	for _, c := range candidates {
		now := s.nowMicros()
		res, err := s.exec(ctx, `UPDATE jobs SET status = ?, completed = ?, modified = ? WHERE uuid = ? AND status = ?`,
			string(jobs.StatusFailed), now, now, c.UUID, string(c.Status))
		if err != nil {
			return failed, fmt.Errorf("fail stale job %s: %w", c.UUID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			failed = append(failed, c)
		}
	}
	return failed, nil
}

func (s *Store) ownedStatus(ctx context.Context, id, runner uuid.UUID) (jobs.Status, error) {
	var (
		status string
		owner  uuid.NullUUID
	)
	if err := s.queryRow(ctx, `SELECT status, runner_uuid FROM jobs WHERE uuid = ?`, id).Scan(&status, &owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("job %s: %w", id, errdefs.ErrNotFound)
		}
		return "", fmt.Errorf("load job %s: %w", id, err)
	}
	if !owner.Valid || owner.UUID != runner {
		return "", fmt.Errorf("%w: job %s is not held by runner %s", errdefs.ErrPermissionDenied, id, runner)
	}
	return jobs.Status(status), nil
}

// prefixScanner scans leading columns into prefix before handing the rest on.
type prefixScanner struct {
	row    rowScanner
	prefix []any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.row.Scan(append(append([]any{}, p.prefix...), dest...)...)
}

func scanJob(row rowScanner) (jobs.Job, error) {
	var (
		job                                   jobs.Job
		status                                string
		runner                                uuid.NullUUID
		claimed, started, completed, lastBeat sql.NullInt64
		created, modified                     int64
		spec                                  jobs.Spec
		arch                                  string
		memory, disk                          int64
		specCreated, specModified             int64
		archived                              sql.NullInt64
	)
	err := row.Scan(
		&job.UUID, &job.Project, &job.Report, &status, &runner, &job.CancelRequested,
		&claimed, &started, &completed, &lastBeat, &created, &modified,
		&spec.UUID, &spec.Project, &spec.Name, &spec.Slug, &arch, &spec.CPU, &memory, &disk,
		&spec.Network, &spec.IsFallback, &specCreated, &specModified, &archived,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.Job{}, err
		}
		return jobs.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = jobs.Status(status)
	if runner.Valid {
		job.Runner = &runner.UUID
	}
	job.Claimed = nullableTime(claimed)
	job.Started = nullableTime(started)
	job.Completed = nullableTime(completed)
	job.LastHeartbeat = nullableTime(lastBeat)
	job.Created = fromMicros(created)
	job.Modified = fromMicros(modified)

	spec.Architecture = jobs.Architecture(arch)
	spec.Memory = uint64(memory)
	spec.Disk = uint64(disk)
	spec.Created = fromMicros(specCreated)
	spec.Modified = fromMicros(specModified)
	spec.Archived = nullableTime(archived)
	job.Spec = spec
	return job, nil
}

// PutOutput stores a terminal job's serialized output.
func (s *Store) PutOutput(ctx context.Context, id uuid.UUID, body []byte) error {
	_, err := s.exec(ctx, `INSERT INTO job_outputs (job_uuid, body, created) VALUES (?, ?, ?)
		ON CONFLICT (job_uuid) DO UPDATE SET body = excluded.body`,
		id, string(body), s.nowMicros())
	if err != nil {
		return fmt.Errorf("store output for job %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetOutput(ctx context.Context, id uuid.UUID) ([]byte, bool, error) {
	var body string
	if err := s.queryRow(ctx, `SELECT body FROM job_outputs WHERE job_uuid = ?`, id).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load output for job %s: %w", id, err)
	}
	return []byte(body), true, nil
}
