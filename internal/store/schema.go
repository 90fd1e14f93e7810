package store

// schema is applied one statement at a time so it runs unchanged on both
// sqlite and postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		uuid TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		claimed INTEGER NOT NULL DEFAULT 0,
		created BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS specs (
		uuid TEXT PRIMARY KEY,
		project_uuid TEXT NOT NULL REFERENCES projects(uuid),
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		architecture TEXT NOT NULL,
		cpu INTEGER NOT NULL,
		memory BIGINT NOT NULL,
		disk BIGINT NOT NULL,
		network INTEGER NOT NULL DEFAULT 0,
		is_fallback INTEGER NOT NULL DEFAULT 0,
		created BIGINT NOT NULL,
		modified BIGINT NOT NULL,
		archived BIGINT,
		UNIQUE (project_uuid, slug)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_specs_one_fallback
		ON specs(project_uuid) WHERE is_fallback = 1 AND archived IS NULL`,
	`CREATE TABLE IF NOT EXISTS testbeds (
		uuid TEXT PRIMARY KEY,
		project_uuid TEXT NOT NULL REFERENCES projects(uuid),
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		spec_uuid TEXT REFERENCES specs(uuid),
		created BIGINT NOT NULL,
		modified BIGINT NOT NULL,
		UNIQUE (project_uuid, slug)
	)`,
	`CREATE TABLE IF NOT EXISTS runners (
		uuid TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		architecture TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		created BIGINT NOT NULL,
		last_seen BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS reports (
		uuid TEXT PRIMARY KEY,
		project_uuid TEXT NOT NULL REFERENCES projects(uuid),
		testbed_uuid TEXT NOT NULL REFERENCES testbeds(uuid),
		branch TEXT NOT NULL DEFAULT '',
		job_uuid TEXT,
		created BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		uuid TEXT PRIMARY KEY,
		project_uuid TEXT NOT NULL REFERENCES projects(uuid),
		report_uuid TEXT NOT NULL,
		spec_uuid TEXT NOT NULL REFERENCES specs(uuid),
		status TEXT NOT NULL,
		config TEXT NOT NULL,
		runner_uuid TEXT REFERENCES runners(uuid),
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		claimed BIGINT,
		started BIGINT,
		completed BIGINT,
		last_heartbeat BIGINT,
		created BIGINT NOT NULL,
		modified BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_uuid, created)`,
	`CREATE TABLE IF NOT EXISTS job_outputs (
		job_uuid TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		created BIGINT NOT NULL
	)`,
}
