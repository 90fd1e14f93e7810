// Package outputstore persists terminal JobOutput blobs keyed by job uuid.
package outputstore

import (
	"context"
	"fmt"

	"github.com/buildkite/benchroom/internal/jobs"
	"github.com/google/uuid"
)

type Store interface {
	Put(ctx context.Context, job uuid.UUID, out jobs.JobOutput) error
	Get(ctx context.Context, job uuid.UUID) (jobs.JobOutput, bool, error)
}

// Table is the raw blob table the database-backed store writes through.
type Table interface {
	PutOutput(ctx context.Context, job uuid.UUID, body []byte) error
	GetOutput(ctx context.Context, job uuid.UUID) ([]byte, bool, error)
}

type Database struct {
	table Table
}

func NewDatabase(table Table) *Database {
	return &Database{table: table}
}

func (d *Database) Put(ctx context.Context, job uuid.UUID, out jobs.JobOutput) error {
	body, err := jobs.MarshalOutput(out)
	if err != nil {
		return err
	}
	return d.table.PutOutput(ctx, job, body)
}

func (d *Database) Get(ctx context.Context, job uuid.UUID) (jobs.JobOutput, bool, error) {
	body, ok, err := d.table.GetOutput(ctx, job)
	if err != nil || !ok {
		return jobs.JobOutput{}, ok, err
	}
	out, err := jobs.UnmarshalOutput(body)
	if err != nil {
		return jobs.JobOutput{}, false, fmt.Errorf("decode output for job %s: %w", job, err)
	}
	return out, true, nil
}
