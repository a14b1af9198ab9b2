// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package fairshare

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

// A Store provides the read-only job and queue data the selectors
// aggregate over. Implementations must only return visible jobs.
type Store interface {
	// InFlightJobs returns all visible jobs whose status is in the
	// in-flight set (see Status.InFlight).
	InFlightJobs(ctx context.Context) ([]Job, error)
	// ArchiveJobs returns all visible jobs in ARCHIVING or
	// CLEANING_UP status.
	ArchiveJobs(ctx context.Context) ([]Job, error)
	// Queues returns all configured capacity pools. Quota columns
	// left NULL are reported as Unlimited.
	Queues(ctx context.Context) ([]Queue, error)
}

// SQLStore reads jobs and batch queues from PostgreSQL. The database
// handle is obtained from getdb on every call, so the caller controls
// pooling and lifetime.
type SQLStore struct {
	getdb func(context.Context) (*sqlx.DB, error)
}

// NewSQLStore returns a Store backed by the database returned by
// getdb.
func NewSQLStore(getdb func(context.Context) (*sqlx.DB, error)) *SQLStore {
	return &SQLStore{getdb: getdb}
}

const jobColumns = `uuid, owner, tenant_id, execution_system, coalesce(queue_request, '') as queue_request, status, visible, last_updated`

func (s *SQLStore) selectJobs(ctx context.Context, statuses []Status) ([]Job, error) {
	db, err := s.getdb(ctx)
	if err != nil {
		return nil, retryable(err)
	}
	query, args, err := sqlx.In(`select `+jobColumns+` from jobs where visible = true and status in (?)`, statuses)
	if err != nil {
		return nil, fmt.Errorf("building job query: %w", err)
	}
	var jobs []Job
	err = db.SelectContext(ctx, &jobs, db.Rebind(query), args...)
	if err != nil {
		return nil, retryable(fmt.Errorf("selecting jobs: %w", err))
	}
	return jobs, nil
}

// InFlightJobs implements Store.
func (s *SQLStore) InFlightJobs(ctx context.Context) ([]Job, error) {
	statuses := make([]Status, 0, len(inFlightStatuses))
	for st := range inFlightStatuses {
		statuses = append(statuses, st)
	}
	return s.selectJobs(ctx, statuses)
}

// ArchiveJobs implements Store.
func (s *SQLStore) ArchiveJobs(ctx context.Context) ([]Job, error) {
	return s.selectJobs(ctx, []Status{StatusArchiving, StatusCleaningUp})
}

// Queues implements Store.
func (s *SQLStore) Queues(ctx context.Context) ([]Queue, error) {
	db, err := s.getdb(ctx)
	if err != nil {
		return nil, retryable(err)
	}
	var queues []Queue
	err = db.SelectContext(ctx, &queues, `
		select ss.system_id, q.name as queue_name, ss.tenant_id,
			coalesce(q.max_jobs, -1) as max_jobs,
			coalesce(q.max_user_jobs, -1) as max_user_jobs
		from batchqueues q
			left join systems ss on ss.id = q.execution_system_id
		where ss.type = 'EXECUTION'`)
	if err != nil {
		return nil, retryable(fmt.Errorf("selecting batch queues: %w", err))
	}
	return queues, nil
}
