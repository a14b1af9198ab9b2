// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package fairshare selects the next job a scheduling poller should
// advance, out of a multi-tenant job population, such that users are
// chosen fairly (uniformly at random among eligible users, regardless
// of how many jobs each owns) and no execution queue's concurrency
// quotas are oversubscribed.
package fairshare

import "time"

// Status is a job lifecycle state.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusProcessingInputs Status = "PROCESSING_INPUTS"
	StatusStagingInputs    Status = "STAGING_INPUTS"
	StatusStaged           Status = "STAGED"
	StatusStagingJob       Status = "STAGING_JOB"
	StatusSubmitting       Status = "SUBMITTING"
	StatusQueued           Status = "QUEUED"
	StatusRunning          Status = "RUNNING"
	StatusPaused           Status = "PAUSED"
	StatusCleaningUp       Status = "CLEANING_UP"
	StatusArchiving        Status = "ARCHIVING"

	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
	StatusStopped  Status = "STOPPED"
	StatusKilled   Status = "KILLED"
)

// inFlightStatuses are the statuses counted when computing queue
// occupancy. Terminal statuses never count against a quota.
var inFlightStatuses = map[Status]bool{
	StatusPending:          true,
	StatusProcessingInputs: true,
	StatusStagingInputs:    true,
	StatusStaged:           true,
	StatusStagingJob:       true,
	StatusSubmitting:       true,
	StatusQueued:           true,
	StatusRunning:          true,
	StatusPaused:           true,
	StatusCleaningUp:       true,
}

// InFlight reports whether jobs with this status occupy (or are
// waiting to occupy) a slot in the scheduling pipeline.
func (s Status) InFlight() bool {
	return inFlightStatuses[s]
}

// backlogStatuses returns the set of statuses treated as "backlog"
// (not yet consuming execution-side capacity) when selecting work to
// advance into next. When selecting PENDING work only the intake
// statuses are backlog; when selecting later stages, staged work has
// not reached the execution system yet either.
func backlogStatuses(next Status) map[Status]bool {
	if next == StatusPending {
		return map[Status]bool{
			StatusPending:          true,
			StatusProcessingInputs: true,
		}
	}
	return map[Status]bool{
		StatusPending:          true,
		StatusProcessingInputs: true,
		StatusStaged:           true,
		StatusStagingInputs:    true,
	}
}

// A Job is the scheduling-relevant projection of a job record. This
// package only ever reads jobs; state transitions happen elsewhere.
type Job struct {
	UUID            string    `db:"uuid"`
	Owner           string    `db:"owner"`
	TenantID        string    `db:"tenant_id"`
	ExecutionSystem string    `db:"execution_system"`
	QueueRequest    string    `db:"queue_request"`
	Status          Status    `db:"status"`
	Visible         bool      `db:"visible"`
	LastUpdated     time.Time `db:"last_updated"`
}

// Unlimited is the quota value meaning "no cap". A queue with no
// configured quota row behaves as Unlimited too.
const Unlimited = -1

// A Queue is a capacity pool: jobs targeting the same execution
// system, queue name, and tenant compete for its MaxJobs slots, and
// each user competes for its MaxUserJobs slots.
type Queue struct {
	SystemID    string `db:"system_id"`
	Name        string `db:"queue_name"`
	TenantID    string `db:"tenant_id"`
	MaxJobs     int64  `db:"max_jobs"`
	MaxUserJobs int64  `db:"max_user_jobs"`
}

func unlimited(quota int64) bool {
	return quota < 0
}
