// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package fairshare

import (
	"context"
	"sort"

	"github.com/agaveplatform/agave-go/sdk/go/ctxlog"
)

// archiveTally is the per-owner balance of archiving work. Jobs in
// CLEANING_UP are waiting for an archiving slot; jobs in ARCHIVING
// hold one.
type archiveTally struct {
	pending int64
	active  int64
}

// NextArchiveJobUUID selects the next job whose outputs should be
// archived. Queue quotas do not apply here; eligibility is driven by
// each owner's balance of pending (CLEANING_UP) versus active
// (ARCHIVING) work. One owner with pending work is picked uniformly
// at random, then one of that owner's CLEANING_UP jobs. Returns ""
// when no owner qualifies, or when the chosen owner's pending jobs
// were claimed in the meantime.
func (sel *Selector) NextArchiveJobUUID(ctx context.Context, f Filter) (string, error) {
	jobs, err := sel.store.ArchiveJobs(ctx)
	if err != nil {
		return "", err
	}
	logger := ctxlog.FromContext(ctx)

	tallies := map[[2]string]*archiveTally{}
	for _, j := range jobs {
		if !j.Visible {
			continue
		}
		key := [2]string{j.Owner, j.TenantID}
		t, ok := tallies[key]
		if !ok {
			t = &archiveTally{}
			tallies[key] = t
		}
		switch j.Status {
		case StatusCleaningUp:
			t.pending++
		case StatusArchiving:
			t.active++
		}
	}

	candidates := map[[2]string]bool{}
	for _, j := range jobs {
		if !j.Visible {
			continue
		}
		if j.Status != StatusArchiving && j.Status != StatusCleaningUp {
			continue
		}
		if t := tallies[[2]string{j.Owner, j.TenantID}]; t == nil || t.pending <= 0 {
			continue
		}
		if !f.MatchJob(j) {
			continue
		}
		candidates[[2]string{j.Owner, j.TenantID}] = true
	}

	owner, tenant, err := sel.chooseOwner(candidates)
	if err != nil {
		return "", err
	}
	if owner == "" {
		sel.metrics.empty("archive")
		logger.Debug("no user with pending archiving work")
		return "", nil
	}

	var uuids []string
	for _, j := range jobs {
		if !j.Visible || j.Owner != owner || j.TenantID != tenant || j.Status != StatusCleaningUp {
			continue
		}
		if !f.MatchSystem(j.ExecutionSystem, j.QueueRequest) {
			continue
		}
		uuids = append(uuids, j.UUID)
	}
	if len(uuids) == 0 {
		// pending count said otherwise a moment ago; lost a race
		// with a concurrent claim
		sel.metrics.empty("archive")
		logger.WithField("owner", owner).WithField("tenant", tenant).Error("no archive job found for selected user")
		return "", nil
	}
	sort.Strings(uuids)
	i, err := sel.choose(len(uuids))
	if err != nil {
		return "", retryable(err)
	}
	sel.metrics.selected("archive")
	logger.WithField("owner", owner).WithField("tenant", tenant).WithField("uuid", uuids[i]).Debug("selected next archive job")
	return uuids[i], nil
}
