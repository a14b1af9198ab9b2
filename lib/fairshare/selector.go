// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package fairshare

import (
	"context"
	"sort"

	"github.com/agaveplatform/agave-go/sdk/go/ctxlog"
	"github.com/jmcvetta/randutil"
	"github.com/prometheus/client_golang/prometheus"
)

// A Selector picks the next job to advance. It is stateless apart
// from its Store handle and is safe for use by concurrent pollers;
// correctness under races relies on the caller's claim step being
// conditional, so a job selected by two pollers is claimed by at most
// one.
type Selector struct {
	store   Store
	metrics *selectorMetrics

	// choose returns a uniform random int in [0,n). Overridable in
	// tests.
	choose func(n int) (int, error)
}

// New returns a Selector reading from the given store. If reg is not
// nil, selection counters are registered on it.
func New(store Store, reg *prometheus.Registry) *Selector {
	return &Selector{
		store:   store,
		metrics: newSelectorMetrics(reg),
		choose: func(n int) (int, error) {
			return randutil.IntRange(0, n)
		},
	}
}

// NextUser selects one user, uniformly at random, from the users who
// have at least one job in the given status that could be advanced
// right now: the job's queue has spare system-wide capacity, the user
// has spare per-user capacity on that queue, and the job passes the
// capacity filter. Returns "" when no user qualifies; that is a
// normal empty result, not an error.
func (sel *Selector) NextUser(ctx context.Context, status Status, f Filter) (string, error) {
	jobs, queues, err := sel.fetch(ctx)
	if err != nil {
		return "", err
	}
	candidates := sel.eligibleOwners(jobs, queues, status, f)
	owner, tenant, err := sel.chooseOwner(candidates)
	if err != nil {
		return "", err
	}
	logger := ctxlog.FromContext(ctx).WithField("status", status)
	if owner == "" {
		sel.metrics.empty(string(status))
		logger.Debug("no qualified user for next job")
		return "", nil
	}
	logger.WithField("owner", owner).WithField("tenant", tenant).Debug("selected user for next job")
	return owner, nil
}

// NextJobUUID selects one job to advance: first a user (via NextUser
// semantics), then one of that user's eligible jobs, uniformly at
// random. The two-stage pick keeps users with many jobs from crowding
// out users with few. Returns "" when nothing is eligible, including
// when the chosen user's jobs disappear between the two stages (a
// normal race with concurrent claims).
func (sel *Selector) NextJobUUID(ctx context.Context, status Status, f Filter) (string, error) {
	owner, err := sel.NextUser(ctx, status, f)
	if err != nil || owner == "" {
		return "", err
	}

	jobs, queues, err := sel.fetch(ctx)
	if err != nil {
		return "", err
	}
	uuids := sel.eligibleJobUUIDs(jobs, queues, status, f, owner)
	logger := ctxlog.FromContext(ctx).WithField("status", status).WithField("owner", owner)
	if len(uuids) == 0 {
		sel.metrics.empty(string(status))
		logger.Debug("selected user no longer has an eligible job")
		return "", nil
	}
	i, err := sel.choose(len(uuids))
	if err != nil {
		return "", retryable(err)
	}
	sel.metrics.selected(string(status))
	logger.WithField("uuid", uuids[i]).Debug("selected next job")
	return uuids[i], nil
}

// fetch loads the in-flight job population and queue quota table.
func (sel *Selector) fetch(ctx context.Context) ([]Job, map[poolKey]Queue, error) {
	jobs, err := sel.store.InFlightJobs(ctx)
	if err != nil {
		return nil, nil, err
	}
	queues, err := sel.store.Queues(ctx)
	if err != nil {
		return nil, nil, err
	}
	return jobs, queuesByPool(queues), nil
}

// eligibleOwners returns the distinct (owner, tenant) pairs that own
// at least one advanceable job of the given status.
func (sel *Selector) eligibleOwners(jobs []Job, queues map[poolKey]Queue, status Status, f Filter) map[[2]string]bool {
	backlog := backlogStatuses(status)

	// Pool occupancy counts only the population under
	// consideration (the filtered jobs); per-user occupancy counts
	// everything the user is running anywhere, so one user's
	// excluded jobs still count against their quota.
	var scoped []Job
	for _, j := range jobs {
		if !j.Visible || !j.Status.InFlight() {
			continue
		}
		if f.MatchJob(j) {
			scoped = append(scoped, j)
		}
	}
	open := openPools(tallyPools(scoped, backlog), queues)
	owners := tallyOwners(jobs, backlog)

	candidates := map[[2]string]bool{}
	for _, j := range scoped {
		if j.Status != status || j.QueueRequest == "" {
			continue
		}
		if !open[j.pool()] {
			continue
		}
		if !underUserQuota(j, queues, owners) {
			continue
		}
		if status == StatusPending {
			// only users with backlogged intake work are
			// worth waking the staging pipeline for
			t := owners[ownerKey{owner: j.Owner, poolKey: j.pool()}]
			if t == nil || t.backlog <= 0 {
				continue
			}
		}
		candidates[[2]string{j.Owner, j.TenantID}] = true
	}
	return candidates
}

// eligibleJobUUIDs re-derives eligibility scoped to one owner and
// returns the owner's advanceable job uuids.
func (sel *Selector) eligibleJobUUIDs(jobs []Job, queues map[poolKey]Queue, status Status, f Filter, owner string) []string {
	backlog := backlogStatuses(status)

	var scoped []Job
	for _, j := range jobs {
		if !j.Visible || !j.Status.InFlight() || j.Owner != owner {
			continue
		}
		if f.MatchTenant(j.TenantID) && f.MatchSystem(j.ExecutionSystem, j.QueueRequest) {
			scoped = append(scoped, j)
		}
	}
	open := openPools(tallyPools(scoped, backlog), queues)
	owners := tallyOwners(jobs, backlog)

	var uuids []string
	for _, j := range scoped {
		if j.Status != status || j.QueueRequest == "" {
			continue
		}
		if !open[j.pool()] || !underUserQuota(j, queues, owners) {
			continue
		}
		if status == StatusPending {
			t := owners[ownerKey{owner: j.Owner, poolKey: j.pool()}]
			if t == nil || t.backlog <= 0 {
				continue
			}
		}
		uuids = append(uuids, j.UUID)
	}
	sort.Strings(uuids)
	return uuids
}

// chooseOwner picks one (owner, tenant) pair uniformly at random.
func (sel *Selector) chooseOwner(candidates map[[2]string]bool) (owner, tenant string, err error) {
	if len(candidates) == 0 {
		return "", "", nil
	}
	keys := make([][2]string, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	i, err := sel.choose(len(keys))
	if err != nil {
		return "", "", retryable(err)
	}
	return keys[i][0], keys[i][1], nil
}
