// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package fairshare

// poolKey identifies a capacity pool from the job side.
type poolKey struct {
	system string
	queue  string
	tenant string
}

func (j Job) pool() poolKey {
	return poolKey{system: j.ExecutionSystem, queue: j.QueueRequest, tenant: j.TenantID}
}

func (q Queue) pool() poolKey {
	return poolKey{system: q.SystemID, queue: q.Name, tenant: q.TenantID}
}

type ownerKey struct {
	owner string
	poolKey
}

// tally is an active/backlog split of a job count. Backlogged jobs
// are waiting their turn; active jobs occupy capacity.
type tally struct {
	active  int64
	backlog int64
}

func (t *tally) add(status Status, backlog map[Status]bool) {
	if backlog[status] {
		t.backlog++
	} else {
		t.active++
	}
}

// tallyPools computes the active/backlog split per capacity pool.
func tallyPools(jobs []Job, backlog map[Status]bool) map[poolKey]*tally {
	tallies := map[poolKey]*tally{}
	for _, j := range jobs {
		pk := j.pool()
		t, ok := tallies[pk]
		if !ok {
			t = &tally{}
			tallies[pk] = t
		}
		t.add(j.Status, backlog)
	}
	return tallies
}

// tallyOwners computes the active/backlog split per owner per pool.
func tallyOwners(jobs []Job, backlog map[Status]bool) map[ownerKey]*tally {
	tallies := map[ownerKey]*tally{}
	for _, j := range jobs {
		ok := ownerKey{owner: j.Owner, poolKey: j.pool()}
		t, found := tallies[ok]
		if !found {
			t = &tally{}
			tallies[ok] = t
		}
		t.add(j.Status, backlog)
	}
	return tallies
}

// openPools returns the pools whose system-wide quota still has room:
// the pool's active count is below the queue's MaxJobs, or the quota
// is unlimited, or no queue is configured for the pool at all.
func openPools(pools map[poolKey]*tally, queues map[poolKey]Queue) map[poolKey]bool {
	open := map[poolKey]bool{}
	for pk, t := range pools {
		q, configured := queues[pk]
		if !configured || unlimited(q.MaxJobs) || t.active < q.MaxJobs {
			open[pk] = true
		}
	}
	return open
}

// underUserQuota reports whether the owner's active count on the
// job's pool is below the queue's per-user cap.
func underUserQuota(j Job, queues map[poolKey]Queue, owners map[ownerKey]*tally) bool {
	q, configured := queues[j.pool()]
	if !configured || unlimited(q.MaxUserJobs) {
		return true
	}
	t, ok := owners[ownerKey{owner: j.Owner, poolKey: j.pool()}]
	if !ok {
		return true
	}
	return t.active < q.MaxUserJobs
}

func queuesByPool(queues []Queue) map[poolKey]Queue {
	byPool := make(map[poolKey]Queue, len(queues))
	for _, q := range queues {
		byPool[q.pool()] = q
	}
	return byPool
}
