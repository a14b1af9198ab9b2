// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package fairshare

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFilter is returned when a capacity filter cannot be
// parsed. It is fatal to the current poll cycle; retrying with the
// same input will fail again.
var ErrInvalidFilter = errors.New("invalid capacity filter")

// A Filter restricts the population a selector may choose from, by
// tenant, owner, and execution system/queue.
//
// The tenant may be empty (match all), a tenant id, or a tenant id
// prefixed with "!" (match all other tenants). The owners and systems
// lists are uniformly either include-lists or, when every entry is
// prefixed with "!", exclude-lists. Mixing negated and plain entries
// in one list is rejected. System entries are either a bare system id
// or "system#queue", which must match both fields.
type Filter struct {
	tenant         string
	excludeTenant  bool
	owners         []string
	excludeOwners  bool
	systems        []systemQueue
	excludeSystems bool
}

type systemQueue struct {
	system   string
	queue    string
	hasQueue bool
}

// NewFilter parses the given capacity filter terms. An all-zero
// Filter matches everything.
func NewFilter(tenantID string, owners, systemIDs []string) (Filter, error) {
	f := Filter{tenant: "%"}
	if tenantID != "" {
		if strings.HasPrefix(tenantID, "!") {
			f.excludeTenant = true
			tenantID = strings.TrimPrefix(tenantID, "!")
		}
		f.tenant = tenantID
	}

	var err error
	f.owners, f.excludeOwners, err = parseNegatableList(owners)
	if err != nil {
		return Filter{}, fmt.Errorf("%w: owners: %s", ErrInvalidFilter, err)
	}

	systems, excludeSystems, err := parseNegatableList(systemIDs)
	if err != nil {
		return Filter{}, fmt.Errorf("%w: systems: %s", ErrInvalidFilter, err)
	}
	f.excludeSystems = excludeSystems
	for _, s := range systems {
		sq := systemQueue{system: s}
		if system, queue, found := strings.Cut(s, "#"); found {
			sq = systemQueue{system: system, queue: queue, hasQueue: true}
			if system == "" {
				return Filter{}, fmt.Errorf("%w: systems: empty system in %q", ErrInvalidFilter, s)
			}
		}
		f.systems = append(f.systems, sq)
	}
	return f, nil
}

// parseNegatableList strips the "!" markers from an all-negated list,
// or returns the list as-is when no entry is negated. A list mixing
// negated and plain entries has no defined meaning and is rejected.
func parseNegatableList(entries []string) ([]string, bool, error) {
	if len(entries) == 0 {
		return nil, false, nil
	}
	negated := 0
	for _, e := range entries {
		if strings.HasPrefix(e, "!") {
			negated++
		}
	}
	if negated == 0 {
		return append([]string(nil), entries...), false, nil
	}
	if negated != len(entries) {
		return nil, false, fmt.Errorf("cannot mix negated and non-negated entries in %v", entries)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = strings.TrimPrefix(e, "!")
	}
	return out, true, nil
}

// MatchTenant reports whether jobs in the given tenant pass the
// filter.
func (f Filter) MatchTenant(tenantID string) bool {
	if f.tenant == "" || f.tenant == "%" {
		return true
	}
	if f.excludeTenant {
		return tenantID != f.tenant
	}
	return tenantID == f.tenant
}

// MatchOwner reports whether jobs owned by the given user pass the
// filter.
func (f Filter) MatchOwner(owner string) bool {
	if len(f.owners) == 0 {
		return true
	}
	found := false
	for _, o := range f.owners {
		if o == owner {
			found = true
			break
		}
	}
	if f.excludeOwners {
		return !found
	}
	return found
}

// MatchSystem reports whether jobs targeting the given execution
// system and queue pass the filter. A bare system entry matches any
// queue on that system; a "system#queue" entry must match both.
func (f Filter) MatchSystem(system, queue string) bool {
	if len(f.systems) == 0 {
		return true
	}
	found := false
	for _, sq := range f.systems {
		if sq.system != system {
			continue
		}
		if !sq.hasQueue || sq.queue == queue {
			found = true
			break
		}
	}
	if f.excludeSystems {
		return !found
	}
	return found
}

// MatchJob applies all three filter dimensions to one job.
func (f Filter) MatchJob(job Job) bool {
	return f.MatchTenant(job.TenantID) && f.MatchOwner(job.Owner) && f.MatchSystem(job.ExecutionSystem, job.QueueRequest)
}
