// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package sftpclient

import (
	"os"
	"strings"
	"sync"
)

// statCache memoizes remote file attributes keyed by resolved path.
// Entries are only ever removed by explicit invalidation -- each
// mutating operation evicts the paths it touched, and authenticate()
// clears the whole cache -- never by age. The cache is best-effort: a
// reader racing a concurrent mutation may see one stale hit.
type statCache struct {
	mtx     sync.Mutex
	entries map[string]os.FileInfo
}

func newStatCache() *statCache {
	return &statCache{entries: map[string]os.FileInfo{}}
}

func (sc *statCache) get(resolvedPath string) (os.FileInfo, bool) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	fi, ok := sc.entries[resolvedPath]
	return fi, ok
}

func (sc *statCache) put(resolvedPath string, fi os.FileInfo) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	sc.entries[resolvedPath] = fi
}

func (sc *statCache) remove(resolvedPath string) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	delete(sc.entries, resolvedPath)
}

// removeTree evicts resolvedPath and every cached descendant of it.
func (sc *statCache) removeTree(resolvedPath string) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	delete(sc.entries, resolvedPath)
	prefix := strings.TrimSuffix(resolvedPath, "/") + "/"
	for path := range sc.entries {
		if strings.HasPrefix(path, prefix) {
			delete(sc.entries, path)
		}
	}
}

func (sc *statCache) clear() {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	sc.entries = map[string]os.FileInfo{}
}

func (sc *statCache) len() int {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return len(sc.entries)
}
