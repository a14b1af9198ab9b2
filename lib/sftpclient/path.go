// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package sftpclient

import (
	"path"
	"strings"
)

// ResolvePath maps a caller-supplied path onto the remote filesystem:
// relative paths are anchored at the home directory, absolute paths
// at the root directory. The result is normalized (no "." or ".."
// segments remain) and must stay inside the root directory; a path
// that escapes resolves to a NotFoundError, indistinguishable from a
// path that does not exist.
func (c *Client) ResolvePath(p string) (string, error) {
	if p == "" {
		return strings.TrimSuffix(c.homeDir, "/"), nil
	}
	var joined string
	if strings.HasPrefix(p, "/") {
		joined = c.rootDir + strings.TrimPrefix(p, "/")
	} else {
		joined = c.homeDir + p
	}
	resolved := path.Clean(joined)

	root := strings.TrimSuffix(c.rootDir, "/")
	if root == "" {
		root = "/"
	}
	if resolved != root && !strings.HasPrefix(resolved, c.rootDir) {
		return "", &NotFoundError{Path: p}
	}
	return resolved, nil
}
