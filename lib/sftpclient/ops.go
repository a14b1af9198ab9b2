// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package sftpclient

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/sftp"
)

// List returns the entries of a remote directory, sorted by name.
// Listing a file path returns that single entry.
func (c *Client) List(remotePath string) ([]os.FileInfo, error) {
	resolved, err := c.ResolvePath(remotePath)
	if err != nil {
		return nil, err
	}
	sftpc, err := c.client()
	if err != nil {
		return nil, err
	}
	fi, err := c.stat(resolved)
	if err != nil {
		return nil, c.fail("ls", remotePath, err)
	}
	if !fi.IsDir() {
		return []os.FileInfo{fi}, nil
	}
	entries, err := sftpc.ReadDir(resolved)
	if err != nil {
		return nil, c.fail("ls", remotePath, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// Stat returns the attributes of a remote path, following one level
// of symlink indirection so a link to a directory reports as a
// directory. Results are cached until a mutating operation touches
// the path.
func (c *Client) Stat(remotePath string) (os.FileInfo, error) {
	resolved, err := c.ResolvePath(remotePath)
	if err != nil {
		return nil, err
	}
	if _, err := c.client(); err != nil {
		return nil, err
	}
	fi, err := c.stat(resolved)
	if err != nil {
		return nil, c.fail("stat", remotePath, err)
	}
	return fi, nil
}

// stat is the cache-aware attribute lookup all other operations use.
// resolved must already be sandbox-checked.
func (c *Client) stat(resolved string) (os.FileInfo, error) {
	if fi, ok := c.cache.get(resolved); ok {
		return fi, nil
	}
	sftpc, err := c.client()
	if err != nil {
		return nil, err
	}
	fi, err := sftpc.Lstat(strings.TrimSuffix(resolved, "/"))
	if err != nil {
		c.cache.remove(resolved)
		return nil, err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		// follow exactly one level of indirection; a link to a link
		// reports as a link
		if target, err := sftpc.ReadLink(resolved); err == nil {
			if !path.IsAbs(target) {
				target = path.Join(path.Dir(resolved), target)
			}
			if tfi, err := sftpc.Lstat(target); err == nil {
				fi = tfi
			}
		}
	}
	c.cache.put(resolved, fi)
	return fi, nil
}

// DoesExist reports whether a remote path exists. A missing path (or
// one that resolves outside the root directory) is false, not an
// error; only connectivity and protocol failures are returned.
func (c *Client) DoesExist(remotePath string) (bool, error) {
	resolved, err := c.ResolvePath(remotePath)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if _, err := c.client(); err != nil {
		return false, err
	}
	_, err = c.stat(resolved)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, c.fail("exists", remotePath, err)
}

// Length returns the size in bytes of a remote file or directory
// entry.
func (c *Client) Length(remotePath string) (int64, error) {
	fi, err := c.Stat(remotePath)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// IsDirectory reports whether the remote path exists and is a
// directory (following one symlink level).
func (c *Client) IsDirectory(remotePath string) (bool, error) {
	fi, err := c.Stat(remotePath)
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

// IsFile reports whether the remote path exists and is a regular
// file (following one symlink level).
func (c *Client) IsFile(remotePath string) (bool, error) {
	fi, err := c.Stat(remotePath)
	if err != nil {
		return false, err
	}
	return !fi.IsDir(), nil
}

// Get downloads a remote file or directory tree to the local
// filesystem. When localPath is an existing directory the source is
// placed inside it under its own name; when localPath names a
// missing entry whose parent exists, the source is written there
// under the given name.
func (c *Client) Get(remotePath, localPath string, listener TransferListener) error {
	resolved, err := c.ResolvePath(remotePath)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	sftpc, err := c.client()
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	rfi, err := c.stat(resolved)
	if err != nil {
		err = c.fail("get", remotePath, err)
		notifyFailed(listener, err)
		return err
	}

	target := localPath
	lfi, statErr := os.Stat(localPath)
	switch {
	case statErr == nil && lfi.IsDir():
		target = filepath.Join(localPath, path.Base(resolved))
	case statErr == nil && rfi.IsDir():
		err := &DataError{Op: "get", Path: localPath, Err: fmt.Errorf("cannot overwrite non-directory with directory %s", remotePath)}
		notifyFailed(listener, err)
		return err
	case os.IsNotExist(statErr):
		if _, perr := os.Stat(filepath.Dir(localPath)); perr != nil {
			err := &NotFoundError{Path: filepath.Dir(localPath)}
			notifyFailed(listener, err)
			return err
		}
	case statErr != nil:
		notifyFailed(listener, statErr)
		return statErr
	}

	if rfi.IsDir() {
		err = c.downloadDir(sftpc, resolved, target, listener)
	} else {
		err = c.downloadFile(sftpc, resolved, rfi.Size(), target, listener)
	}
	if err != nil {
		err = c.fail("get", remotePath, err)
		notifyFailed(listener, err)
		return err
	}
	return nil
}

func (c *Client) downloadDir(sftpc *sftp.Client, resolved, localDir string, listener TransferListener) error {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return err
	}
	entries, err := sftpc.ReadDir(resolved)
	if err != nil {
		return err
	}
	for _, fi := range entries {
		rchild := path.Join(resolved, fi.Name())
		lchild := filepath.Join(localDir, fi.Name())
		if fi.IsDir() {
			err = c.downloadDir(sftpc, rchild, lchild, listener)
		} else {
			err = c.downloadFile(sftpc, rchild, fi.Size(), lchild, listener)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) downloadFile(sftpc *sftp.Client, resolved string, size int64, localPath string, listener TransferListener) error {
	src, err := sftpc.Open(resolved)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	notifyStarted(listener, size, resolved)
	n, err := io.Copy(dst, teeProgress(src, listener))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	c.metrics.downloaded(n)
	notifyCompleted(listener)
	c.logger.WithField("path", resolved).WithField("bytes", n).Debug("downloaded")
	return nil
}

// Put uploads a local file or directory tree to the remote host.
// Uploading into an existing remote directory places the source
// inside it under its own name; uploading a directory over an
// existing remote file is an error, and uploading to a path whose
// parent does not exist reports the missing parent.
func (c *Client) Put(localPath, remotePath string, listener TransferListener) error {
	lfi, err := os.Stat(localPath)
	if err != nil {
		err := &NotFoundError{Path: localPath}
		notifyFailed(listener, err)
		return err
	}
	sftpc, err := c.client()
	if err != nil {
		notifyFailed(listener, err)
		return err
	}

	dest := remotePath
	exists, err := c.DoesExist(remotePath)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	if exists {
		isDir, err := c.IsDirectory(remotePath)
		if err != nil {
			notifyFailed(listener, err)
			return err
		}
		switch {
		case isDir:
			if remotePath == "" {
				dest = filepath.Base(localPath)
			} else {
				dest = strings.TrimSuffix(remotePath, "/") + "/" + filepath.Base(localPath)
			}
		case lfi.IsDir():
			err := &DataError{Op: "put", Path: remotePath, Err: fmt.Errorf("cannot overwrite non-directory with directory %s", localPath)}
			notifyFailed(listener, err)
			return err
		}
	} else {
		parent := path.Dir(strings.TrimSuffix(remotePath, "/"))
		if parentExists, err := c.DoesExist(parent); err != nil {
			notifyFailed(listener, err)
			return err
		} else if !parentExists {
			err := &NotFoundError{Path: parent}
			notifyFailed(listener, err)
			return err
		}
	}

	resolved, err := c.ResolvePath(dest)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	c.cache.removeTree(resolved)
	if lfi.IsDir() {
		err = c.uploadDir(sftpc, localPath, resolved, listener)
	} else {
		err = c.uploadFile(sftpc, localPath, lfi.Size(), resolved, listener)
	}
	if err != nil {
		err = c.fail("put", remotePath, err)
		notifyFailed(listener, err)
		return err
	}
	return nil
}

func (c *Client) uploadDir(sftpc *sftp.Client, localDir, resolved string, listener TransferListener) error {
	if err := sftpc.MkdirAll(resolved); err != nil {
		return err
	}
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		lchild := filepath.Join(localDir, entry.Name())
		rchild := path.Join(resolved, entry.Name())
		if entry.IsDir() {
			err = c.uploadDir(sftpc, lchild, rchild, listener)
		} else {
			fi, ierr := entry.Info()
			if ierr != nil {
				return ierr
			}
			err = c.uploadFile(sftpc, lchild, fi.Size(), rchild, listener)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) uploadFile(sftpc *sftp.Client, localPath string, size int64, resolved string, listener TransferListener) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := sftpc.Create(resolved)
	if err != nil {
		return err
	}
	c.cache.remove(resolved)
	notifyStarted(listener, size, resolved)
	n, err := io.Copy(dst, teeProgress(src, listener))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	c.metrics.uploaded(n)
	notifyCompleted(listener)
	c.logger.WithField("path", resolved).WithField("bytes", n).Debug("uploaded")
	return nil
}

// Append appends the contents of a local file to a remote file,
// creating the remote file when it does not exist. Appending a
// directory is not supported.
func (c *Client) Append(localPath, remotePath string, listener TransferListener) error {
	lfi, err := os.Stat(localPath)
	if err != nil {
		err := &NotFoundError{Path: localPath}
		notifyFailed(listener, err)
		return err
	}
	if lfi.IsDir() {
		err := &DataError{Op: "append", Path: localPath, Err: fmt.Errorf("source is a directory")}
		notifyFailed(listener, err)
		return err
	}
	exists, err := c.DoesExist(remotePath)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	if !exists {
		return c.Put(localPath, remotePath, listener)
	}
	if isDir, err := c.IsDirectory(remotePath); err != nil {
		notifyFailed(listener, err)
		return err
	} else if isDir {
		err := &DataError{Op: "append", Path: remotePath, Err: fmt.Errorf("destination is a directory")}
		notifyFailed(listener, err)
		return err
	}

	resolved, err := c.ResolvePath(remotePath)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	sftpc, err := c.client()
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	c.cache.remove(resolved)
	err = func() error {
		src, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer src.Close()
		dst, err := sftpc.OpenFile(resolved, os.O_WRONLY)
		if err != nil {
			return err
		}
		// position explicitly at the current end; relying on the
		// server's append flag handling is not portable
		if _, err := dst.Seek(0, io.SeekEnd); err != nil {
			dst.Close()
			return err
		}
		notifyStarted(listener, lfi.Size(), resolved)
		n, err := io.Copy(dst, teeProgress(src, listener))
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		c.metrics.uploaded(n)
		return nil
	}()
	if err != nil {
		err = c.fail("append", remotePath, err)
		notifyFailed(listener, err)
		return err
	}
	notifyCompleted(listener)
	return nil
}

// SyncToRemote makes the remote path mirror the local one, copying
// only what differs. A remote file with the same type and size as
// its local counterpart is left untouched and reported to the
// listener as skipped; a type mismatch is resolved by deleting the
// remote side and re-uploading.
func (c *Client) SyncToRemote(localPath, remotePath string, listener TransferListener) error {
	lfi, err := os.Stat(localPath)
	if err != nil {
		err := &NotFoundError{Path: localPath}
		notifyFailed(listener, err)
		return err
	}
	resolved, err := c.ResolvePath(remotePath)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	// the freshness decision must not ride on a stale cache entry
	c.cache.remove(resolved)

	exists, err := c.DoesExist(remotePath)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	if !exists {
		return c.Put(localPath, remotePath, listener)
	}

	if lfi.IsDir() {
		return c.syncDir(localPath, remotePath, listener)
	}
	rfi, err := c.Stat(remotePath)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	if rfi.IsDir() {
		if err := c.Delete(remotePath); err != nil {
			notifyFailed(listener, err)
			return err
		}
		return c.Put(localPath, remotePath, listener)
	}
	if rfi.Size() == lfi.Size() {
		c.logger.WithField("path", resolved).Debug("sync: remote copy is current, skipping")
		c.metrics.skips.Inc()
		notifySkipped(listener, rfi.Size(), resolved)
		return nil
	}
	sftpc, err := c.client()
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	if err := c.uploadFile(sftpc, localPath, lfi.Size(), resolved, listener); err != nil {
		err = c.fail("sync", remotePath, err)
		notifyFailed(listener, err)
		return err
	}
	return nil
}

// syncDir syncs a local directory into an existing remote directory:
// the local directory lands inside remotePath under its own name,
// and each child is synced recursively.
func (c *Client) syncDir(localDir, remotePath string, listener TransferListener) error {
	if isDir, err := c.IsDirectory(remotePath); err != nil {
		notifyFailed(listener, err)
		return err
	} else if !isDir {
		if err := c.Delete(remotePath); err != nil {
			notifyFailed(listener, err)
			return err
		}
		return c.Put(localDir, remotePath, listener)
	}

	dest := filepath.Base(localDir)
	if remotePath != "" {
		dest = strings.TrimSuffix(remotePath, "/") + "/" + filepath.Base(localDir)
	}
	if exists, err := c.DoesExist(dest); err != nil {
		notifyFailed(listener, err)
		return err
	} else if !exists {
		if _, err := c.Mkdirs(dest); err != nil {
			notifyFailed(listener, err)
			return err
		}
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	for _, entry := range entries {
		lchild := filepath.Join(localDir, entry.Name())
		rchild := dest + "/" + entry.Name()
		if entry.IsDir() {
			if isFile, err := c.IsFile(rchild); err == nil && isFile {
				if err := c.Delete(rchild); err != nil {
					notifyFailed(listener, err)
					return err
				}
			}
			// recurse with the parent: the child directory places
			// itself inside dest under its own name
			if err := c.SyncToRemote(lchild, dest, listener); err != nil {
				return err
			}
		} else {
			if err := c.SyncToRemote(lchild, rchild, listener); err != nil {
				return err
			}
		}
	}
	return nil
}

// Copy duplicates a remote file or directory tree to another remote
// path without moving any data through the client. The copy runs as
// a shell command on the remote host, so it requires exec access in
// addition to SFTP.
func (c *Client) Copy(srcPath, destPath string, listener TransferListener) error {
	exists, err := c.DoesExist(srcPath)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	if !exists {
		err := &NotFoundError{Path: srcPath}
		notifyFailed(listener, err)
		return err
	}
	resolvedSrc, err := c.ResolvePath(srcPath)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	resolvedDest, err := c.ResolvePath(destPath)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	fi, err := c.Stat(srcPath)
	if err != nil {
		notifyFailed(listener, err)
		return err
	}
	if _, err := c.client(); err != nil {
		notifyFailed(listener, err)
		return err
	}
	if fi.IsDir() {
		// copy the directory's contents, not the directory node
		// itself, so dest ends up mirroring src
		resolvedSrc = strings.TrimSuffix(resolvedSrc, "/") + "/."
	}
	c.cache.removeTree(resolvedDest)
	notifyStarted(listener, fi.Size(), resolvedDest)

	session, err := c.conn.NewSession()
	if err != nil {
		err = c.fail("copy", srcPath, err)
		notifyFailed(listener, err)
		return err
	}
	defer session.Close()
	cmd := fmt.Sprintf(`cp -rLf "%s" "%s"`, resolvedSrc, resolvedDest)
	out, runErr := session.CombinedOutput(cmd)
	resp := strings.TrimSpace(string(out))
	if runErr != nil || resp != "" {
		lower := strings.ToLower(resp)
		var err error
		switch {
		case strings.Contains(lower, "no such file or directory"):
			err = &NotFoundError{Path: srcPath}
		case strings.HasPrefix(lower, "cp:"):
			err = &DataError{Op: "copy", Path: srcPath, Err: fmt.Errorf("copy failure: %s", strings.TrimSpace(resp[3:]))}
		case runErr != nil:
			err = c.fail("copy", srcPath, runErr)
		default:
			err = &DataError{Op: "copy", Path: srcPath, Err: fmt.Errorf("%s", resp)}
		}
		notifyFailed(listener, err)
		return err
	}
	notifyCompleted(listener)
	c.logger.WithField("src", resolvedSrc).WithField("dest", resolvedDest).Debug("remote copy complete")
	return nil
}

// Delete removes a remote file or directory tree.
func (c *Client) Delete(remotePath string) error {
	resolved, err := c.ResolvePath(remotePath)
	if err != nil {
		return err
	}
	sftpc, err := c.client()
	if err != nil {
		return err
	}
	c.cache.removeTree(resolved)
	fi, err := sftpc.Stat(resolved)
	if err != nil {
		return c.fail("delete", remotePath, err)
	}
	if err := c.removeAll(sftpc, resolved, fi); err != nil {
		return c.fail("delete", remotePath, err)
	}
	c.logger.WithField("path", resolved).Debug("deleted")
	return nil
}

func (c *Client) removeAll(sftpc *sftp.Client, resolved string, fi os.FileInfo) error {
	if !fi.IsDir() {
		return sftpc.Remove(resolved)
	}
	entries, err := sftpc.ReadDir(resolved)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := c.removeAll(sftpc, path.Join(resolved, entry.Name()), entry); err != nil {
			return err
		}
	}
	return sftpc.RemoveDirectory(resolved)
}

// Mkdir creates a single remote directory. It returns false without
// error when the path already exists, and a NotFoundError when the
// parent directory is missing.
func (c *Client) Mkdir(remotePath string) (bool, error) {
	resolved, err := c.ResolvePath(remotePath)
	if err != nil {
		return false, err
	}
	sftpc, err := c.client()
	if err != nil {
		return false, err
	}
	c.cache.remove(resolved)
	if err := sftpc.Mkdir(resolved); err != nil {
		if exists, eerr := c.DoesExist(remotePath); eerr == nil && exists {
			return false, nil
		}
		if isNotExist(err) {
			return false, &NotFoundError{Path: path.Dir(resolved)}
		}
		if isPermissionDenied(err) {
			return false, &DataError{Op: "mkdir", Path: remotePath, Err: err}
		}
		return false, c.fail("mkdir", remotePath, err)
	}
	return true, nil
}

// Mkdirs creates a remote directory along with any missing parents.
// Like Mkdir it returns false without error when the path already
// exists.
func (c *Client) Mkdirs(remotePath string) (bool, error) {
	resolved, err := c.ResolvePath(remotePath)
	if err != nil {
		return false, err
	}
	sftpc, err := c.client()
	if err != nil {
		return false, err
	}
	if exists, err := c.DoesExist(remotePath); err != nil {
		return false, err
	} else if exists {
		return false, nil
	}
	c.cache.remove(resolved)
	if err := sftpc.MkdirAll(resolved); err != nil {
		if isPermissionDenied(err) {
			return false, &DataError{Op: "mkdirs", Path: remotePath, Err: err}
		}
		return false, c.fail("mkdirs", remotePath, err)
	}
	return true, nil
}

// Rename moves a remote file or directory. The destination must not
// already exist.
func (c *Client) Rename(oldPath, newPath string) error {
	resolvedOld, err := c.ResolvePath(strings.TrimSuffix(oldPath, "/"))
	if err != nil {
		return err
	}
	resolvedNew, err := c.ResolvePath(strings.TrimSuffix(newPath, "/"))
	if err != nil {
		return err
	}
	sftpc, err := c.client()
	if err != nil {
		return err
	}
	if exists, err := c.DoesExist(newPath); err != nil {
		return err
	} else if exists {
		return &DataError{Op: "rename", Path: newPath, Err: fmt.Errorf("destination already exists")}
	}
	c.cache.removeTree(resolvedOld)
	c.cache.remove(resolvedNew)
	if err := sftpc.Rename(resolvedOld, resolvedNew); err != nil {
		return c.fail("rename", oldPath, err)
	}
	return nil
}
