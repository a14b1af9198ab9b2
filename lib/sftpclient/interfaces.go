// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package sftpclient

import "os"

// FileOps is the protocol-independent surface a remote data client
// offers. Client implements it; transfer orchestration code should
// accept this interface so other protocols can slot in.
type FileOps interface {
	Authenticate() error
	Disconnect()

	ResolvePath(path string) (string, error)
	GetRootDir() string
	GetHomeDir() string

	List(remotePath string) ([]os.FileInfo, error)
	Stat(remotePath string) (os.FileInfo, error)
	DoesExist(remotePath string) (bool, error)
	Length(remotePath string) (int64, error)
	IsDirectory(remotePath string) (bool, error)
	IsFile(remotePath string) (bool, error)

	Get(remotePath, localPath string, listener TransferListener) error
	Put(localPath, remotePath string, listener TransferListener) error
	Append(localPath, remotePath string, listener TransferListener) error
	SyncToRemote(localPath, remotePath string, listener TransferListener) error
	Copy(srcPath, destPath string, listener TransferListener) error
	Delete(remotePath string) error
	Mkdir(remotePath string) (bool, error)
	Mkdirs(remotePath string) (bool, error)
	Rename(oldPath, newPath string) error
}

// PermissionMirror is an optional capability: protocols that maintain
// their own permission model implement it so logical grants can be
// pushed down to the storage layer. SFTP exposes no such model, so
// Client deliberately does not implement it; callers must type-assert
// before use.
type PermissionMirror interface {
	MirrorPermissions(remotePath, username string, recursive bool) error
}

var _ FileOps = (*Client)(nil)
