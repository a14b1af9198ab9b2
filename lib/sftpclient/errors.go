// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package sftpclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/pkg/sftp"
)

// The error kinds callers branch on. ConnectionError is retryable by
// reconnecting; AuthError needs new credentials; NotFoundError is a
// normal outcome for probe-style calls; DataError covers everything
// the remote side refuses (permissions, disk full, bad arguments).
//
// SFTP does not provide structured error codes for every failure, so
// classification partly relies on inspecting the transport's error
// text. That sniffing is confined to classify().

// A ConnectionError indicates the transport failed (dial, handshake,
// timeout, dropped session). The operation may succeed if retried
// after reconnecting.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failure: %s", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// An AuthError indicates the remote host rejected our credentials.
// Retrying without new credentials will not help.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// A NotFoundError indicates the named path does not exist (or
// resolves outside the configured root directory, which is reported
// identically so callers cannot probe beyond the sandbox).
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no such file or directory", e.Path)
}

// A DataError is a remote operation failure that is neither a
// connection problem nor a missing path: permission denied, disk
// full, invalid arguments to a remote command, and so on.
type DataError struct {
	Op   string
	Path string
	Err  error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// IsNotFound reports whether err represents a missing remote path.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRetryable reports whether err is a connection-level failure worth
// retrying after a reconnect.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// isNotExist matches the various shapes a missing-path error takes on
// its way through the sftp library.
func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, sftp.ErrSSHFxNoSuchFile) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no such file")
}

func isPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, sftp.ErrSSHFxPermissionDenied) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "permission denied")
}

// isDisconnect matches errors that mean the underlying session is
// gone and a reconnect is worth trying.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection lost",
		"connection reset",
		"connection refused",
		"broken pipe",
		"use of closed network connection",
		"timed out",
		"handshake failed",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied (publickey") ||
		strings.Contains(msg, "no supported methods remain")
}

// classify maps an underlying sftp/ssh error to the package error
// taxonomy. Already-classified errors pass through unchanged.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ce *ConnectionError
		ae *AuthError
		nf *NotFoundError
		de *DataError
	)
	if errors.As(err, &ce) || errors.As(err, &ae) || errors.As(err, &nf) || errors.As(err, &de) {
		return err
	}
	switch {
	case isNotExist(err):
		return &NotFoundError{Path: path}
	case isAuthFailure(err):
		return &AuthError{Err: err}
	case isDisconnect(err):
		return &ConnectionError{Op: op, Err: err}
	default:
		return &DataError{Op: op, Path: path, Err: err}
	}
}
