// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package sftpclient

import "io"

// A TransferListener receives progress callbacks during data
// transfers. All methods may be called from the transferring
// goroutine; implementations should return quickly.
//
// Skipped is the interesting one: SyncToRemote reports files it left
// alone (already present, same type and size) through Skipped rather
// than staying silent, so accounting upstream still sees them.
type TransferListener interface {
	// Started is called once before bytes move, with the expected
	// total size and the resolved remote path.
	Started(totalBytes int64, remotePath string)
	// Progressed is called as bytes are transferred, with the
	// cumulative count.
	Progressed(transferredBytes int64)
	// Skipped is called instead of Started/Completed when a sync
	// decides no transfer is needed.
	Skipped(totalBytes int64, remotePath string)
	// Completed is called once after a successful transfer.
	Completed()
	// Failed is called once if the transfer errors out.
	Failed(err error)
}

func notifyStarted(listener TransferListener, totalBytes int64, remotePath string) {
	if listener != nil {
		listener.Started(totalBytes, remotePath)
	}
}

func notifySkipped(listener TransferListener, totalBytes int64, remotePath string) {
	if listener != nil {
		listener.Skipped(totalBytes, remotePath)
	}
}

func notifyCompleted(listener TransferListener) {
	if listener != nil {
		listener.Completed()
	}
}

func notifyFailed(listener TransferListener, err error) {
	if listener != nil {
		listener.Failed(err)
	}
}

// progressWriter forwards byte counts to a listener as an io.Writer
// sees them pass through.
type progressWriter struct {
	listener    TransferListener
	transferred int64
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	pw.transferred += int64(len(p))
	if pw.listener != nil {
		pw.listener.Progressed(pw.transferred)
	}
	return len(p), nil
}

// teeProgress wraps r so reads are reported to listener.
func teeProgress(r io.Reader, listener TransferListener) io.Reader {
	if listener == nil {
		return r
	}
	return io.TeeReader(r, &progressWriter{listener: listener})
}
