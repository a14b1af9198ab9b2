// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package fairshare

import "errors"

// A RetryableError wraps a transient storage or connectivity failure.
// Callers should back off and poll again. "No eligible job" is not an
// error at all; selectors return an empty string for that.
type RetryableError struct {
	err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.err
}

// IsRetryable reports whether err (or any error it wraps) is a
// RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

func retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{err: err}
}
