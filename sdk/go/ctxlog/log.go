// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

// Package ctxlog associates a logrus logger with a context.Context,
// so components deep in a call chain can log with the fields their
// caller attached (tenant, job uuid, remote host) without threading a
// logger argument through every signature.
package ctxlog

import (
	"bytes"
	"context"

	"github.com/sirupsen/logrus"
)

var (
	loggerCtxKey = new(int)
	rootLogger   = logrus.New()
)

const rfc3339NanoFixed = "2006-01-02T15:04:05.000000000Z07:00"

// Context returns a new child context such that FromContext(child)
// returns the given logger.
func Context(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// FromContext returns the logger suitable for the given context -- the
// one attached by Context() if applicable, otherwise the top-level
// logger with no fields/values.
func FromContext(ctx context.Context) logrus.FieldLogger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerCtxKey).(logrus.FieldLogger); ok {
			return logger
		}
	}
	return rootLogger.WithFields(nil)
}

// New returns a new logger with the indicated format and level.
func New(level string, format string) *logrus.Logger {
	logger := logrus.New()
	setLevel(logger, level)
	setFormat(logger, format)
	return logger
}

// SetLevel sets the current logging level of the top-level logger. See
// logrus for level names.
func SetLevel(level string) {
	setLevel(rootLogger, level)
}

func setLevel(logger *logrus.Logger, level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Level = lvl
}

// SetFormat sets the current logging format of the top-level logger to
// "json" or "text".
func SetFormat(format string) {
	setFormat(rootLogger, format)
}

func setFormat(logger *logrus.Logger, format string) {
	switch format {
	case "text":
		logger.Formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: rfc3339NanoFixed,
		}
	case "json":
		logger.Formatter = &logrus.JSONFormatter{
			TimestampFormat: rfc3339NanoFixed,
		}
	default:
		logger.WithField("LogFormat", format).Fatal("unknown log format")
	}
}

type logWriter interface {
	Log(...interface{})
}

// TestLogger returns a logger that sends messages to the given test
// framework log (e.g., a *check.C).
func TestLogger(c logWriter) *logrus.Logger {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel
	logger.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	logger.Out = &testWriter{c}
	return logger
}

type testWriter struct {
	c logWriter
}

func (tw *testWriter) Write(p []byte) (int, error) {
	tw.c.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// TestContext returns a context with a logger attached via TestLogger.
func TestContext(c logWriter) context.Context {
	return Context(context.Background(), TestLogger(c))
}
