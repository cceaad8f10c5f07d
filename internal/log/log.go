// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package log threads a logrus.Entry through context.Context so every
// phase of the pipeline logs with the same structured fields without
// passing a logger argument explicitly.
package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type loggerKey struct{}

// WithLogger attaches logger to ctx, returning the derived context.
func WithLogger(ctx context.Context, logger *logrus.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logrus.NewEntry(logger))
}

// G returns the logger attached to ctx, or a standalone default logger
// if none was attached (e.g. in tests that don't bother wiring one up).
func G(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
