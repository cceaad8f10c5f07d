// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	heredoc "github.com/MakeNowJust/heredoc/v2"
	"github.com/rancher/wrangler/v3/pkg/signals"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/unikraft/rebasebot/internal/config"
	"github.com/unikraft/rebasebot/internal/engine"
	"github.com/unikraft/rebasebot/internal/log"
	"github.com/unikraft/rebasebot/internal/notify"
	"github.com/unikraft/rebasebot/internal/version"
)

// Exit codes documented in spec §6: 0 success (push + PR, or no-op), 1
// operational failure (conflict, hook failure, provider error), 2
// argument/validation failure.
const (
	exitSuccess            = 0
	exitOperationalFailure = 1
	exitConfigError        = 2
)

// exitCode classifies err per spec §7's error taxonomy. *config.Error
// is the sole Configuration-bucket error; every other error (git,
// hook, conflict, provider) shares the operational-failure code.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return exitConfigError
	}
	return exitOperationalFailure
}

func New(logger *logrus.Logger) (*cobra.Command, *config.Config) {
	var cfg *config.Config

	cmd := &cobra.Command{
		Use:   "rebasebot",
		Short: "Rebase a downstream fork against its upstream and open/update a pull request",
		Long: heredoc.Docf(`
			Rebase a downstream fork against its upstream source and
			open or update a pull request reflecting the result.

			rebasebot resolves three remotes (source, dest, rebase),
			computes the set of dest-only commits to carry forward,
			replays them on top of the current source, and reconciles
			a pull request on dest with the outcome.

			VERSION
			  %s`, version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
				logger.SetLevel(lvl)
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().SortFlags = false
	cfg = config.BindFlags(cmd.Flags())

	return cmd, cfg
}

func run(ctx context.Context, cfg *config.Config) error {
	outcome, err := engine.Run(ctx, cfg)
	if err != nil {
		log.G(ctx).WithError(err).Error("run failed")
		return err
	}

	if outcome.Result == notify.ResultNoOp {
		log.G(ctx).Info("nothing to carry, exiting")
		return nil
	}

	log.G(ctx).WithField("result", outcome.Result).Info("run complete")
	return nil
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	ctx := signals.SetupSignalContext()
	ctx = log.WithLogger(ctx, logger)

	cmd, _ := New(logger)
	cmd.SetArgs(os.Args[1:])

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}

	os.Exit(exitSuccess)
}
