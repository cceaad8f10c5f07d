// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package carry replays the planned commit set onto a fresh local
// rebase branch, running lifecycle hooks around it.
package carry

import (
	"context"
	"fmt"
	"strings"

	"github.com/unikraft/rebasebot/internal/commit"
	"github.com/unikraft/rebasebot/internal/hook"
	"github.com/unikraft/rebasebot/internal/log"
	"github.com/unikraft/rebasebot/internal/planner"
	"github.com/unikraft/rebasebot/internal/workspace"
)

// Hooks bundles the resolved hook specs for each lifecycle phase; any
// may be empty.
type Hooks struct {
	PreRebase      []*hook.Spec
	PreCarryCommit []*hook.Spec
	PostRebase     []*hook.Spec
}

// Options configures a single carry run.
type Options struct {
	SourceRef        string
	DestRef          string
	RebaseRef        string
	RebaseBranchName string
	UserName         string
	UserEmail        string
	AlwaysRunHooks   bool
}

// ConflictError reports a cherry-pick conflict; the run is aborted
// with `git cherry-pick --abort` before this is returned.
type ConflictError struct {
	Commit *commit.Descriptor
	Stderr string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict cherry-picking %s %q: %s", e.Commit.ShortSHA(), e.Commit.Subject, strings.TrimSpace(e.Stderr))
}

// Run checks out a fresh local rebase branch at source/ref, replays
// plan.Carry onto it in order (oldest first), and returns the tip SHA
// of the resulting branch.
func Run(ctx context.Context, ws *workspace.Workspace, runner *hook.Runner, plan *planner.Plan, hooks Hooks, opts Options) (string, error) {
	env := baseEnv(opts)
	env["REBASEBOT_WORKING_DIR"] = ws.LocalBranchPath()

	if _, _, err := ws.Git(ctx, "checkout", "-B", opts.RebaseBranchName, fmt.Sprintf("%s/%s", "source", opts.SourceRef)); err != nil {
		return "", fmt.Errorf("could not create rebase branch: %w", err)
	}

	if len(plan.Carry) > 0 || opts.AlwaysRunHooks {
		if err := runPhase(ctx, runner, hooks.PreRebase, "pre-rebase", env, ws.Dir); err != nil {
			return "", err
		}
	}

	for _, c := range plan.Carry {
		commitEnv := make(hook.Env, len(env)+1)
		for k, v := range env {
			commitEnv[k] = v
		}
		commitEnv["REBASEBOT_COMMIT_SHA"] = c.SHA

		if err := runPhase(ctx, runner, hooks.PreCarryCommit, "pre-carry-commit", commitEnv, ws.Dir); err != nil {
			return "", err
		}

		if err := cherryPick(ctx, ws, c); err != nil {
			return "", err
		}

		log.G(ctx).WithFields(map[string]interface{}{"sha": c.ShortSHA(), "subject": c.Subject}).Info("carried commit")
	}

	if len(plan.Carry) > 0 || opts.AlwaysRunHooks {
		if err := runPhase(ctx, runner, hooks.PostRebase, "post-rebase", env, ws.Dir); err != nil {
			return "", err
		}
	}

	stdout, _, err := ws.Git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("could not resolve rebase branch tip: %w", err)
	}

	return strings.TrimSpace(stdout), nil
}

func cherryPick(ctx context.Context, ws *workspace.Workspace, c *commit.Descriptor) error {
	_, stderr, err := ws.Git(ctx, "cherry-pick", "--keep-redundant-commits", c.SHA)
	if err != nil {
		if _, _, abortErr := ws.Git(ctx, "cherry-pick", "--abort"); abortErr != nil {
			log.G(ctx).WithField("sha", c.ShortSHA()).Warn("cherry-pick --abort also failed")
		}
		return &ConflictError{Commit: c, Stderr: stderr}
	}

	return nil
}

func runPhase(ctx context.Context, runner *hook.Runner, specs []*hook.Spec, phase string, env hook.Env, workdir string) error {
	for i, spec := range specs {
		name := fmt.Sprintf("%s[%d]", phase, i)
		if err := runner.Run(ctx, name, spec, env, workdir); err != nil {
			return fmt.Errorf("%s hook failed: %w", phase, err)
		}
	}
	return nil
}

func baseEnv(opts Options) hook.Env {
	return hook.Env{
		"REBASEBOT_SOURCE":       opts.SourceRef,
		"REBASEBOT_DEST":         opts.DestRef,
		"REBASEBOT_REBASE":       opts.RebaseRef,
		"REBASEBOT_WORKING_DIR":  "",
		"REBASEBOT_GIT_USERNAME": opts.UserName,
		"REBASEBOT_GIT_EMAIL":    opts.UserEmail,
	}
}
