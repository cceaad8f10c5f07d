// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package hook resolves and executes the lifecycle hooks documented in
// spec §4.6 (pre-rebase, pre-carry-commit, post-rebase, pre-create-pr,
// pre-push) as isolated subprocesses. A hook crash never corrupts host
// state: the host controls only the hook's environment and working
// directory.
package hook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"

	"github.com/unikraft/rebasebot/internal/log"
)

// Origin identifies where a HookSpec's script lives.
type Origin string

const (
	OriginLocal   Origin = "local"
	OriginBuiltin Origin = "builtin"
	OriginGit     Origin = "git"
)

// Spec is a single hook reference from the CLI, in one of the three
// forms documented in spec §4.6/§6: a bare filesystem path (local
// origin), `_BUILTIN_/<path>` (shipped builtin), or
// `git:<remote-or-url>/<ref>:<path>` (fetched from a git ref).
type Spec struct {
	Origin      Origin
	Path        string
	RemoteOrURL string
	Ref         string
}

const builtinPrefix = "_BUILTIN_/"
const gitPrefix = "git:"

// ParseSpec parses a raw hook spec into its origin and location. A
// spec with no recognized prefix is a plain filesystem path.
func ParseSpec(raw string) (*Spec, error) {
	if raw == "" {
		return nil, fmt.Errorf("malformed hook spec: empty")
	}

	if strings.HasPrefix(raw, builtinPrefix) {
		path := strings.TrimPrefix(raw, builtinPrefix)
		if path == "" {
			return nil, fmt.Errorf("malformed hook spec %q: expected %s<path>", raw, builtinPrefix)
		}
		return &Spec{Origin: OriginBuiltin, Path: path}, nil
	}

	if strings.HasPrefix(raw, gitPrefix) {
		rest := strings.TrimPrefix(raw, gitPrefix)

		pathIdx := strings.LastIndex(rest, ":")
		if pathIdx <= 0 || pathIdx == len(rest)-1 {
			return nil, fmt.Errorf("malformed hook spec %q: expected git:<remote-or-url>/<ref>:<path>", raw)
		}
		remoteAndRef, path := rest[:pathIdx], rest[pathIdx+1:]

		slashIdx := strings.LastIndex(remoteAndRef, "/")
		if slashIdx <= 0 || slashIdx == len(remoteAndRef)-1 {
			return nil, fmt.Errorf("malformed hook spec %q: expected git:<remote-or-url>/<ref>:<path>", raw)
		}

		return &Spec{
			Origin:      OriginGit,
			RemoteOrURL: remoteAndRef[:slashIdx],
			Ref:         remoteAndRef[slashIdx+1:],
			Path:        path,
		}, nil
	}

	return &Spec{Origin: OriginLocal, Path: raw}, nil
}

// Runner resolves and executes hooks. builtinRoot is the directory
// builtin hooks are shipped under; gitFetcher resolves a git-origin
// hook spec to a cached local file, lazily, once per run.
type Runner struct {
	BuiltinRoot string
	GitFetcher  func(ctx context.Context, spec *Spec) (string, error)
	Timeout     time.Duration

	cache map[string]string
}

func NewRunner(builtinRoot string, gitFetcher func(ctx context.Context, spec *Spec) (string, error), timeout time.Duration) *Runner {
	return &Runner{
		BuiltinRoot: builtinRoot,
		GitFetcher:  gitFetcher,
		Timeout:     timeout,
		cache:       make(map[string]string),
	}
}

// Resolve finds the executable script path for spec.
func (r *Runner) Resolve(ctx context.Context, spec *Spec) (string, error) {
	switch spec.Origin {
	case OriginLocal:
		abs, err := filepath.Abs(spec.Path)
		if err != nil {
			return "", fmt.Errorf("could not resolve local hook path %q: %w", spec.Path, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("local hook %q not found: %w", abs, err)
		}
		return abs, nil

	case OriginBuiltin:
		if cached, ok := r.cache[spec.Path]; ok {
			return cached, nil
		}

		matches, err := doublestar.Glob(os.DirFS(r.BuiltinRoot), "**/"+spec.Path)
		if err != nil {
			return "", fmt.Errorf("could not search builtin hooks for %q: %w", spec.Path, err)
		}
		if len(matches) == 0 {
			return "", fmt.Errorf("builtin hook %q not found under %q", spec.Path, r.BuiltinRoot)
		}

		resolved := filepath.Join(r.BuiltinRoot, matches[0])
		r.cache[spec.Path] = resolved
		return resolved, nil

	case OriginGit:
		cacheKey := fmt.Sprintf("git:%s/%s:%s", spec.RemoteOrURL, spec.Ref, spec.Path)
		if cached, ok := r.cache[cacheKey]; ok {
			return cached, nil
		}
		if r.GitFetcher == nil {
			return "", fmt.Errorf("git-origin hook %q requested but no git fetcher configured", cacheKey)
		}

		resolved, err := r.GitFetcher(ctx, spec)
		if err != nil {
			return "", fmt.Errorf("could not fetch git-origin hook %q: %w", cacheKey, err)
		}

		r.cache[cacheKey] = resolved
		return resolved, nil
	}

	return "", fmt.Errorf("unhandled hook origin %q", spec.Origin)
}

// Env is the set of environment variables injected into every hook
// invocation per spec §4.6.
type Env map[string]string

// Run resolves and executes spec with env merged on top of the host
// environment, forwarding stdout/stderr through the structured logger
// at info/error level respectively. A non-zero exit is an *Error that
// also carries the captured stderr.
func (r *Runner) Run(ctx context.Context, name string, spec *Spec, env Env, workdir string) error {
	path, err := r.Resolve(ctx, spec)
	if err != nil {
		return err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, path)
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stderr bytes.Buffer
	cmd.Stdout = log.G(ctx).WriterLevel(logrus.InfoLevel)
	cmd.Stderr = io.MultiWriter(&stderr, log.G(ctx).WriterLevel(logrus.ErrorLevel))

	log.G(ctx).WithFields(logrus.Fields{"hook": name, "path": path}).Info("running hook")

	if err := cmd.Run(); err != nil {
		return &Error{Name: name, Path: path, Stderr: stderr.String(), Cause: err}
	}

	return nil
}

// Error reports a failed hook invocation, including its verbatim
// stderr so the host never swallows or reformats it.
type Error struct {
	Name   string
	Path   string
	Stderr string
	Cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("hook %q (%s) failed: %v", e.Name, e.Path, e.Cause)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}
