// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package remote parses and resolves the three named remotes
// (source, dest, rebase) that the rebase orchestration engine operates
// over.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Name identifies one of the three fixed remotes.
type Name string

const (
	Source Name = "source"
	Dest   Name = "dest"
	Rebase Name = "rebase"
)

// Provider distinguishes a plain git remote from a GitHub-hosted one.
type Provider string

const (
	ProviderGit    Provider = "git"
	ProviderGithub Provider = "github"
)

// Remote is one named, resolved endpoint of the rebase pipeline.
type Remote struct {
	Name     Name
	URL      string
	Ref      string
	Provider Provider
}

// ParseSpec splits a "<url>:<ref>" spec. URLs may themselves contain
// colons (e.g. scp-like SSH syntax, or a port number), so the final
// colon in the string is taken as the separator between url and ref.
// A spec whose final colon is the URL scheme's "://" has no ref and is
// rejected.
func ParseSpec(name Name, spec string, provider Provider) (*Remote, error) {
	idx := strings.LastIndex(spec, ":")
	if idx <= 0 || idx == len(spec)-1 || strings.HasPrefix(spec[idx+1:], "//") {
		return nil, fmt.Errorf("malformed remote spec %q: expected <url>:<ref>", spec)
	}

	return &Remote{
		Name:     name,
		URL:      spec[:idx],
		Ref:      spec[idx+1:],
		Provider: provider,
	}, nil
}

// ResolveSourceRefViaHook executes the source-ref-hook script documented
// in spec §4.1: it receives REBASEBOT_SOURCE_REPO in its environment and
// must emit the resolved ref as a single line on stdout, exiting 0.
func ResolveSourceRefViaHook(ctx context.Context, hookPath, sourceRepo string) (string, error) {
	cmd := exec.CommandContext(ctx, hookPath)
	cmd.Env = append(cmd.Env, "REBASEBOT_SOURCE_REPO="+sourceRepo)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("source-ref-hook failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	ref := strings.TrimSpace(stdout.String())
	if ref == "" {
		return "", fmt.Errorf("source-ref-hook produced no ref on stdout")
	}
	if strings.Contains(ref, "\n") {
		return "", fmt.Errorf("source-ref-hook must emit exactly one line, got: %q", ref)
	}

	return ref, nil
}

// Set is the fully-resolved trio of remotes for a single run. I4/I5 of
// spec §3 require dest and rebase to be github-hosted; source may be
// arbitrary git.
type Set struct {
	Source *Remote
	Dest   *Remote
	Rebase *Remote
}

// Validate enforces uniqueness of names (trivially true given the
// fixed struct shape) and the github-hosting invariant on dest/rebase.
func (s *Set) Validate() error {
	if s.Dest.Provider != ProviderGithub {
		return fmt.Errorf("dest remote must be github-hosted")
	}
	if s.Rebase.Provider != ProviderGithub {
		return fmt.Errorf("rebase remote must be github-hosted")
	}
	return nil
}
