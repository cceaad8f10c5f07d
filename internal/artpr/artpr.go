// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package artpr implements the optional ART-PR picker (C7): it finds
// an open, single, mergeable PR matching a configurable title pattern
// on the source hosting provider. The engine then cherry-picks the
// commit at the head of that PR onto the rebase branch; earlier commits
// of a multi-commit PR are not picked.
package artpr

import (
	"context"
	"fmt"
	"regexp"

	"github.com/unikraft/rebasebot/internal/ghapi"
	"github.com/unikraft/rebasebot/internal/log"
)

// Picker queries a provider for the single open PR matching
// TitleRegex on Owner/Repo.
type Picker struct {
	Client     *ghapi.Client
	Owner      string
	Repo       string
	TitleRegex *regexp.Regexp
}

// NewPicker compiles pattern once; an invalid pattern is a config error.
func NewPicker(client *ghapi.Client, owner, repo, pattern string) (*Picker, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid art-pr title regex %q: %w", pattern, err)
	}
	return &Picker{Client: client, Owner: owner, Repo: repo, TitleRegex: re}, nil
}

// Pick returns the single matching, mergeable PR, or nil if zero or
// more than one PR matches (skip silently per spec §4.7).
func (p *Picker) Pick(ctx context.Context) (*ghapi.PullRequest, error) {
	prs, err := p.Client.ListOpenPullRequests(ctx, p.Owner, p.Repo)
	if err != nil {
		return nil, fmt.Errorf("could not list open pull requests for art-pr candidate: %w", err)
	}

	var matches []*ghapi.PullRequest
	for _, pr := range prs {
		if p.TitleRegex.MatchString(pr.Title) {
			matches = append(matches, pr)
		}
	}

	switch len(matches) {
	case 0:
		log.G(ctx).Debug("no art-pr candidate found")
		return nil, nil
	case 1:
		if matches[0].Mergeable != nil && !*matches[0].Mergeable {
			log.G(ctx).WithField("pr", matches[0].Number).Warn("art-pr candidate is not mergeable, skipping")
			return nil, nil
		}
		return matches[0], nil
	default:
		log.G(ctx).WithField("count", len(matches)).Warn("multiple art-pr candidates found, skipping")
		return nil, nil
	}
}

// The picker only selects the candidate; it does not replay commits
// itself. The engine's tryArtPR runs the cherry-pick through
// workspace.Git, aborts it on failure, and returns the wrapped git
// error (not a carry.ConflictError).
