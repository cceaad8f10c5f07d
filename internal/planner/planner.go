// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package planner computes the carry set: the ordered list of
// dest-only commits that will be replayed on top of source/ref.
package planner

import (
	"fmt"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gitobject "github.com/go-git/go-git/v5/plumbing/object"

	"github.com/unikraft/rebasebot/internal/commit"
	"github.com/unikraft/rebasebot/internal/config"
)

// Plan is the computed rebase plan: the ordered carry set plus whether
// a push is required at all.
type Plan struct {
	Carry        []*commit.Descriptor
	MergeBase    string
	RequiresPush bool
}

// Compute derives the carry set per spec §4.4: candidates are commits
// reachable from dest/ref but not from merge_base(dest/ref, source/ref),
// oldest first, filtered by tag policy and then by the exclusion list.
// No-op detection treats the plan as empty when source/ref already
// contains (or is a superset of, by ancestry) every carry candidate.
func Compute(repo *git.Repository, destRef, sourceRef plumbing.Hash, policy config.TagPolicy, exclude []string) (*Plan, error) {
	destCommit, err := repo.CommitObject(destRef)
	if err != nil {
		return nil, fmt.Errorf("could not load dest commit: %w", err)
	}
	sourceCommit, err := repo.CommitObject(sourceRef)
	if err != nil {
		return nil, fmt.Errorf("could not load source commit: %w", err)
	}

	mergeBases, err := destCommit.MergeBase(sourceCommit)
	if err != nil {
		return nil, fmt.Errorf("could not compute merge base: %w", err)
	}
	if len(mergeBases) == 0 {
		return nil, fmt.Errorf("dest/ref and source/ref share no common ancestor")
	}
	mergeBase := mergeBases[0]

	candidates, err := commitsBetween(repo, mergeBase.Hash, destRef)
	if err != nil {
		return nil, fmt.Errorf("could not enumerate candidate commits: %w", err)
	}

	filtered := applyPolicy(candidates, policy)
	filtered = applyExclusions(filtered, exclude)

	requiresPush := len(filtered) > 0
	if requiresPush {
		allAncestors := true
		for _, c := range filtered {
			isAncestor, err := isAncestorOf(repo, c.SHA, sourceRef)
			if err != nil {
				return nil, err
			}
			if !isAncestor {
				allAncestors = false
				break
			}
		}
		if allAncestors {
			filtered = nil
			requiresPush = false
		}
	}

	return &Plan{
		Carry:        filtered,
		MergeBase:    mergeBase.Hash.String(),
		RequiresPush: requiresPush,
	}, nil
}

// commitsBetween walks the commit graph reachable from tip, stopping at
// (and excluding) base, and returns the result oldest-first.
func commitsBetween(repo *git.Repository, base, tip plumbing.Hash) ([]*commit.Descriptor, error) {
	if base == tip {
		return nil, nil
	}

	tipCommit, err := repo.CommitObject(tip)
	if err != nil {
		return nil, err
	}

	var reverse []*commit.Descriptor
	seen := make(map[plumbing.Hash]bool)

	var walk func(c *gitobject.Commit) error
	walk = func(c *gitobject.Commit) error {
		if c.Hash == base || seen[c.Hash] {
			return nil
		}
		seen[c.Hash] = true

		reverse = append(reverse, commit.FromGitCommit(c))

		return c.Parents().ForEach(func(p *gitobject.Commit) error {
			if p.Hash == base {
				return nil
			}
			return walk(p)
		})
	}

	// First-parent-aware topological walk: only the first parent chain is
	// expected to matter for a linear downstream fork, but merge commits on
	// dest are walked through all parents defensively.
	if err := walk(tipCommit); err != nil {
		return nil, err
	}

	out := make([]*commit.Descriptor, len(reverse))
	for i, c := range reverse {
		out[len(reverse)-1-i] = c
	}
	return out, nil
}

func isAncestorOf(repo *git.Repository, sha string, ancestorOf plumbing.Hash) (bool, error) {
	target, err := repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return false, err
	}
	tip, err := repo.CommitObject(ancestorOf)
	if err != nil {
		return false, err
	}
	return target.IsAncestor(tip)
}

func applyPolicy(candidates []*commit.Descriptor, policy config.TagPolicy) []*commit.Descriptor {
	var out []*commit.Descriptor
	for _, c := range candidates {
		switch policy {
		case config.TagPolicyNone:
			out = append(out, c)
		case config.TagPolicySoft:
			if c.Tag != "drop" {
				out = append(out, c)
			}
		case config.TagPolicyStrict:
			if c.Tag != "" && c.Tag != "drop" {
				out = append(out, c)
			}
		}
	}
	return out
}

func applyExclusions(candidates []*commit.Descriptor, exclude []string) []*commit.Descriptor {
	if len(exclude) == 0 {
		return candidates
	}
	var out []*commit.Descriptor
	for _, c := range candidates {
		excluded := false
		for _, prefix := range exclude {
			if strings.HasPrefix(c.SHA, prefix) {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, c)
		}
	}
	return out
}
