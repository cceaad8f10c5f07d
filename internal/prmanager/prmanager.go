// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package prmanager is the push & PR manager (C8): it force-pushes the
// rebase branch and reconciles the pull request on dest.
package prmanager

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/waigani/diffparser"

	"github.com/unikraft/rebasebot/internal/commit"
	"github.com/unikraft/rebasebot/internal/ghapi"
	"github.com/unikraft/rebasebot/internal/hook"
	"github.com/unikraft/rebasebot/internal/log"
	"github.com/unikraft/rebasebot/internal/remote"
	"github.com/unikraft/rebasebot/internal/retry"
	"github.com/unikraft/rebasebot/internal/workspace"
)

const manualOverrideLabel = "rebase/manual"

var retitlePrefix = regexp.MustCompile(`^[A-Z][A-Z0-9]+-\d+:\s`)

// ProviderClient is the subset of ghapi.Client's surface Reconcile
// needs, narrowed so tests can substitute a fake.
type ProviderClient interface {
	ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*ghapi.PullRequest, error)
	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*ghapi.PullRequest, error)
	UpdatePullRequest(ctx context.Context, owner, repo string, number int, title, body string) (*ghapi.PullRequest, error)
}

// Manager reconciles the rebase branch and its pull request on dest.
type Manager struct {
	Workspace   *workspace.Workspace
	Client      ProviderClient
	Runner      *hook.Runner
	DestOwner   string
	DestRepo    string
	RebaseOwner string
	RebaseRepo  string
	RetryPolicy retry.Policy
}

// Plan describes the push/reconcile to perform for a single run.
type Plan struct {
	RebaseBranch   string
	DestRef        string
	RebaseRef      string
	SourceURL      string
	SourceSHA      string
	Carried        []*commit.Descriptor
	DryRun         bool
	PrePushHooks   []*hook.Spec
	PreCreateHooks []*hook.Spec
	HookEnv        hook.Env
	HookWorkdir    string
}

// Outcome reports what happened on the hosting provider.
type Outcome struct {
	Result         string
	PullRequest    *ghapi.PullRequest
	ManualOverride bool
}

// Reconcile computes whether a push is needed, force-pushes if so, and
// creates or updates the pull request on dest.
func (m *Manager) Reconcile(ctx context.Context, p Plan) (*Outcome, error) {
	empty, err := m.diffIsEmpty(ctx, p.RebaseBranch, p.DestRef)
	if err != nil {
		return nil, fmt.Errorf("could not compute diff against dest: %w", err)
	}

	if empty {
		log.G(ctx).Info("no changes relative to dest, skipping push")
		return &Outcome{Result: "no-op"}, nil
	}

	if p.DryRun {
		log.G(ctx).Info("dry-run: skipping push and PR operations")
		return &Outcome{Result: "no-op"}, nil
	}

	existing, err := m.findExistingPR(ctx, p.RebaseRef)
	if err != nil {
		return nil, err
	}

	if existing != nil && hasLabel(existing.Labels, manualOverrideLabel) {
		log.G(ctx).WithField("pr", existing.Number).Info("pull request is under manual override, leaving untouched")
		return &Outcome{Result: "manual-override", PullRequest: existing, ManualOverride: true}, nil
	}

	for i, spec := range p.PrePushHooks {
		name := fmt.Sprintf("pre-push-rebase-branch[%d]", i)
		if err := m.Runner.Run(ctx, name, spec, p.HookEnv, p.HookWorkdir); err != nil {
			return nil, fmt.Errorf("pre-push hook failed: %w", err)
		}
	}

	if err := m.Workspace.Push(ctx, remote.Rebase, "refs/heads/"+p.RebaseBranch, p.RebaseRef); err != nil {
		return nil, fmt.Errorf("could not push rebase branch: %w", err)
	}

	title := canonicalTitle(p.SourceURL, p.SourceSHA, p.DestRef)
	body := renderBody(p.Carried, m.diffSummary(ctx, p.RebaseBranch, p.DestRef))

	if existing != nil {
		newTitle := retitle(existing.Title, title)

		updated, err := m.Client.UpdatePullRequest(ctx, m.DestOwner, m.DestRepo, existing.Number, newTitle, body)
		if err != nil {
			return nil, fmt.Errorf("could not update pull request: %w", err)
		}

		return &Outcome{Result: "updated", PullRequest: updated}, nil
	}

	for i, spec := range p.PreCreateHooks {
		name := fmt.Sprintf("pre-create-pr[%d]", i)
		if err := m.Runner.Run(ctx, name, spec, p.HookEnv, p.HookWorkdir); err != nil {
			return nil, fmt.Errorf("pre-create-pr hook failed: %w", err)
		}
	}

	head := p.RebaseRef
	if m.RebaseOwner != m.DestOwner || m.RebaseRepo != m.DestRepo {
		head = fmt.Sprintf("%s:%s", m.RebaseOwner, p.RebaseRef)
	}
	created, err := m.Client.CreatePullRequest(ctx, m.DestOwner, m.DestRepo, title, body, head, p.DestRef)
	if err != nil {
		return nil, fmt.Errorf("could not create pull request: %w", err)
	}

	return &Outcome{Result: "pushed", PullRequest: created}, nil
}

func (m *Manager) findExistingPR(ctx context.Context, rebaseRef string) (*ghapi.PullRequest, error) {
	var prs []*ghapi.PullRequest
	err := retry.Do(ctx, m.RetryPolicy, func(ctx context.Context) error {
		var err error
		prs, err = m.Client.ListOpenPullRequests(ctx, m.DestOwner, m.DestRepo)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("could not list open pull requests: %w", err)
	}

	for _, pr := range prs {
		if pr.HeadRef == rebaseRef {
			return pr, nil
		}
	}

	return nil, nil
}

func (m *Manager) diffIsEmpty(ctx context.Context, rebaseBranch, destRef string) (bool, error) {
	stdout, _, err := m.Workspace.Git(ctx, "diff", "--stat", fmt.Sprintf("dest/%s", destRef), rebaseBranch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(stdout) == "", nil
}

func (m *Manager) diffSummary(ctx context.Context, rebaseBranch, destRef string) string {
	raw, _, err := m.Workspace.Git(ctx, "diff", fmt.Sprintf("dest/%s", destRef), rebaseBranch)
	if err != nil || strings.TrimSpace(raw) == "" {
		return ""
	}

	parsed, err := diffparser.Parse(raw)
	if err != nil {
		log.G(ctx).WithError(err).Debug("could not parse diff for pr body summary")
		return ""
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "\n### Changed files\n\n")
	for _, f := range parsed.Files {
		name := f.NewName
		if name == "" {
			name = f.OrigName
		}
		fmt.Fprintf(&b, "- `%s`\n", name)
	}

	return b.String()
}

func canonicalTitle(sourceURL, sourceSHA, destRef string) string {
	return fmt.Sprintf("Merge %s (%s) into %s", sourceURL, sourceSHA, destRef)
}

func retitle(existing, canonical string) string {
	if existing == canonical {
		return existing
	}

	prefix := retitlePrefix.FindString(existing)
	withoutPrefix := strings.TrimPrefix(existing, prefix)

	if withoutPrefix != "" && !looksLikeBotTitle(withoutPrefix) {
		return existing
	}

	return prefix + canonical
}

func looksLikeBotTitle(title string) bool {
	return strings.HasPrefix(title, "Merge ")
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func renderBody(carried []*commit.Descriptor, diffSummary string) string {
	var b bytes.Buffer

	fmt.Fprintf(&b, "Automated rebase, carrying %d commit(s).\n\n", len(carried))

	if len(carried) > 0 {
		fmt.Fprintf(&b, "| SHA | Tag | Subject |\n|---|---|---|\n")
		for _, c := range carried {
			tag := string(c.Tag)
			if tag == "" {
				tag = "-"
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", c.ShortSHA(), tag, escapeTableCell(c.Subject))
		}
	}

	b.WriteString(diffSummary)

	return b.String()
}

func escapeTableCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
