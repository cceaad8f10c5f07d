// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package prmanager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/unikraft/rebasebot/internal/credential"
	"github.com/unikraft/rebasebot/internal/ghapi"
	"github.com/unikraft/rebasebot/internal/hook"
	"github.com/unikraft/rebasebot/internal/remote"
	"github.com/unikraft/rebasebot/internal/retry"
	"github.com/unikraft/rebasebot/internal/workspace"
)

type noAuthCredential struct{}

func (noAuthCredential) Token(ctx context.Context) (string, error) { return "", nil }
func (noAuthCredential) GitAuth(ctx context.Context) (transport.AuthMethod, error) {
	return nil, nil
}

// fakeProviderClient is a ProviderClient test double tracking whether
// and how Reconcile mutated pull request state.
type fakeProviderClient struct {
	existing     []*ghapi.PullRequest
	createCalled bool
	createHead   string
	updateCalled bool
}

func (f *fakeProviderClient) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*ghapi.PullRequest, error) {
	return f.existing, nil
}

func (f *fakeProviderClient) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*ghapi.PullRequest, error) {
	f.createCalled = true
	f.createHead = head
	return &ghapi.PullRequest{Number: 1, Title: title, Body: body, HeadRef: head}, nil
}

func (f *fakeProviderClient) UpdatePullRequest(ctx context.Context, owner, repo string, number int, title, body string) (*ghapi.PullRequest, error) {
	f.updateCalled = true
	return &ghapi.PullRequest{Number: number, Title: title, Body: body}, nil
}

func newRepoWithCommit(t *testing.T, fileName, content string) (dir, branch string) {
	t.Helper()
	dir = t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	w, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := w.Add(fileName); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sig := &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()}
	if _, err := w.Commit("add "+fileName, &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	return dir, head.Name().Short()
}

func openReconcileWorkspace(t *testing.T, destDir, branch string) *workspace.Workspace {
	t.Helper()
	rebaseDir := t.TempDir()
	if _, err := git.PlainInit(rebaseDir, false); err != nil {
		t.Fatalf("PlainInit rebase: %v", err)
	}

	set := &remote.Set{
		Source: &remote.Remote{Name: remote.Source, URL: destDir, Ref: branch, Provider: remote.ProviderGit},
		Dest:   &remote.Remote{Name: remote.Dest, URL: destDir, Ref: branch, Provider: remote.ProviderGithub},
		Rebase: &remote.Remote{Name: remote.Rebase, URL: rebaseDir, Ref: branch, Provider: remote.ProviderGithub},
	}
	creds := map[remote.Name]credential.Credential{
		remote.Source: noAuthCredential{},
		remote.Dest:   noAuthCredential{},
		remote.Rebase: noAuthCredential{},
	}

	ws, err := workspace.Open(context.Background(), t.TempDir(), set, creds, "Rebase Bot", "bot@example.com")
	if err != nil {
		t.Fatalf("workspace.Open: %v", err)
	}
	if _, err := ws.Fetch(context.Background(), remote.Dest, branch, false); err != nil {
		t.Fatalf("Fetch dest: %v", err)
	}

	return ws
}

// setupDivergingWorkspace builds a workspace whose rebasebot/carry
// branch has one commit ahead of dest, so Reconcile sees a non-empty
// diff and proceeds to push and reconcile a pull request.
func setupDivergingWorkspace(t *testing.T) (ws *workspace.Workspace, branch string) {
	t.Helper()
	destDir, branch := newRepoWithCommit(t, "a.txt", "hello")
	ws = openReconcileWorkspace(t, destDir, branch)

	if _, _, err := ws.Git(context.Background(), "checkout", "-B", "rebasebot/carry", "dest/"+branch); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Dir, "b.txt"), []byte("carried"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := ws.Git(context.Background(), "add", "b.txt"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, _, err := ws.Git(context.Background(), "commit", "-m", "carry b.txt"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	return ws, branch
}

func basePlan(branch string) Plan {
	return Plan{
		RebaseBranch: "rebasebot/carry",
		DestRef:      branch,
		RebaseRef:    "rebasebot/carry",
		SourceURL:    "https://example.com/up.git",
		SourceSHA:    "abc1234",
	}
}

func TestReconcileCreatesPullRequestWhenNoneExists(t *testing.T) {
	ws, branch := setupDivergingWorkspace(t)
	client := &fakeProviderClient{}

	m := &Manager{
		Workspace:   ws,
		Client:      client,
		Runner:      hook.NewRunner("", nil, 0),
		DestOwner:   "org",
		DestRepo:    "dest",
		RebaseOwner: "org",
		RebaseRepo:  "dest",
		RetryPolicy: retry.Policy{Max: 0},
	}

	outcome, err := m.Reconcile(context.Background(), basePlan(branch))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if outcome.Result != "pushed" {
		t.Errorf("Result = %q, want pushed", outcome.Result)
	}
	if !client.createCalled {
		t.Errorf("CreatePullRequest was not called")
	}
	if client.createHead != "rebasebot/carry" {
		t.Errorf("create head = %q, want bare branch for same-repo rebase", client.createHead)
	}
}

func TestReconcileUsesOwnerPrefixedHeadForCrossRepoRebase(t *testing.T) {
	ws, branch := setupDivergingWorkspace(t)
	client := &fakeProviderClient{}

	m := &Manager{
		Workspace:   ws,
		Client:      client,
		Runner:      hook.NewRunner("", nil, 0),
		DestOwner:   "org",
		DestRepo:    "dest",
		RebaseOwner: "bot-org",
		RebaseRepo:  "rebase-fork",
		RetryPolicy: retry.Policy{Max: 0},
	}

	if _, err := m.Reconcile(context.Background(), basePlan(branch)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if client.createHead != "bot-org:rebasebot/carry" {
		t.Errorf("create head = %q, want owner-prefixed branch", client.createHead)
	}
}

func TestReconcileUpdatesExistingPullRequest(t *testing.T) {
	ws, branch := setupDivergingWorkspace(t)
	client := &fakeProviderClient{
		existing: []*ghapi.PullRequest{{Number: 7, HeadRef: "rebasebot/carry", Title: "stale title"}},
	}

	m := &Manager{
		Workspace:   ws,
		Client:      client,
		Runner:      hook.NewRunner("", nil, 0),
		DestOwner:   "org",
		DestRepo:    "dest",
		RebaseOwner: "org",
		RebaseRepo:  "dest",
		RetryPolicy: retry.Policy{Max: 0},
	}

	outcome, err := m.Reconcile(context.Background(), basePlan(branch))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if outcome.Result != "updated" {
		t.Errorf("Result = %q, want updated", outcome.Result)
	}
	if !client.updateCalled {
		t.Errorf("UpdatePullRequest was not called")
	}
	if client.createCalled {
		t.Errorf("CreatePullRequest should not be called when a PR already exists")
	}
}

func TestReconcileHonorsManualOverrideBeforePushing(t *testing.T) {
	ws, branch := setupDivergingWorkspace(t)
	client := &fakeProviderClient{
		existing: []*ghapi.PullRequest{{Number: 9, HeadRef: "rebasebot/carry", Labels: []string{manualOverrideLabel}}},
	}

	m := &Manager{
		Workspace:   ws,
		Client:      client,
		Runner:      hook.NewRunner("", nil, 0),
		DestOwner:   "org",
		DestRepo:    "dest",
		RebaseOwner: "org",
		RebaseRepo:  "dest",
		RetryPolicy: retry.Policy{Max: 0},
	}

	outcome, err := m.Reconcile(context.Background(), basePlan(branch))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if outcome.Result != "manual-override" {
		t.Errorf("Result = %q, want manual-override", outcome.Result)
	}
	if client.createCalled || client.updateCalled {
		t.Errorf("no provider mutation expected under manual override")
	}

	remoteHeads, _, err := ws.Git(context.Background(), "ls-remote", "--heads", "rebase")
	if err != nil {
		t.Fatalf("ls-remote: %v", err)
	}
	if strings.Contains(remoteHeads, "refs/heads/rebasebot/carry") {
		t.Errorf("rebase branch should not have been pushed under manual override")
	}
}

func TestReconcileNoOpWhenDiffIsEmpty(t *testing.T) {
	destDir, branch := newRepoWithCommit(t, "a.txt", "hello")
	ws := openReconcileWorkspace(t, destDir, branch)

	if _, _, err := ws.Git(context.Background(), "checkout", "-B", "rebasebot/carry", "dest/"+branch); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	client := &fakeProviderClient{}
	m := &Manager{
		Workspace:   ws,
		Client:      client,
		Runner:      hook.NewRunner("", nil, 0),
		DestOwner:   "org",
		DestRepo:    "dest",
		RebaseOwner: "org",
		RebaseRepo:  "dest",
		RetryPolicy: retry.Policy{Max: 0},
	}

	outcome, err := m.Reconcile(context.Background(), basePlan(branch))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if outcome.Result != "no-op" {
		t.Errorf("Result = %q, want no-op", outcome.Result)
	}
	if client.createCalled || client.updateCalled {
		t.Errorf("no provider calls expected for a no-op diff")
	}
}
