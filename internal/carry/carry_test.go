// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package carry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/unikraft/rebasebot/internal/commit"
	"github.com/unikraft/rebasebot/internal/credential"
	"github.com/unikraft/rebasebot/internal/hook"
	"github.com/unikraft/rebasebot/internal/planner"
	"github.com/unikraft/rebasebot/internal/remote"
	"github.com/unikraft/rebasebot/internal/workspace"
)

type noAuthCredential struct{}

func (noAuthCredential) Token(ctx context.Context) (string, error) { return "", nil }
func (noAuthCredential) GitAuth(ctx context.Context) (transport.AuthMethod, error) {
	return nil, nil
}

func writeAndStage(t *testing.T, dir string, w *git.Worktree, name, content string) object.Signature {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := w.Add(name); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()}
}

func openTestWorkspace(t *testing.T, sourceDir, destDir, branch string) *workspace.Workspace {
	t.Helper()
	set := &remote.Set{
		Source: &remote.Remote{Name: remote.Source, URL: sourceDir, Ref: branch, Provider: remote.ProviderGit},
		Dest:   &remote.Remote{Name: remote.Dest, URL: destDir, Ref: branch, Provider: remote.ProviderGithub},
		Rebase: &remote.Remote{Name: remote.Rebase, URL: t.TempDir(), Ref: branch, Provider: remote.ProviderGithub},
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
	if _, err := ws.Fetch(context.Background(), remote.Source, branch, false); err != nil {
		t.Fatalf("Fetch source: %v", err)
	}
	if _, err := ws.Fetch(context.Background(), remote.Dest, branch, false); err != nil {
		t.Fatalf("Fetch dest: %v", err)
	}
	return ws
}

func TestRunCarriesCommitsCleanly(t *testing.T) {
	baseDir := t.TempDir()
	baseRepo, err := git.PlainInit(baseDir, false)
	if err != nil {
		t.Fatalf("PlainInit base: %v", err)
	}
	bw, err := baseRepo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	sig := writeAndStage(t, baseDir, bw, "a.txt", "base content\n")
	if _, err := bw.Commit("base commit", &git.CommitOptions{Author: &sig, Committer: &sig}); err != nil {
		t.Fatalf("Commit base: %v", err)
	}
	headRef, err := baseRepo.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	branch := headRef.Name().Short()

	destDir := t.TempDir()
	destRepo, err := git.PlainClone(destDir, false, &git.CloneOptions{URL: baseDir})
	if err != nil {
		t.Fatalf("PlainClone dest: %v", err)
	}
	dw, err := destRepo.Worktree()
	if err != nil {
		t.Fatalf("Worktree dest: %v", err)
	}
	sig2 := writeAndStage(t, destDir, dw, "b.txt", "downstream change b\n")
	bHash, err := dw.Commit("UPSTREAM: <carry>: add b.txt", &git.CommitOptions{Author: &sig2, Committer: &sig2})
	if err != nil {
		t.Fatalf("Commit b: %v", err)
	}
	sig3 := writeAndStage(t, destDir, dw, "c.txt", "downstream change c\n")
	cHash, err := dw.Commit("UPSTREAM: <carry>: add c.txt", &git.CommitOptions{Author: &sig3, Committer: &sig3})
	if err != nil {
		t.Fatalf("Commit c: %v", err)
	}

	ws := openTestWorkspace(t, baseDir, destDir, branch)
	runner := hook.NewRunner("", nil, 0)

	plan := &planner.Plan{
		Carry: []*commit.Descriptor{
			{SHA: bHash.String(), Subject: "UPSTREAM: <carry>: add b.txt"},
			{SHA: cHash.String(), Subject: "UPSTREAM: <carry>: add c.txt"},
		},
	}

	opts := Options{
		SourceRef:        branch,
		DestRef:          branch,
		RebaseRef:        branch,
		RebaseBranchName: "rebasebot/carry",
		UserName:         "Rebase Bot",
		UserEmail:        "bot@example.com",
	}

	tip, err := Run(context.Background(), ws, runner, plan, Hooks{}, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tip == "" {
		t.Fatalf("Run() returned empty tip sha")
	}

	if _, err := os.Stat(filepath.Join(ws.Dir, "b.txt")); err != nil {
		t.Errorf("b.txt missing from carried branch: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Dir, "c.txt")); err != nil {
		t.Errorf("c.txt missing from carried branch: %v", err)
	}

	stdout, _, err := ws.Git(context.Background(), "log", "--oneline")
	if err != nil {
		t.Fatalf("git log: %v", err)
	}
	if stdout == "" {
		t.Errorf("expected non-empty log on carried branch")
	}
}

func TestRunReportsConflict(t *testing.T) {
	baseDir := t.TempDir()
	baseRepo, err := git.PlainInit(baseDir, false)
	if err != nil {
		t.Fatalf("PlainInit base: %v", err)
	}
	bw, err := baseRepo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	sig := writeAndStage(t, baseDir, bw, "shared.txt", "base\n")
	if _, err := bw.Commit("base commit", &git.CommitOptions{Author: &sig, Committer: &sig}); err != nil {
		t.Fatalf("Commit base: %v", err)
	}
	headRef, err := baseRepo.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	branch := headRef.Name().Short()

	destDir := t.TempDir()
	destRepo, err := git.PlainClone(destDir, false, &git.CloneOptions{URL: baseDir})
	if err != nil {
		t.Fatalf("PlainClone dest: %v", err)
	}
	dw, err := destRepo.Worktree()
	if err != nil {
		t.Fatalf("Worktree dest: %v", err)
	}

	// source moves shared.txt one way.
	sig2 := writeAndStage(t, baseDir, bw, "shared.txt", "source-version\n")
	if _, err := bw.Commit("diverge upstream", &git.CommitOptions{Author: &sig2, Committer: &sig2}); err != nil {
		t.Fatalf("Commit source diverge: %v", err)
	}

	// destRepo was cloned from baseDir before the "diverge upstream"
	// commit was made there, so its branch is still sitting on the
	// original base commit. Diverging shared.txt the other way here
	// makes the two edits conflict once both land in the workspace.
	sig3 := writeAndStage(t, destDir, dw, "shared.txt", "dest-version\n")
	conflictHash, err := dw.Commit("UPSTREAM: <carry>: diverge downstream", &git.CommitOptions{Author: &sig3, Committer: &sig3})
	if err != nil {
		t.Fatalf("Commit dest diverge: %v", err)
	}

	ws := openTestWorkspace(t, baseDir, destDir, branch)
	runner := hook.NewRunner("", nil, 0)

	plan := &planner.Plan{
		Carry: []*commit.Descriptor{
			{SHA: conflictHash.String(), Subject: "UPSTREAM: <carry>: diverge downstream"},
		},
	}

	opts := Options{
		SourceRef:        branch,
		DestRef:          branch,
		RebaseRef:        branch,
		RebaseBranchName: "rebasebot/carry",
		UserName:         "Rebase Bot",
		UserEmail:        "bot@example.com",
	}

	_, err = Run(context.Background(), ws, runner, plan, Hooks{}, opts)
	if err == nil {
		t.Fatalf("Run() = nil error, want conflict error")
	}

	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("Run() error is not a *ConflictError: %v", err)
	}
	if conflictErr.Commit.SHA != conflictHash.String() {
		t.Errorf("ConflictError.Commit.SHA = %s, want %s", conflictErr.Commit.SHA, conflictHash.String())
	}
}
