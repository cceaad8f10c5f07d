// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package workspace prepares and maintains the local working
// directory rebasebot performs all git plumbing in: a single clone
// with three configured remotes (source, dest, rebase).
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	gitplumbing "github.com/go-git/go-git/v5/plumbing"

	"github.com/unikraft/rebasebot/internal/credential"
	"github.com/unikraft/rebasebot/internal/log"
	"github.com/unikraft/rebasebot/internal/remote"
)

// GitError reports a failed git plumbing operation (the Git bucket of
// spec §7); the top-level command maps it to exit code 1.
type GitError struct {
	Op  string
	Err error
}

func (e *GitError) Error() string { return fmt.Sprintf("git: %s: %v", e.Op, e.Err) }
func (e *GitError) Unwrap() error { return e.Err }

// Workspace wraps a single on-disk git repository configured with the
// three remotes a rebase run needs.
type Workspace struct {
	Dir  string
	repo *git.Repository

	set   *remote.Set
	creds map[remote.Name]credential.Credential

	userName  string
	userEmail string
}

// Open reuses dir if it already contains a git repository, otherwise
// initializes a fresh one. It configures remotes for every member of
// set and records the credentials used to authenticate against each.
func Open(ctx context.Context, dir string, set *remote.Set, creds map[remote.Name]credential.Credential, userName, userEmail string) (*Workspace, error) {
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote set: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create workspace directory: %w", err)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		log.G(ctx).WithField("dir", dir).Info("initializing workspace")
		repo, err = git.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("could not initialize workspace: %w", err)
		}
	}

	ws := &Workspace{
		Dir:       dir,
		repo:      repo,
		set:       set,
		creds:     creds,
		userName:  userName,
		userEmail: userEmail,
	}

	for _, r := range []*remote.Remote{set.Source, set.Dest, set.Rebase} {
		if err := ws.configureRemote(r); err != nil {
			return nil, err
		}
	}

	if err := ws.configureIdentity(); err != nil {
		return nil, err
	}

	return ws, nil
}

func (ws *Workspace) configureRemote(r *remote.Remote) error {
	name := string(r.Name)

	_, err := ws.repo.Remote(name)
	if err == git.ErrRemoteNotFound {
		_, err = ws.repo.CreateRemote(&gitconfig.RemoteConfig{
			Name: name,
			URLs: []string{r.URL},
		})
	}
	if err != nil {
		return fmt.Errorf("could not configure remote %q: %w", name, err)
	}

	return nil
}

func (ws *Workspace) configureIdentity() error {
	cfg, err := ws.repo.Config()
	if err != nil {
		return fmt.Errorf("could not read repo config: %w", err)
	}

	cfg.User.Name = ws.userName
	cfg.User.Email = ws.userEmail

	if err := ws.repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("could not set repo identity: %w", err)
	}

	return nil
}

// Repo returns the underlying go-git repository handle.
func (ws *Workspace) Repo() *git.Repository {
	return ws.repo
}

// Fetch refreshes credentials for name and fetches ref from its
// remote, returning the resolved commit hash. refspec honors tags
// when withTags is set, matching the source-ref resolution semantics
// of spec §4.1/§4.2. ref may name a branch or, when withTags is set, a
// tag (Scenario 5): a heads refspec is tried first and a tags refspec
// is tried as a fallback before giving up.
func (ws *Workspace) Fetch(ctx context.Context, name remote.Name, ref string, withTags bool) (gitplumbing.Hash, error) {
	op := fmt.Sprintf("fetch %s/%s", name, ref)

	cred, ok := ws.creds[name]
	if !ok {
		return gitplumbing.ZeroHash, &GitError{Op: op, Err: fmt.Errorf("no credential configured for remote %q", name)}
	}

	auth, err := cred.GitAuth(ctx)
	if err != nil {
		return gitplumbing.ZeroHash, &GitError{Op: op, Err: fmt.Errorf("could not obtain git auth: %w", err)}
	}

	log.G(ctx).WithFields(logFields(name, ref)).Info("fetching")

	headsRefspec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", ref, name, ref))
	fetchOpts := &git.FetchOptions{
		RemoteName: string(name),
		RefSpecs:   []gitconfig.RefSpec{headsRefspec},
		Auth:       auth,
		Tags:       git.NoTags,
	}
	if withTags {
		fetchOpts.Tags = git.AllTags
	}

	if fetchErr := ws.repo.FetchContext(ctx, fetchOpts); fetchErr != nil && fetchErr != git.NoErrAlreadyUpToDate {
		if !withTags {
			return gitplumbing.ZeroHash, &GitError{Op: op, Err: fetchErr}
		}

		tagsRefspec := gitconfig.RefSpec(fmt.Sprintf("+refs/tags/%s:refs/tags/%s", ref, ref))
		tagsOpts := &git.FetchOptions{
			RemoteName: string(name),
			RefSpecs:   []gitconfig.RefSpec{tagsRefspec},
			Auth:       auth,
		}
		if retryErr := ws.repo.FetchContext(ctx, tagsOpts); retryErr != nil && retryErr != git.NoErrAlreadyUpToDate {
			return gitplumbing.ZeroHash, &GitError{Op: op, Err: fetchErr}
		}
	}

	resolved, err := ws.repo.ResolveRevision(gitplumbing.Revision(fmt.Sprintf("refs/remotes/%s/%s", name, ref)))
	if err != nil {
		resolved, err = ws.repo.ResolveRevision(gitplumbing.Revision(fmt.Sprintf("refs/tags/%s", ref)))
	}
	if err != nil {
		return gitplumbing.ZeroHash, &GitError{Op: "resolve " + op + " after fetch", Err: err}
	}

	return *resolved, nil
}

// Push force-pushes localRef to ref on the named remote, refreshing
// credentials immediately before the operation per spec §4.2.
func (ws *Workspace) Push(ctx context.Context, name remote.Name, localRef, ref string) error {
	op := fmt.Sprintf("push %s/%s", name, ref)

	cred, ok := ws.creds[name]
	if !ok {
		return &GitError{Op: op, Err: fmt.Errorf("no credential configured for remote %q", name)}
	}

	auth, err := cred.GitAuth(ctx)
	if err != nil {
		return &GitError{Op: op, Err: fmt.Errorf("could not obtain git auth: %w", err)}
	}

	refspec := gitconfig.RefSpec(fmt.Sprintf("+%s:refs/heads/%s", localRef, ref))

	log.G(ctx).WithFields(logFields(name, ref)).Info("pushing")

	if err := ws.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: string(name),
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       auth,
		Force:      true,
	}); err != nil && err != git.NoErrAlreadyUpToDate {
		return &GitError{Op: op, Err: err}
	}

	return nil
}

// Git runs the git binary inside the workspace, forwarding stderr
// verbatim to the caller for operations go-git does not model
// (cherry-pick, rebase --abort, diff/show).
func (ws *Workspace) Git(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", ws.Dir}, args...)...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("GIT_AUTHOR_NAME=%s", ws.userName), fmt.Sprintf("GIT_AUTHOR_EMAIL=%s", ws.userEmail))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return stdout.String(), stderr.String(), &GitError{Op: fmt.Sprintf("git %v", args), Err: fmt.Errorf("%w: %s", err, stderr.String())}
	}

	return stdout.String(), stderr.String(), nil
}

// LocalBranchPath returns the filesystem path of the workspace, useful
// for hooks that need a working-directory argument.
func (ws *Workspace) LocalBranchPath() string {
	return filepath.Clean(ws.Dir)
}

func logFields(name remote.Name, ref string) map[string]interface{} {
	return map[string]interface{}{"remote": string(name), "ref": ref}
}
