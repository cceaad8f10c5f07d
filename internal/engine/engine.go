// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package engine wires the individual components (C1-C9) together
// into the single control-flow pipeline documented in spec §2.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	gitplumbing "github.com/go-git/go-git/v5/plumbing"

	"github.com/unikraft/rebasebot/internal/artpr"
	"github.com/unikraft/rebasebot/internal/carry"
	"github.com/unikraft/rebasebot/internal/config"
	"github.com/unikraft/rebasebot/internal/credential"
	"github.com/unikraft/rebasebot/internal/ghapi"
	"github.com/unikraft/rebasebot/internal/hook"
	"github.com/unikraft/rebasebot/internal/log"
	"github.com/unikraft/rebasebot/internal/notify"
	"github.com/unikraft/rebasebot/internal/planner"
	"github.com/unikraft/rebasebot/internal/prmanager"
	"github.com/unikraft/rebasebot/internal/remote"
	"github.com/unikraft/rebasebot/internal/retry"
	"github.com/unikraft/rebasebot/internal/workspace"
)

const rebaseBranchName = "rebasebot/carry"

// Run executes one full rebasebot pass: resolve remotes, prepare the
// workspace, plan and carry commits, optionally fold in an ART PR, and
// reconcile the pull request on dest.
func Run(ctx context.Context, cfg *config.Config) (notify.Outcome, error) {
	start := time.Now()

	outcome, err := run(ctx, cfg)
	outcome.Duration = time.Since(start)
	if err != nil {
		outcome.Result = notify.ResultFailed
		outcome.Err = err
	}

	if sender := buildSender(cfg); sender != nil {
		if notifyErr := notify.Notify(ctx, sender, outcome); notifyErr != nil {
			log.G(ctx).WithError(notifyErr).Warn("could not deliver notification")
		}
	}

	return outcome, err
}

func run(ctx context.Context, cfg *config.Config) (notify.Outcome, error) {
	set, err := resolveRemotes(ctx, cfg)
	if err != nil {
		return notify.Outcome{}, fmt.Errorf("could not resolve remotes: %w", err)
	}

	apiCred, cloneCred, err := buildCredentials(cfg)
	if err != nil {
		return notify.Outcome{}, fmt.Errorf("could not build credentials: %w", err)
	}

	creds := map[remote.Name]credential.Credential{
		remote.Dest:   cloneCred,
		remote.Rebase: cloneCred,
	}
	if set.Source.Provider == remote.ProviderGithub {
		creds[remote.Source] = cloneCred
	} else {
		creds[remote.Source] = credential.NewUserTokenCredential("", "")
	}

	ws, err := workspace.Open(ctx, cfg.WorkingDir, set, creds, cfg.GitUsername, cfg.GitEmail)
	if err != nil {
		return notify.Outcome{}, fmt.Errorf("could not prepare workspace: %w", err)
	}

	var destHash, sourceHash gitplumbing.Hash
	if err := retry.Do(ctx, retry.Policy{Max: cfg.RetryMax, BaseDelay: cfg.RetryBaseDelay}, func(ctx context.Context) error {
		var err error
		destHash, err = ws.Fetch(ctx, remote.Dest, set.Dest.Ref, false)
		return err
	}); err != nil {
		return notify.Outcome{}, fmt.Errorf("could not fetch dest/%s: %w", set.Dest.Ref, err)
	}

	if err := retry.Do(ctx, retry.Policy{Max: cfg.RetryMax, BaseDelay: cfg.RetryBaseDelay}, func(ctx context.Context) error {
		var err error
		sourceHash, err = ws.Fetch(ctx, remote.Source, set.Source.Ref, true)
		return err
	}); err != nil {
		return notify.Outcome{}, fmt.Errorf("could not fetch source/%s: %w", set.Source.Ref, err)
	}

	plan, err := planner.Compute(ws.Repo(), destHash, sourceHash, config.TagPolicy(cfg.TagPolicy), cfg.ExcludeCommits)
	if err != nil {
		return notify.Outcome{}, fmt.Errorf("could not compute rebase plan: %w", err)
	}

	runner := hook.NewRunner(builtinHooksRoot(), buildGitHookFetcher(ws), 10*time.Minute)

	hooks, err := resolveHooks(ctx, runner, cfg)
	if err != nil {
		return notify.Outcome{}, err
	}

	carryOpts := carry.Options{
		SourceRef:        set.Source.Ref,
		DestRef:          set.Dest.Ref,
		RebaseRef:        set.Rebase.Ref,
		RebaseBranchName: rebaseBranchName,
		UserName:         cfg.GitUsername,
		UserEmail:        cfg.GitEmail,
		AlwaysRunHooks:   cfg.AlwaysRunHooks,
	}

	tip, err := carry.Run(ctx, ws, runner, plan, carry.Hooks{
		PreRebase:      hooks.preRebase,
		PreCarryCommit: hooks.preCarryCommit,
		PostRebase:     hooks.postRebase,
	}, carryOpts)
	if err != nil {
		return notify.Outcome{}, fmt.Errorf("could not carry commits: %w", err)
	}
	shortTip := tip
	if len(shortTip) > 7 {
		shortTip = shortTip[:7]
	}
	log.G(ctx).WithField("tip", shortTip).Info("rebase branch ready")

	apiClient, err := ghapi.NewClient(ctx, apiCred, "", false)
	if err != nil {
		return notify.Outcome{}, fmt.Errorf("could not build provider client: %w", err)
	}

	if cfg.EnableArtPR {
		if err := tryArtPR(ctx, ws, apiClient, set, cfg); err != nil {
			return notify.Outcome{}, fmt.Errorf("art-pr phase failed: %w", err)
		}
	}

	destOwner, destRepo := ownerRepo(set.Dest.URL)
	rebaseOwner, rebaseRepo := ownerRepo(set.Rebase.URL)

	mgr := &prmanager.Manager{
		Workspace:   ws,
		Client:      apiClient,
		Runner:      runner,
		DestOwner:   destOwner,
		DestRepo:    destRepo,
		RebaseOwner: rebaseOwner,
		RebaseRepo:  rebaseRepo,
		RetryPolicy: retry.Policy{Max: cfg.RetryMax, BaseDelay: cfg.RetryBaseDelay},
	}

	result, err := mgr.Reconcile(ctx, prmanager.Plan{
		RebaseBranch:   rebaseBranchName,
		DestRef:        set.Dest.Ref,
		RebaseRef:      set.Rebase.Ref,
		SourceURL:      set.Source.URL,
		SourceSHA:      shortHash(sourceHash),
		Carried:        plan.Carry,
		DryRun:         cfg.DryRun,
		PrePushHooks:   hooks.prePush,
		PreCreateHooks: hooks.preCreatePR,
		HookEnv:        baseEnv(cfg, set, ws),
		HookWorkdir:    ws.Dir,
	})
	if err != nil {
		return notify.Outcome{}, fmt.Errorf("could not reconcile pull request: %w", err)
	}

	out := notify.Outcome{
		Result:      notify.Result(result.Result),
		PullRequest: result.PullRequest,
	}

	return out, nil
}

func resolveRemotes(ctx context.Context, cfg *config.Config) (*remote.Set, error) {
	var sourceSpec string
	if cfg.Source != "" {
		sourceSpec = cfg.Source
	} else {
		ref, err := remote.ResolveSourceRefViaHook(ctx, cfg.SourceRefHook, cfg.SourceRepo)
		if err != nil {
			return nil, err
		}
		sourceSpec = fmt.Sprintf("https://github.com/%s.git:%s", cfg.SourceRepo, ref)
	}

	sourceProvider := remote.ProviderGit
	if strings.Contains(sourceSpec, "github.com") {
		sourceProvider = remote.ProviderGithub
	}

	source, err := remote.ParseSpec(remote.Source, sourceSpec, sourceProvider)
	if err != nil {
		return nil, err
	}

	dest, err := remote.ParseSpec(remote.Dest, cfg.Dest, remote.ProviderGithub)
	if err != nil {
		return nil, err
	}

	rebase, err := remote.ParseSpec(remote.Rebase, cfg.Rebase, remote.ProviderGithub)
	if err != nil {
		return nil, err
	}

	set := &remote.Set{Source: source, Dest: dest, Rebase: rebase}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	return set, nil
}

func buildCredentials(cfg *config.Config) (apiCred, cloneCred credential.Credential, err error) {
	if cfg.GithubUserToken != "" {
		tok, err := readFile(cfg.GithubUserToken)
		if err != nil {
			return nil, nil, err
		}
		cred := credential.NewUserTokenCredential("x-access-token", tok)
		return cred, cred, nil
	}

	appKey, err := readFile(cfg.GithubAppKey)
	if err != nil {
		return nil, nil, err
	}
	clonerKey, err := readFile(cfg.GithubClonerKey)
	if err != nil {
		return nil, nil, err
	}

	apiCred = credential.NewAppInstallationCredential(cfg.GithubAppID, cfg.GithubAppID, []byte(appKey), "")
	cloneCred = credential.NewAppInstallationCredential(cfg.GithubClonerID, cfg.GithubClonerID, []byte(clonerKey), "")

	return apiCred, cloneCred, nil
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("could not read %q: %w", path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

type resolvedHooks struct {
	preRebase      []*hook.Spec
	preCarryCommit []*hook.Spec
	postRebase     []*hook.Spec
	prePush        []*hook.Spec
	preCreatePR    []*hook.Spec
}

func resolveHooks(ctx context.Context, runner *hook.Runner, cfg *config.Config) (*resolvedHooks, error) {
	postRebase := cfg.PostRebaseHooks
	if cfg.UpdateGoModules {
		postRebase = append(postRebase, "_BUILTIN_/update-go-modules")
	}

	specs := func(raw []string) ([]*hook.Spec, error) {
		out := make([]*hook.Spec, 0, len(raw))
		for _, r := range raw {
			s, err := hook.ParseSpec(r)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}

	preRebase, err := specs(cfg.PreRebaseHooks)
	if err != nil {
		return nil, err
	}
	preCarryCommit, err := specs(cfg.PreCarryHooks)
	if err != nil {
		return nil, err
	}
	postRebaseSpecs, err := specs(postRebase)
	if err != nil {
		return nil, err
	}
	prePush, err := specs(cfg.PrePushHooks)
	if err != nil {
		return nil, err
	}
	preCreatePR, err := specs(cfg.PreCreatePRHooks)
	if err != nil {
		return nil, err
	}

	return &resolvedHooks{
		preRebase:      preRebase,
		preCarryCommit: preCarryCommit,
		postRebase:     postRebaseSpecs,
		prePush:        prePush,
		preCreatePR:    preCreatePR,
	}, nil
}

// knownRemoteName reports whether s names one of the three configured
// remotes, so git-origin hooks (spec §4.6) can reuse the already
// authenticated remote instead of an anonymous fetch.
func knownRemoteName(s string) (remote.Name, bool) {
	switch remote.Name(s) {
	case remote.Source, remote.Dest, remote.Rebase:
		return remote.Name(s), true
	default:
		return "", false
	}
}

// buildGitHookFetcher resolves a git-origin hook spec (spec §4.6) by
// fetching the referenced ref and reading the single blob at
// spec.Path out of it, staging the content into an executable temp
// file the hook runner can exec directly.
func buildGitHookFetcher(ws *workspace.Workspace) func(ctx context.Context, spec *hook.Spec) (string, error) {
	return func(ctx context.Context, spec *hook.Spec) (string, error) {
		var showRef string

		if name, ok := knownRemoteName(spec.RemoteOrURL); ok {
			if _, err := ws.Fetch(ctx, name, spec.Ref, true); err != nil {
				return "", fmt.Errorf("could not fetch %s/%s for git hook: %w", name, spec.Ref, err)
			}

			showRef = fmt.Sprintf("refs/remotes/%s/%s:%s", name, spec.Ref, spec.Path)
			if _, _, err := ws.Git(ctx, "cat-file", "-e", showRef); err != nil {
				showRef = fmt.Sprintf("refs/tags/%s:%s", spec.Ref, spec.Path)
			}
		} else {
			if _, _, err := ws.Git(ctx, "fetch", "--depth=1", spec.RemoteOrURL, spec.Ref); err != nil {
				return "", fmt.Errorf("could not fetch %s#%s for git hook: %w", spec.RemoteOrURL, spec.Ref, err)
			}
			showRef = "FETCH_HEAD:" + spec.Path
		}

		content, _, err := ws.Git(ctx, "show", showRef)
		if err != nil {
			return "", fmt.Errorf("could not read %q from git hook source: %w", spec.Path, err)
		}

		f, err := os.CreateTemp("", "rebasebot-git-hook-*")
		if err != nil {
			return "", fmt.Errorf("could not create temp file for git hook: %w", err)
		}
		defer f.Close()

		if _, err := f.WriteString(content); err != nil {
			return "", fmt.Errorf("could not write git hook contents: %w", err)
		}
		if err := f.Chmod(0o755); err != nil {
			return "", fmt.Errorf("could not make git hook executable: %w", err)
		}

		return f.Name(), nil
	}
}

func tryArtPR(ctx context.Context, ws *workspace.Workspace, client *ghapi.Client, set *remote.Set, cfg *config.Config) error {
	var target *remote.Remote
	switch cfg.ArtPRSource {
	case "dest":
		target = set.Dest
	case "rebase":
		target = set.Rebase
	default:
		target = set.Source
	}

	owner, repo := ownerRepo(target.URL)

	picker, err := artpr.NewPicker(client, owner, repo, cfg.ArtPRTitleRegex)
	if err != nil {
		return err
	}

	candidate, err := picker.Pick(ctx)
	if err != nil {
		return err
	}
	if candidate == nil {
		return nil
	}

	if _, err := ws.Fetch(ctx, target.Name, candidate.HeadRef, false); err != nil {
		return fmt.Errorf("could not fetch art-pr #%d head %s: %w", candidate.Number, candidate.HeadRef, err)
	}

	headRef := fmt.Sprintf("%s/%s", target.Name, candidate.HeadRef)
	_, _, err = ws.Git(ctx, "cherry-pick", "--keep-redundant-commits", headRef)
	if err != nil {
		_, _, _ = ws.Git(ctx, "cherry-pick", "--abort")
		return fmt.Errorf("conflict folding in art-pr #%d: %w", candidate.Number, err)
	}

	return nil
}

func buildSender(cfg *config.Config) notify.Sender {
	if cfg.SlackWebhook == "" {
		return nil
	}

	url, err := readFile(cfg.SlackWebhook)
	if err != nil {
		return nil
	}

	return notify.NewWebhook(url)
}

func baseEnv(cfg *config.Config, set *remote.Set, ws *workspace.Workspace) hook.Env {
	return hook.Env{
		"REBASEBOT_SOURCE":       set.Source.Ref,
		"REBASEBOT_DEST":         set.Dest.Ref,
		"REBASEBOT_REBASE":       set.Rebase.Ref,
		"REBASEBOT_GIT_USERNAME": cfg.GitUsername,
		"REBASEBOT_GIT_EMAIL":    cfg.GitEmail,
		"REBASEBOT_WORKING_DIR":  ws.LocalBranchPath(),
	}
}

func ownerRepo(url string) (string, string) {
	url = strings.TrimSuffix(url, ".git")
	parts := strings.Split(url, "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

func shortHash(h gitplumbing.Hash) string {
	s := h.String()
	if len(s) > 7 {
		return s[:7]
	}
	return s
}

// builtinHooksRoot locates the builtin-hooks directory shipped
// alongside the binary.
func builtinHooksRoot() string {
	if dir := os.Getenv("REBASEBOT_BUILTIN_HOOKS_DIR"); dir != "" {
		return dir
	}
	return "builtin-hooks"
}
