// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package config defines the flat configuration surface of rebasebot,
// bound directly from command-line flags and their environment-variable
// fallbacks.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// TagPolicy governs which dest-only commits the planner carries forward.
type TagPolicy string

const (
	TagPolicyNone   TagPolicy = "none"
	TagPolicySoft   TagPolicy = "soft"
	TagPolicyStrict TagPolicy = "strict"
)

// Config is the process-wide configuration surface, populated once at
// startup and never mutated afterwards.
type Config struct {
	Source           string
	SourceRepo       string
	SourceRefHook    string
	Dest             string
	Rebase           string
	GithubUserToken  string
	GithubAppKey     string
	GithubAppID      int64
	GithubClonerKey  string
	GithubClonerID   int64
	DryRun           bool
	WorkingDir       string
	UpdateGoModules  bool
	TagPolicy        TagPolicy
	ExcludeCommits   []string
	GitUsername      string
	GitEmail         string
	AlwaysRunHooks   bool
	SlackWebhook     string
	PreRebaseHooks   []string
	PreCarryHooks    []string
	PostRebaseHooks  []string
	PrePushHooks     []string
	PreCreatePRHooks []string
	EnableArtPR      bool
	ArtPRTitleRegex  string
	ArtPRSource      string
	RetryMax         int
	RetryBaseDelay   time.Duration
	LogLevel         string
}

// BindFlags registers every flag documented in spec §6 onto fs and
// returns a Config whose fields are populated once fs.Parse runs.
func BindFlags(fs *pflag.FlagSet) *Config {
	cfg := &Config{}

	fs.StringVar(&cfg.Source, "source", envDefault("REBASEBOT_SOURCE", ""), "<url>:<ref> of the upstream source remote")
	fs.StringVar(&cfg.SourceRepo, "source-repo", envDefault("REBASEBOT_SOURCE_REPO", ""), "namespace/name of a source repo whose ref is resolved dynamically via --source-ref-hook")
	fs.StringVar(&cfg.SourceRefHook, "source-ref-hook", envDefault("REBASEBOT_SOURCE_REF_HOOK", ""), "hook spec producing the resolved source ref on stdout")
	fs.StringVar(&cfg.Dest, "dest", envDefault("REBASEBOT_DEST", ""), "<url>:<ref> of the downstream dest remote (github-hosted)")
	fs.StringVar(&cfg.Rebase, "rebase", envDefault("REBASEBOT_REBASE", ""), "<url>:<ref> of the intermediate rebase remote (github-hosted)")

	fs.StringVar(&cfg.GithubUserToken, "github-user-token", "", "path to a file containing a GitHub user access token")
	fs.StringVar(&cfg.GithubAppKey, "github-app-key", "", "path to the GitHub App private key (PEM)")
	fs.Int64Var(&cfg.GithubAppID, "github-app-id", 0, "GitHub App ID")
	fs.StringVar(&cfg.GithubClonerKey, "github-cloner-key", "", "path to the GitHub App private key used for cloning (PEM)")
	fs.Int64Var(&cfg.GithubClonerID, "github-cloner-id", 0, "GitHub App ID used for cloning")

	fs.BoolVar(&cfg.DryRun, "dry-run", false, "do not push or mutate any pull request")
	fs.StringVar(&cfg.WorkingDir, "working-dir", ".rebase", "working directory for the local clone")
	fs.BoolVar(&cfg.UpdateGoModules, "update-go-modules", false, "append the builtin update-go-modules hook to --post-rebase-hook")
	fs.StringVar((*string)(&cfg.TagPolicy), "tag-policy", string(TagPolicyNone), "one of: none, soft, strict")
	fs.StringSliceVar(&cfg.ExcludeCommits, "exclude-commits", nil, "short shas (>=4 chars) to exclude from the carry set")
	fs.StringVar(&cfg.GitUsername, "git-username", "", "committer name for commits made by the bot")
	fs.StringVar(&cfg.GitEmail, "git-email", "", "committer email for commits made by the bot")
	fs.BoolVar(&cfg.AlwaysRunHooks, "always-run-hooks", false, "run pre/post-rebase hooks even when the carry set is empty")
	fs.StringVar(&cfg.SlackWebhook, "slack-webhook", "", "path to a file containing the Slack-compatible webhook URL")

	fs.StringArrayVar(&cfg.PreRebaseHooks, "pre-rebase-hook", nil, "hook spec, repeatable")
	fs.StringArrayVar(&cfg.PreCarryHooks, "pre-carry-commit-hook", nil, "hook spec, repeatable")
	fs.StringArrayVar(&cfg.PostRebaseHooks, "post-rebase-hook", nil, "hook spec, repeatable")
	fs.StringArrayVar(&cfg.PrePushHooks, "pre-push-rebase-branch-hook", nil, "hook spec, repeatable")
	fs.StringArrayVar(&cfg.PreCreatePRHooks, "pre-create-pr-hook", nil, "hook spec, repeatable")

	fs.BoolVar(&cfg.EnableArtPR, "enable-art-pr", false, "opportunistically fold an open ART PR into the rebase")
	fs.StringVar(&cfg.ArtPRTitleRegex, "art-pr-title-regex", `(?i)^Update Go version`, "title pattern identifying an ART PR")
	fs.StringVar(&cfg.ArtPRSource, "art-pr-source", "source", "which remote (source|dest|rebase) to query for the ART PR")

	fs.IntVar(&cfg.RetryMax, "retry-max", 3, "maximum retries for idempotent provider/network operations")
	fs.DurationVar(&cfg.RetryBaseDelay, "retry-base-delay", 2*time.Second, "base delay for exponential backoff retries")

	fs.StringVar(&cfg.LogLevel, "log-level", envDefault("REBASEBOT_LOG_LEVEL", "info"), "log level verbosity")

	return cfg
}

// Error reports a configuration-time validation failure (the
// Configuration bucket of spec §7); the top-level command maps it to
// exit code 2.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func newError(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Validate enforces the configuration-time invariants documented in
// spec §4.1, §4.4 and §6 (mutually exclusive remote/auth selection,
// minimum exclusion-prefix length).
func (c *Config) Validate() error {
	if c.Source == "" && c.SourceRepo == "" {
		return newError("one of --source or --source-repo is required")
	}
	if c.Source != "" && c.SourceRepo != "" {
		return newError("--source and --source-repo are mutually exclusive")
	}
	if c.SourceRepo != "" && c.SourceRefHook == "" {
		return newError("--source-repo requires --source-ref-hook")
	}
	if c.Dest == "" {
		return newError("--dest is required")
	}
	if c.Rebase == "" {
		return newError("--rebase is required")
	}

	haveUserToken := c.GithubUserToken != ""
	haveApp := c.GithubAppKey != "" || c.GithubAppID != 0 || c.GithubClonerKey != "" || c.GithubClonerID != 0
	if haveUserToken == haveApp {
		return newError("exactly one of --github-user-token or the --github-app-* / --github-cloner-* set is required")
	}
	if haveApp {
		if c.GithubAppKey == "" || c.GithubAppID == 0 || c.GithubClonerKey == "" || c.GithubClonerID == 0 {
			return newError("--github-app-key, --github-app-id, --github-cloner-key and --github-cloner-id must all be set together")
		}
	}

	for _, prefix := range c.ExcludeCommits {
		if len(prefix) < 4 {
			return newError("--exclude-commits prefix %q is shorter than the minimum 4 characters", prefix)
		}
	}

	switch TagPolicy(c.TagPolicy) {
	case TagPolicyNone, TagPolicySoft, TagPolicyStrict:
	default:
		return newError("--tag-policy must be one of: none, soft, strict (got %q)", c.TagPolicy)
	}

	return nil
}

func envDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
