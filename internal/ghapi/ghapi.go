// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package ghapi is a thin abstraction around GitHub's REST API scoped
// to the operations the push/PR manager and ART-PR picker need.
package ghapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/go-github/v71/github"

	"github.com/unikraft/rebasebot/internal/credential"
)

// PullRequest is the subset of GitHub pull request state the rest of
// the codebase consumes, decoupled from go-github's wire type.
type PullRequest struct {
	Number    int
	Title     string
	Body      string
	HeadRef   string
	BaseRef   string
	State     string
	Draft     bool
	Mergeable *bool
	Labels    []string
	HTMLURL   string
}

func fromGithubPullRequest(pr *github.PullRequest) *PullRequest {
	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	return &PullRequest{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		Body:      pr.GetBody(),
		HeadRef:   pr.GetHead().GetRef(),
		BaseRef:   pr.GetBase().GetRef(),
		State:     pr.GetState(),
		Draft:     pr.GetDraft(),
		Mergeable: pr.Mergeable,
		Labels:    labels,
		HTMLURL:   pr.GetHTMLURL(),
	}
}

// Error reports a failed GitHub API call (the Network/provider bucket
// of spec §7); the top-level command maps it to exit code 1.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("github api: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Client implements the ProviderClient interface C7/C8 consume.
type Client struct {
	gh   *github.Client
	cred credential.Credential
}

// NewClient constructs a provider client. endpoint is the GitHub
// Enterprise API base URL, or empty for github.com.
func NewClient(ctx context.Context, cred credential.Credential, endpoint string, skipSSL bool) (*Client, error) {
	httpClient := &http.Client{}
	if skipSSL {
		httpClient.Transport = insecureTransport()
	}

	gh := github.NewClient(httpClient)

	if endpoint != "" {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("could not parse github endpoint: %w", err)
		}
		gh, err = gh.WithEnterpriseURLs(parsed.String(), parsed.String())
		if err != nil {
			return nil, fmt.Errorf("could not configure enterprise client: %w", err)
		}
	}

	return &Client{gh: gh, cred: cred}, nil
}

func (c *Client) authed(ctx context.Context) (*github.Client, error) {
	tok, err := c.cred.Token(ctx)
	if err != nil {
		return nil, &Error{Op: "obtain credential token", Err: err}
	}
	return c.gh.WithAuthToken(tok), nil
}

// ListOpenPullRequests lists all open pull requests for owner/repo,
// following pagination to exhaustion.
func (c *Client) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*PullRequest, error) {
	gh, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}

	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []*PullRequest
	for {
		prs, resp, err := gh.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, &Error{Op: "list pull requests", Err: err}
		}

		for _, pr := range prs {
			out = append(out, fromGithubPullRequest(pr))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return out, nil
}

// GetPullRequest fetches a single pull request by number.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	gh, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}

	pr, _, err := gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, &Error{Op: fmt.Sprintf("get pull request %s/%s#%d", owner, repo, number), Err: err}
	}

	return fromGithubPullRequest(pr), nil
}

// CreatePullRequest opens a new pull request head -> base.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*PullRequest, error) {
	gh, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}

	pr, _, err := gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &head,
		Base:  &base,
	})
	if err != nil {
		return nil, &Error{Op: "create pull request", Err: err}
	}

	return fromGithubPullRequest(pr), nil
}

// UpdatePullRequest patches an existing pull request's title and body.
func (c *Client) UpdatePullRequest(ctx context.Context, owner, repo string, number int, title, body string) (*PullRequest, error) {
	gh, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}

	pr, _, err := gh.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{
		Title: &title,
		Body:  &body,
	})
	if err != nil {
		return nil, &Error{Op: fmt.Sprintf("update pull request %d", number), Err: err}
	}

	return fromGithubPullRequest(pr), nil
}

// ListPullRequestLabels returns the label names attached to a pull request.
func (c *Client) ListPullRequestLabels(ctx context.Context, owner, repo string, number int) ([]string, error) {
	gh, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}

	opts := &github.ListOptions{PerPage: 100}
	var labels []string
	for {
		ls, resp, err := gh.Issues.ListLabelsByIssue(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, &Error{Op: "list pull request labels", Err: err}
		}

		for _, l := range ls {
			labels = append(labels, l.GetName())
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return labels, nil
}

// ListReleases lists all releases for owner/repo, most recent first.
func (c *Client) ListReleases(ctx context.Context, owner, repo string) ([]string, error) {
	gh, err := c.authed(ctx)
	if err != nil {
		return nil, err
	}

	opts := &github.ListOptions{PerPage: 100}
	var tags []string
	for {
		releases, resp, err := gh.Repositories.ListReleases(ctx, owner, repo, opts)
		if err != nil {
			return nil, &Error{Op: "list releases", Err: err}
		}

		for _, r := range releases {
			tags = append(tags, r.GetTagName())
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return tags, nil
}

func insecureTransport() http.RoundTripper {
	return &http.Transport{
		TLSClientConfig: insecureTLSConfig(),
	}
}
