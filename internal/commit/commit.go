// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package commit builds the engine's commit descriptor from a go-git
// commit object, splitting the message into subject/body/trailers the
// way a formatted mailbox patch would.
package commit

import (
	"strings"

	gitobject "github.com/go-git/go-git/v5/plumbing/object"

	"github.com/unikraft/rebasebot/internal/classify"
)

// Trailers lists the well-known Git trailers recognised when splitting
// a commit message into body and trailer lines.
func Trailers() []string {
	return []string{
		"Signed-off-by",
		"Co-authored-by",
		"UPSTREAM",
	}
}

// Descriptor is the engine's view of a single commit, independent of
// the go-git object it was built from.
type Descriptor struct {
	SHA            string
	AuthorName     string
	AuthorEmail    string
	CommitterName  string
	CommitterEmail string
	Subject        string
	Body           string
	Trailers       []string
	Parents        []string
	Tag            classify.Tag
}

// FromGitCommit derives a Descriptor from c, splitting its message the
// way patch generation does: first line is the subject, and every later
// line matching a known trailer prefix is pulled out of the body,
// wherever it appears.
func FromGitCommit(c *gitobject.Commit) *Descriptor {
	lines := strings.Split(c.Message, "\n")

	d := &Descriptor{
		SHA:            c.Hash.String(),
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.Email,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.Email,
	}

	if len(lines) > 0 {
		d.Subject = lines[0]
		d.Tag = classify.Classify(d.Subject)
	}

	var body []string
	for _, line := range lines[1:] {
		isTrailer := false
		for _, trailer := range Trailers() {
			if strings.HasPrefix(strings.ToLower(line), strings.ToLower(trailer)+":") {
				isTrailer = true
				d.Trailers = append(d.Trailers, line)
				break
			}
		}
		if !isTrailer {
			body = append(body, line)
		}
	}
	for len(body) > 0 && body[0] == "" {
		body = body[1:]
	}
	for len(body) > 0 && body[len(body)-1] == "" {
		body = body[:len(body)-1]
	}
	d.Body = strings.Join(body, "\n")

	for _, p := range c.ParentHashes {
		d.Parents = append(d.Parents, p.String())
	}

	return d
}

// ShortSHA returns the 7-character short form of the commit's hash.
func (d *Descriptor) ShortSHA() string {
	if len(d.SHA) < 7 {
		return d.SHA
	}
	return d.SHA[:7]
}
