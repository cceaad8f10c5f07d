// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package notify posts the run's outcome to a Slack-compatible
// incoming webhook. Delivery is best-effort: failure to notify never
// changes the run's exit status.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/muesli/reflow/wordwrap"

	"github.com/unikraft/rebasebot/internal/ghapi"
)

// Result is the terminal state of a single rebasebot run.
type Result string

const (
	ResultPushed         Result = "pushed"
	ResultUpdated        Result = "updated"
	ResultNoOp           Result = "no-op"
	ResultManualOverride Result = "manual-override"
	ResultFailed         Result = "failed"
)

// Outcome is the structured payload posted to the webhook.
type Outcome struct {
	Result      Result
	PullRequest *ghapi.PullRequest
	Err         error
	Duration    time.Duration
}

const wrapWidth = 72

// Sender posts a pre-rendered text payload. Implemented by *Webhook,
// faked in tests.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Webhook posts {"text": ...} JSON to a Slack-compatible incoming
// webhook URL. No generic webhook/Slack SDK exists anywhere in the
// example corpus (the one chat-bot client available models a full
// gateway bot, not a fire-and-forget POST), so this is a direct
// net/http + encoding/json implementation.
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *Webhook) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return fmt.Errorf("could not marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("could not deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// Notify renders outcome as text and sends it through s. Errors are
// returned for logging but must never affect the caller's exit code.
func Notify(ctx context.Context, s Sender, outcome Outcome) error {
	if s == nil {
		return nil
	}

	text := render(outcome)
	return s.Send(ctx, text)
}

func render(o Outcome) string {
	var summary string
	switch o.Result {
	case ResultPushed:
		summary = fmt.Sprintf("rebasebot: pushed new commits, PR #%d: %s", o.PullRequest.Number, o.PullRequest.HTMLURL)
	case ResultUpdated:
		summary = fmt.Sprintf("rebasebot: updated PR #%d: %s", o.PullRequest.Number, o.PullRequest.HTMLURL)
	case ResultNoOp:
		summary = "rebasebot: no changes to carry, nothing to do"
	case ResultManualOverride:
		summary = fmt.Sprintf("rebasebot: PR #%d is under manual override, skipped", o.PullRequest.Number)
	case ResultFailed:
		summary = fmt.Sprintf("rebasebot: run failed after %s: %v", o.Duration.Round(time.Second), o.Err)
	default:
		summary = fmt.Sprintf("rebasebot: unknown result %q", o.Result)
	}

	return wordwrap.String(summary, wrapWidth)
}
