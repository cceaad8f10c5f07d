// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package credential unifies the two ways rebasebot authenticates
// against a hosting provider: a static personal access token, or a
// GitHub App installation token minted from a signed JWT. Callers
// never branch on which variant is in use.
package credential

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v71/github"
)

// Credential is the capability interface the workspace manager and
// provider client consume. Token is asked for before every network
// operation; since GitHub App installation tokens expire after one
// hour, the App variant mints a new one once the cached token is within
// a minute of expiry.
type Credential interface {
	// Token returns a short-lived (or static) bearer token valid for
	// the lifetime of a single network operation.
	Token(ctx context.Context) (string, error)

	// GitAuth returns the go-git transport auth method to use for
	// HTTPS clone/fetch/push against the hosting provider.
	GitAuth(ctx context.Context) (transport.AuthMethod, error)
}

// UserTokenCredential wraps a static personal access token.
type UserTokenCredential struct {
	Username string
	Token_   string
}

func NewUserTokenCredential(username, token string) *UserTokenCredential {
	return &UserTokenCredential{Username: username, Token_: token}
}

func (c *UserTokenCredential) Token(ctx context.Context) (string, error) {
	return c.Token_, nil
}

func (c *UserTokenCredential) GitAuth(ctx context.Context) (transport.AuthMethod, error) {
	username := c.Username
	if username == "" {
		username = "x-access-token"
	}
	return &gogithttp.BasicAuth{
		Username: username,
		Password: c.Token_,
	}, nil
}

// AppInstallationCredential mints installation access tokens from a
// GitHub App's private key, caching until shortly before expiry.
type AppInstallationCredential struct {
	AppID          int64
	InstallationID int64
	PrivateKey     []byte
	APIBaseURL     string

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

func NewAppInstallationCredential(appID, installationID int64, privateKeyPEM []byte, apiBaseURL string) *AppInstallationCredential {
	return &AppInstallationCredential{
		AppID:          appID,
		InstallationID: installationID,
		PrivateKey:     privateKeyPEM,
		APIBaseURL:     apiBaseURL,
	}
}

func (c *AppInstallationCredential) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != "" && time.Now().Before(c.expiresAt.Add(-1*time.Minute)) {
		return c.cached, nil
	}

	appJWT, err := c.signAppJWT()
	if err != nil {
		return "", fmt.Errorf("could not sign app jwt: %w", err)
	}

	client := github.NewClient(&http.Client{Timeout: 30 * time.Second})
	if c.APIBaseURL != "" {
		client, err = client.WithEnterpriseURLs(c.APIBaseURL, c.APIBaseURL)
		if err != nil {
			return "", fmt.Errorf("could not configure enterprise client: %w", err)
		}
	}
	client = client.WithAuthToken(appJWT)

	tok, _, err := client.Apps.CreateInstallationToken(ctx, c.InstallationID, nil)
	if err != nil {
		return "", fmt.Errorf("could not mint installation token: %w", err)
	}

	c.cached = tok.GetToken()
	c.expiresAt = tok.GetExpiresAt().Time

	return c.cached, nil
}

func (c *AppInstallationCredential) GitAuth(ctx context.Context) (transport.AuthMethod, error) {
	tok, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}
	return &gogithttp.BasicAuth{
		Username: "x-access-token",
		Password: tok,
	}, nil
}

func (c *AppInstallationCredential) signAppJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(c.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("could not parse app private key: %w", err)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", c.AppID),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}
