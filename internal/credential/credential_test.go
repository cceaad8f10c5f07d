// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package credential

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/golang-jwt/jwt/v4"
)

func TestUserTokenCredentialToken(t *testing.T) {
	c := NewUserTokenCredential("x-access-token", "sekret")
	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "sekret" {
		t.Errorf("Token() = %q, want %q", tok, "sekret")
	}
}

func TestUserTokenCredentialGitAuthDefaultsUsername(t *testing.T) {
	c := NewUserTokenCredential("", "sekret")
	auth, err := c.GitAuth(context.Background())
	if err != nil {
		t.Fatalf("GitAuth: %v", err)
	}
	basic, ok := auth.(*gogithttp.BasicAuth)
	if !ok {
		t.Fatalf("GitAuth() returned %T, want *http.BasicAuth", auth)
	}
	if basic.Username != "x-access-token" {
		t.Errorf("Username = %q, want default x-access-token", basic.Username)
	}
	if basic.Password != "sekret" {
		t.Errorf("Password = %q, want %q", basic.Password, "sekret")
	}
}

func TestUserTokenCredentialGitAuthKeepsExplicitUsername(t *testing.T) {
	c := NewUserTokenCredential("someone", "sekret")
	auth, err := c.GitAuth(context.Background())
	if err != nil {
		t.Fatalf("GitAuth: %v", err)
	}
	basic := auth.(*gogithttp.BasicAuth)
	if basic.Username != "someone" {
		t.Errorf("Username = %q, want %q", basic.Username, "someone")
	}
}

func generateTestKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
	return key, pemBytes
}

func TestAppInstallationCredentialSignAppJWT(t *testing.T) {
	key, pemBytes := generateTestKeyPEM(t)
	c := NewAppInstallationCredential(123, 456, pemBytes, "")

	tokStr, err := c.signAppJWT()
	if err != nil {
		t.Fatalf("signAppJWT: %v", err)
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tokStr, claims, func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	if err != nil {
		t.Fatalf("ParseWithClaims: %v", err)
	}
	if !parsed.Valid {
		t.Fatalf("parsed token is not valid")
	}
	if claims.Issuer != "123" {
		t.Errorf("Issuer = %q, want %q", claims.Issuer, "123")
	}
}

func TestAppInstallationCredentialSignAppJWTRejectsBadKey(t *testing.T) {
	c := NewAppInstallationCredential(1, 1, []byte("not a pem key"), "")
	if _, err := c.signAppJWT(); err == nil {
		t.Fatalf("signAppJWT() = nil error, want error for malformed key")
	}
}

func TestAppInstallationCredentialTokenUsesCache(t *testing.T) {
	_, pemBytes := generateTestKeyPEM(t)
	c := NewAppInstallationCredential(1, 1, pemBytes, "")
	c.cached = "cached-token"
	c.expiresAt = time.Now().Add(time.Hour)

	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "cached-token" {
		t.Errorf("Token() = %q, want cached value %q", tok, "cached-token")
	}
}

func TestAppInstallationCredentialGitAuthUsesToken(t *testing.T) {
	_, pemBytes := generateTestKeyPEM(t)
	c := NewAppInstallationCredential(1, 1, pemBytes, "")
	c.cached = "cached-token"
	c.expiresAt = time.Now().Add(time.Hour)

	auth, err := c.GitAuth(context.Background())
	if err != nil {
		t.Fatalf("GitAuth: %v", err)
	}
	basic := auth.(*gogithttp.BasicAuth)
	if basic.Username != "x-access-token" {
		t.Errorf("Username = %q, want x-access-token", basic.Username)
	}
	if basic.Password != "cached-token" {
		t.Errorf("Password = %q, want cached-token", basic.Password)
	}
}
