// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package driver

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/nishisan-dev/n-vst/internal/vpack"
)

func authElements(t *testing.T, payload []byte) []any {
	t.Helper()
	arr := vpack.Slice(payload)
	n, err := arr.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	out := make([]any, n)
	for i := 0; i < n; i++ {
		el, err := arr.At(i)
		if err != nil {
			t.Fatalf("At(%d): %v", i, err)
		}
		if el.IsInt() {
			out[i], _ = el.GetInt()
		} else {
			out[i], _ = el.GetString()
		}
	}
	return out
}

func TestBasicAuth_Payload(t *testing.T) {
	auth := &BasicAuth{User: "root", Password: "secret"}
	payload, err := auth.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}

	els := authElements(t, payload)
	want := []any{int64(1), int64(1000), "plain", "root", "secret"}
	if len(els) != len(want) {
		t.Fatalf("expected %d elements, got %d", len(want), len(els))
	}
	for i := range want {
		if els[i] != want[i] {
			t.Errorf("element %d: expected %v, got %v", i, want[i], els[i])
		}
	}
}

func TestBasicAuth_RequiresUser(t *testing.T) {
	auth := &BasicAuth{Password: "secret"}
	if _, err := auth.Payload(); err == nil {
		t.Fatal("expected error for basic auth without user")
	}
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func TestJWTAuth_Payload(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"iss": "nvst",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	auth, err := NewJWTAuth(token)
	if err != nil {
		t.Fatalf("NewJWTAuth: %v", err)
	}
	if auth.ExpiresAt().IsZero() {
		t.Error("expected expiry extracted from token")
	}

	payload, err := auth.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	els := authElements(t, payload)
	if len(els) != 4 {
		t.Fatalf("expected 4 elements, got %d", len(els))
	}
	if els[2] != "jwt" || els[3] != token {
		t.Errorf("unexpected payload: %v", els)
	}
}

func TestJWTAuth_Expired(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := NewJWTAuth(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestJWTAuth_Malformed(t *testing.T) {
	if _, err := NewJWTAuth("not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestJWTAuth_NoExpiry(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"iss": "nvst"})
	auth, err := NewJWTAuth(token)
	if err != nil {
		t.Fatalf("NewJWTAuth: %v", err)
	}
	if !auth.ExpiresAt().IsZero() {
		t.Error("expected zero expiry for token without exp")
	}
}
