package platform

import (
	"encoding/base64"
	"strings"
	"testing"

	"go.jetify.com/typeid"
)

func TestRunnerTokenCarriesTypeIDAndSecret(t *testing.T) {
	t.Parallel()

	token, err := newRunnerToken()
	if err != nil {
		t.Fatalf("newRunnerToken returned error: %v", err)
	}
	id, secret, ok := strings.Cut(token, ".")
	if !ok {
		t.Fatalf("expected token to contain a secret, got %q", token)
	}
	parsed, err := typeid.FromString(id)
	if err != nil {
		t.Fatalf("expected token id to be a typeid, got %q: %v", id, err)
	}
	if got, want := parsed.Prefix(), runnerTokenPrefix; got != want {
		t.Fatalf("unexpected token prefix: got %q want %q", got, want)
	}
	raw, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil || len(raw) != runnerSecretBytes {
		t.Fatalf("unexpected token secret %q: %d bytes (%v)", secret, len(raw), err)
	}
	if got := runnerTokenID(token); got != id {
		t.Fatalf("unexpected token id: got %q want %q", got, id)
	}
}

func TestRunnerTokensAreUnique(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for range 16 {
		token, err := newRunnerToken()
		if err != nil {
			t.Fatalf("newRunnerToken returned error: %v", err)
		}
		if seen[token] {
			t.Fatalf("duplicate runner token %q", token)
		}
		seen[token] = true
	}
}
