package platform

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"go.jetify.com/typeid"
)

const (
	runnerTokenPrefix = "brt"
	runnerSecretBytes = 24
)

// newRunnerToken returns a bearer token for a newly registered runner: a
// typeid naming the registration, a dot, then a random secret. The typeid half
// is time ordered and guessable, so the secret carries the authentication.
func newRunnerToken() (string, error) {
	id, err := typeid.WithPrefix(runnerTokenPrefix)
	if err != nil {
		return "", fmt.Errorf("generate runner token id: %w", err)
	}
	secret := make([]byte, runnerSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate runner token secret: %w", err)
	}
	return id.String() + "." + base64.RawURLEncoding.EncodeToString(secret), nil
}

// runnerTokenID returns the typeid half of a runner token, for logging.
func runnerTokenID(token string) string {
	id, _, _ := strings.Cut(token, ".")
	return id
}
