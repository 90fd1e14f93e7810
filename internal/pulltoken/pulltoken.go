// Package pulltoken mints the short-lived registry credential handed to a
// runner with each claimed job. A token only authorises pulling one project
// repository and expires shortly after the job's own timeout.
package pulltoken

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const (
	issuerName = "benchroom"
	audience   = "benchroom-registry"

	// DefaultPullAllowance covers image pull and VM boot before the job
	// timeout starts counting.
	DefaultPullAllowance = 300 * time.Second

	minSecretBytes = 32
)

type Claims struct {
	jwt.Claims
	Project    uuid.UUID `json:"project"`
	Repository string    `json:"repository"`
	Actions    []string  `json:"actions"`
}

// Allows reports whether the token may pull repository within project.
func (c Claims) Allows(project uuid.UUID, repository string) bool {
	return c.Project == project && c.Repository == repository && slices.Contains(c.Actions, "pull")
}

type Options struct {
	Secret        []byte
	PullAllowance time.Duration
	Now           func() time.Time
}

type Issuer struct {
	signer        jose.Signer
	secret        []byte
	pullAllowance time.Duration
	now           func() time.Time
}

func NewIssuer(opts Options) (*Issuer, error) {
	if len(opts.Secret) < minSecretBytes {
		return nil, fmt.Errorf("pull token secret must be at least %d bytes", minSecretBytes)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: opts.Secret},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("create pull token signer: %w", err)
	}
	allowance := opts.PullAllowance
	if allowance <= 0 {
		allowance = DefaultPullAllowance
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		signer:        signer,
		secret:        slices.Clone(opts.Secret),
		pullAllowance: allowance,
		now:           now,
	}, nil
}

// Mint issues a pull-only token for project/repository that lives for the
// pull allowance plus timeout.
func (i *Issuer) Mint(project uuid.UUID, repository string, timeout time.Duration) (string, time.Time, error) {
	repository = strings.TrimSpace(repository)
	if project == uuid.Nil || repository == "" {
		return "", time.Time{}, fmt.Errorf("%w: pull token needs a project and repository", errdefs.ErrInvalidArgument)
	}
	now := i.now().UTC()
	expiry := now.Add(i.pullAllowance + timeout)
	claims := Claims{
		Claims: jwt.Claims{
			Issuer:    issuerName,
			Subject:   project.String(),
			Audience:  jwt.Audience{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(expiry),
			ID:        uuid.NewString(),
		},
		Project:    project,
		Repository: repository,
		Actions:    []string{"pull"},
	}
	token, err := jwt.Signed(i.signer).Claims(claims).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign pull token: %w", err)
	}
	return token, expiry, nil
}

// Verify checks the signature and time window of token and returns its claims.
func (i *Issuer) Verify(token string) (Claims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: malformed pull token: %v", errdefs.ErrUnauthenticated, err)
	}
	var claims Claims
	if err := parsed.Claims(i.secret, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: invalid pull token signature", errdefs.ErrUnauthenticated)
	}
	err = claims.ValidateWithLeeway(jwt.Expected{
		Issuer:      issuerName,
		AnyAudience: jwt.Audience{audience},
		Time:        i.now(),
	}, 0)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return Claims{}, fmt.Errorf("%w: pull token expired", errdefs.ErrUnauthenticated)
		}
		return Claims{}, fmt.Errorf("%w: pull token rejected: %v", errdefs.ErrUnauthenticated, err)
	}
	return claims, nil
}
