// Package token implements the credential issuer collaborator: it accepts a
// subject, claims and a ttl, and returns an opaque bearer credential. The
// rest of the engine never inspects or verifies tokens.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer mints bearer credentials as HS256-signed JWTs.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewIssuer constructs an Issuer with the given signing secret.
func NewIssuer(secret, issuer string) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a credential for subject carrying the supplied claims, valid
// for ttl from now. Registered claims cannot be overridden by callers.
func (i *Issuer) Issue(ctx context.Context, subject string, claims map[string]any, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("token: subject required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token: ttl must be positive")
	}
	now := i.now()
	mapClaims := jwt.MapClaims{}
	for k, v := range claims {
		switch k {
		case "iss", "sub", "iat", "exp":
			continue
		}
		mapClaims[k] = v
	}
	mapClaims["iss"] = i.issuer
	mapClaims["sub"] = subject
	mapClaims["iat"] = now.Unix()
	mapClaims["exp"] = now.Add(ttl).Unix()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}
