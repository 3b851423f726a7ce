package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/casafleet/casafleet/internal/token"
	_ "github.com/casafleet/casafleet/testing"
)

const testSecret = "test-signing-secret"

func parseClaims(t *testing.T, signed string) jwt.MapClaims {
	t.Helper()
	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	return claims
}

func TestIssueSignsVerifiableCredential(t *testing.T) {
	issuer := token.NewIssuer(testSecret, "casafleet")

	signed, err := issuer.Issue(context.Background(), "42", map[string]any{
		"sid":           int64(7),
		"act":           int64(9),
		"impersonation": true,
	}, 15*time.Minute)
	require.NoError(t, err)

	claims := parseClaims(t, signed)
	require.Equal(t, "casafleet", claims["iss"])
	require.Equal(t, "42", claims["sub"])
	require.Equal(t, float64(7), claims["sid"])
	require.Equal(t, float64(9), claims["act"])
	require.Equal(t, true, claims["impersonation"])

	iat := int64(claims["iat"].(float64))
	exp := int64(claims["exp"].(float64))
	require.Equal(t, int64(15*60), exp-iat)
}

func TestIssueReservedClaimsCannotBeOverridden(t *testing.T) {
	issuer := token.NewIssuer(testSecret, "casafleet")

	signed, err := issuer.Issue(context.Background(), "42", map[string]any{
		"sub": "666",
		"iss": "spoofed",
		"exp": 0,
	}, time.Minute)
	require.NoError(t, err)

	claims := parseClaims(t, signed)
	require.Equal(t, "42", claims["sub"])
	require.Equal(t, "casafleet", claims["iss"])
	require.NotEqual(t, float64(0), claims["exp"])
}

func TestIssueRejectsEmptySubject(t *testing.T) {
	issuer := token.NewIssuer(testSecret, "casafleet")
	if _, err := issuer.Issue(context.Background(), "", nil, time.Minute); err == nil {
		t.Fatal("expected error for empty subject")
	}
}

func TestIssueRejectsNonPositiveTTL(t *testing.T) {
	issuer := token.NewIssuer(testSecret, "casafleet")
	if _, err := issuer.Issue(context.Background(), "42", nil, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestIssueDifferentSecretsDoNotVerify(t *testing.T) {
	issuer := token.NewIssuer("other-secret", "casafleet")
	signed, err := issuer.Issue(context.Background(), "42", nil, time.Minute)
	require.NoError(t, err)

	_, err = jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.Error(t, err)
}
