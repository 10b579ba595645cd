package crypto

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Prophet73/aihub/pkg/models"
)

// IDTokenSigner mints and verifies the HS256 ID tokens issued alongside
// access tokens for OpenID Connect clients. The signing secret is shared
// between the hub and its relying parties.
type IDTokenSigner struct {
	issuer string
	secret []byte
}

// NewIDTokenSigner creates a signer. issuer must be the hub public URL.
func NewIDTokenSigner(issuer string, secret []byte) *IDTokenSigner {
	return &IDTokenSigner{issuer: issuer, secret: secret}
}

// Mint creates a signed ID token for user, audience clientID, valid for ttl.
// Email and name are always asserted; the profile scope adds the detailed
// name claims.
func (s *IDTokenSigner) Mint(user *models.User, clientID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   s.issuer,
		"sub":   user.ID.String(),
		"aud":   clientID,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"email": user.Email,
		"name":  user.Name(),
	}
	if slices.Contains(scopes, "profile") {
		claims["given_name"] = user.FirstName
		claims["family_name"] = user.LastName
		claims["preferred_username"] = user.Email
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a signed ID token, returning its claims.
func (s *IDTokenSigner) Verify(raw string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid ID token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	return claims, nil
}
