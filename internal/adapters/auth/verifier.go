// Package auth verifies admission tokens at the transport edge. Tokens are
// issued by the account service; this side only checks the signature and
// lifts the identity out of the claims.
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/voxguard/voxguard/internal/domain"
	"github.com/voxguard/voxguard/internal/ports"
)

// Config holds the shared-secret settings. An empty secret leaves the
// verifier rejecting every token.
type Config struct {
	Secret string
	Issuer string
}

// Verifier validates HS256 admission tokens against the shared secret.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(cfg Config) *Verifier {
	return &Verifier{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
	}
}

// tokenClaims is the identity a token admits. The user rides in the
// registered subject claim.
type tokenClaims struct {
	DeviceID string `json:"device_id,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	jwt.RegisteredClaims
}

// Verify checks signature, lifetime and issuer. All failures wrap
// domain.ErrUnauthorized so the gateway maps them to one close code.
func (v *Verifier) Verify(token string) (*ports.AuthClaims, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no verification secret configured", domain.ErrUnauthorized)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", domain.ErrUnauthorized)
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: issuer %q not accepted", domain.ErrUnauthorized, claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token carries no subject", domain.ErrUnauthorized)
	}

	return &ports.AuthClaims{
		UserID:   claims.Subject,
		DeviceID: claims.DeviceID,
		CallID:   claims.CallID,
	}, nil
}
