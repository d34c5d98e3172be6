package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/papertrade/sync-engine/internal/model"
)

// tokenClaims is the subset of bearer-token claims the engine reads.
type tokenClaims struct {
	PrincipalID string
	Role        model.Role
	Expiry      time.Time
}

// decodeClaims extracts identity and expiry from a bearer token without
// verifying its signature. The client has no verification key; the claims
// drive display and refresh scheduling only, and every authorization
// decision is still enforced by the remote services.
func decodeClaims(bearerToken string) (tokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(bearerToken, claims); err != nil {
		return tokenClaims{}, fmt.Errorf("session: decode token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return tokenClaims{}, fmt.Errorf("session: token has no subject claim")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return tokenClaims{}, fmt.Errorf("session: token has no expiry claim")
	}

	role := model.RoleStandard
	if r, ok := claims["role"].(string); ok && r != "" {
		role = model.Role(r)
	}

	return tokenClaims{
		PrincipalID: sub,
		Role:        role,
		Expiry:      exp.Time,
	}, nil
}
