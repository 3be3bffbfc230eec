package engine

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims is the expected claim set for an operator admin token: a
// subject identifying the operator and the standard registered claims
// (exp/iat/nbf) jwt/v5 validates automatically.
type AdminClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// VerifyAdminToken validates a signed admin token against signingKey and
// returns its claims. It is not wired to any HTTP route: the operator
// interface described here (SourceConfig, RestartComponent, TriggerSnapshot)
// is exposed as Go-level Engine methods for an operator tool to call
// directly, not as a REST admin API — no route authenticates with it today.
func VerifyAdminToken(token string, signingKey []byte) (*AdminClaims, error) {
	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("engine: unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: verify admin token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("engine: admin token invalid")
	}
	return claims, nil
}
