// Package auth implements the two collaborator interfaces spec.md
// §6.2 names as opaque to the core: AuthTokens (validates an agent's
// identify token) and Validator (rejects ill-typed inbound messages
// before the rate-limit gate).
//
// Grounded on the teacher's apps/mcp-server/internal/api/websocket/
// auth.go (JWT parsing, HMAC signing method check, claim validation),
// trimmed from its connection-limit/IP-whitelist/HMAC-signature
// concerns (out of scope for AgentCom's core, which has no tenant or
// per-connection quota model) down to the single `validate(agent_id,
// token)` contract spec.md requires.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
)

// Claims is the JWT payload AgentCom expects: standard registered
// claims plus the agent id the token authorizes.
type Claims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id"`
}

// TokenValidator validates an agent's identify token, implementing
// spec.md §6.2's AuthTokens collaborator and internal/session's
// Authenticator interface.
type TokenValidator struct {
	signingKey []byte
}

// NewTokenValidator constructs a TokenValidator using signingKey for
// HMAC verification.
func NewTokenValidator(signingKey []byte) *TokenValidator {
	return &TokenValidator{signingKey: signingKey}
}

// Validate parses token, verifies its signature and expiry, and
// checks that its agent_id claim matches the agent_id the identify
// frame asserted (preventing a valid token for one agent being
// replayed to register as another).
func (v *TokenValidator) Validate(ctx context.Context, agentID, token string) error {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return coreerrors.Wrap("TokenValidator.Validate", coreerrors.KindInvalidArgs, err, "parse token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return coreerrors.New("TokenValidator.Validate", coreerrors.KindInvalidArgs, errors.New("invalid token claims"))
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return coreerrors.New("TokenValidator.Validate", coreerrors.KindInvalidArgs, errors.New("token expired"))
	}
	if claims.AgentID == "" || claims.AgentID != agentID {
		return coreerrors.New("TokenValidator.Validate", coreerrors.KindInvalidArgs, errors.New("agent_id claim mismatch"))
	}
	return nil
}
