package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
)

func signToken(t *testing.T, key []byte, agentID string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
		AgentID: agentID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestTokenValidatorAcceptsMatchingValidToken(t *testing.T) {
	key := []byte("test-secret")
	v := NewTokenValidator(key)
	tok := signToken(t, key, "agent-1", time.Hour)

	require.NoError(t, v.Validate(context.Background(), "agent-1", tok))
}

func TestTokenValidatorRejectsExpiredToken(t *testing.T) {
	key := []byte("test-secret")
	v := NewTokenValidator(key)
	tok := signToken(t, key, "agent-1", -time.Hour)

	err := v.Validate(context.Background(), "agent-1", tok)
	require.Error(t, err)
	require.True(t, coreerrors.Is(err, coreerrors.KindInvalidArgs))
}

func TestTokenValidatorRejectsAgentIDMismatch(t *testing.T) {
	key := []byte("test-secret")
	v := NewTokenValidator(key)
	tok := signToken(t, key, "agent-1", time.Hour)

	err := v.Validate(context.Background(), "agent-2", tok)
	require.Error(t, err)
}

func TestTokenValidatorRejectsWrongSigningKey(t *testing.T) {
	v := NewTokenValidator([]byte("real-secret"))
	tok := signToken(t, []byte("wrong-secret"), "agent-1", time.Hour)

	err := v.Validate(context.Background(), "agent-1", tok)
	require.Error(t, err)
}
