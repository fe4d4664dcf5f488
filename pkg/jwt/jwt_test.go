package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateAccessToken(t *testing.T) {
	manager := NewJWTManager("test-secret-key-at-least-32-chars!!", 15*time.Minute)

	userID := uuid.New()
	tokenString, err := manager.GenerateAccessToken(userID, "dr.smith", "provider")
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)

	claims, err := manager.ValidateToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "dr.smith", claims.Username)
	assert.Equal(t, "provider", claims.Role)
	assert.Equal(t, "carelink-api", claims.Audience)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	manager := NewJWTManager("test-secret-key-at-least-32-chars!!", 15*time.Minute)
	other := NewJWTManager("another-secret-key-that-is-different", 15*time.Minute)

	tokenString, err := manager.GenerateAccessToken(uuid.New(), "pat", "patient")
	require.NoError(t, err)

	_, err = other.ValidateToken(tokenString)
	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewJWTManager("test-secret-key-at-least-32-chars!!", -1*time.Minute)

	tokenString, err := manager.GenerateAccessToken(uuid.New(), "pat", "patient")
	require.NoError(t, err)

	_, err = manager.ValidateToken(tokenString)
	assert.Error(t, err)
}

func TestValidateToken_Garbage(t *testing.T) {
	manager := NewJWTManager("test-secret-key-at-least-32-chars!!", 15*time.Minute)

	_, err := manager.ValidateToken("not.a.token")
	assert.Error(t, err)
}
