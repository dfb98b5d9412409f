package review

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

var tokenKey = []byte("0123456789abcdef0123456789abcdef")

func TestModeratorTokenRoundTrip(t *testing.T) {
	signed, err := SignModeratorToken(tokenKey, "mod-rivera", RoleSenior, time.Hour, time.Now())
	require.NoError(t, err)

	claims, err := ParseModeratorToken(tokenKey, signed)
	require.NoError(t, err)
	assert.Equal(t, "mod-rivera", claims.ModeratorID)
	assert.Equal(t, RoleSenior, claims.Role)
	assert.Equal(t, "mod-rivera", claims.Subject)
}

func TestModeratorTokenWrongKeyRejected(t *testing.T) {
	signed, err := SignModeratorToken(tokenKey, "mod-rivera", RoleSenior, time.Hour, time.Now())
	require.NoError(t, err)

	_, err = ParseModeratorToken([]byte("fedcba9876543210fedcba9876543210"), signed)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeSignatureError))
}

func TestModeratorTokenExpiredRejected(t *testing.T) {
	signed, err := SignModeratorToken(tokenKey, "mod-rivera", RoleSenior, time.Hour, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	_, err = ParseModeratorToken(tokenKey, signed)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeSignatureError))
}

func TestModeratorTokenRequiresExpiry(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ModeratorClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mod-rivera"},
		ModeratorID:      "mod-rivera",
		Role:             RoleSenior,
	})
	signed, err := token.SignedString(tokenKey)
	require.NoError(t, err)

	_, err = ParseModeratorToken(tokenKey, signed)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeSignatureError))
}

func TestModeratorTokenUnknownRoleRejected(t *testing.T) {
	_, err := SignModeratorToken(tokenKey, "mod-rivera", Role("root"), time.Hour, time.Now())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeInputInvalid))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ModeratorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mod-rivera",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ModeratorID: "mod-rivera",
		Role:        Role("root"),
	})
	signed, err := token.SignedString(tokenKey)
	require.NoError(t, err)

	_, err = ParseModeratorToken(tokenKey, signed)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeSignatureError))
}

func TestModeratorTokenSubjectFallback(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "mod-rivera",
		"role": "lead",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(tokenKey)
	require.NoError(t, err)

	claims, err := ParseModeratorToken(tokenKey, signed)
	require.NoError(t, err)
	assert.Equal(t, "mod-rivera", claims.ModeratorID)
	assert.Equal(t, RoleLead, claims.Role)
}

func TestSignModeratorTokenValidatesInput(t *testing.T) {
	_, err := SignModeratorToken(nil, "mod-rivera", RoleSenior, time.Hour, time.Now())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeInputInvalid))

	_, err = SignModeratorToken(tokenKey, "", RoleSenior, time.Hour, time.Now())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeInputInvalid))
}
