package review

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// ModeratorClaims asserts a moderator identity on API calls. The subject
// doubles as the moderator id.
type ModeratorClaims struct {
	jwt.RegisteredClaims
	ModeratorID string `json:"moderatorId"`
	Role        Role   `json:"role"`
}

// SignModeratorToken mints an HS256 token for a moderator, valid for ttl.
func SignModeratorToken(key []byte, moderatorID string, role Role, ttl time.Duration, now time.Time) (string, error) {
	if len(key) == 0 {
		return "", fault.New(fault.CodeInputInvalid, "signing key must not be empty")
	}
	if moderatorID == "" {
		return "", fault.New(fault.CodeInputInvalid, "token needs a moderator id")
	}
	if role.Rank() == 0 {
		return "", fault.New(fault.CodeInputInvalid, "unknown role %q", role)
	}

	claims := ModeratorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   moderatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ModeratorID: moderatorID,
		Role:        role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fault.Wrap(fault.CodeSignatureError, err, "signing moderator token")
	}
	return signed, nil
}

// ParseModeratorToken validates a token fail-closed: the algorithm is
// pinned to HS256, expiry is enforced, and the claims must carry a known
// role and a moderator id.
func ParseModeratorToken(key []byte, tokenStr string) (*ModeratorClaims, error) {
	claims := &ModeratorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fault.Wrap(fault.CodeSignatureError, err, "validating moderator token")
	}
	if !token.Valid {
		return nil, fault.New(fault.CodeSignatureError, "moderator token is invalid")
	}
	if claims.ModeratorID == "" {
		claims.ModeratorID = claims.Subject
	}
	if claims.ModeratorID == "" {
		return nil, fault.New(fault.CodeSignatureError, "moderator token has no moderator id")
	}
	if claims.Role.Rank() == 0 {
		return nil, fault.New(fault.CodeSignatureError, "moderator token has unknown role %q", claims.Role)
	}
	return claims, nil
}
