package util

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"milestonepay/pkg/rbac"
)

// Claims 是身份服务签发的 token 内容
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateJWT creates an HS256 token for a user and role.
func GenerateJWT(userID string, role rbac.Role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseJWT validates the token and returns its user id and role. Unknown
// roles are rejected here so handlers only ever see a valid rbac.Role.
func ParseJWT(tokenStr, secret string) (string, rbac.Role, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", err
	}
	if !token.Valid {
		return "", "", jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" {
		return "", "", errors.Join(jwt.ErrTokenMalformed, errors.New("missing user_id"))
	}

	role, err := rbac.ParseRole(claims.Role)
	if err != nil {
		return "", "", errors.Join(jwt.ErrTokenInvalidClaims, err)
	}
	return claims.UserID, role, nil
}

func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}
