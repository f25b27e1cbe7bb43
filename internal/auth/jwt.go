package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/orderflow/internal/config"
)

// RoleAdmin 可以发起退款与统计回放
const RoleAdmin = "admin"

var ErrMissingToken = errors.New("missing token")

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin 是否管理员
func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// GenerateToken 生成 JWT，有效期取 cfg.TTL
func GenerateToken(cfg config.JWTConfig, subject, role string) (string, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

// ParseToken 解析 JWT，允许带 "Bearer " 前缀
func ParseToken(cfg config.JWTConfig, tokenStr string) (*Claims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
