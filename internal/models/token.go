package models

import "github.com/golang-jwt/jwt/v5"

const RoleAdmin = "admin"

// TokenClaims are issued by the auth service; this service only verifies them.
type TokenClaims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *TokenClaims) IsAdmin() bool {
	return c.Role == RoleAdmin
}
