package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// ScopeOpsAdmin — право на административные действия мониторинга (сброс статистики, оверрайды).
const ScopeOpsAdmin = "ops:admin"

// OperatorClaims — claims токена оператора (RS256, выпускается внешним IdP).
type OperatorClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "ops:admin": true
	jwt.RegisteredClaims
}

// HasScope проверяет наличие права.
func (c *OperatorClaims) HasScope(scope string) bool {
	return c != nil && c.Scopes[scope]
}
