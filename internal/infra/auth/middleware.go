package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-opscore/internal/domain"
)

// TokenValidator — интерфейс проверки токенов оператора
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.OperatorClaims, error)
}

type ctxKey struct{}

// ClaimsFromContext достает claims, положенные middleware.
func ClaimsFromContext(ctx context.Context) (*domain.OperatorClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*domain.OperatorClaims)
	return c, ok
}

// NewMiddleware пропускает только запросы с валидным токеном и нужным scope.
// Пустой requiredScope — достаточно валидной подписи.
func NewMiddleware(v TokenValidator, requiredScope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if requiredScope != "" && !claims.HasScope(requiredScope) {
				logger.Warn("insufficient scope",
					zap.String("user_id", claims.UserID),
					zap.String("required", requiredScope))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			// Прокидываем данные в контекст
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
		})
	}
}
