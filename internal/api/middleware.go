package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

type contextKey string

const tenantContextKey contextKey = "tenant_id"

// TenantFromContext extracts the authenticated tenant id.
func TenantFromContext(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantContextKey).(string)
	return tenant
}

// tenantMiddleware resolves the tenant on every protected request. With a
// JWT secret configured it requires a Bearer token carrying a `tenant_id`
// claim; without one (dev mode) a plain X-Tenant-ID header is accepted.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := s.resolveTenant(r)
		if err != nil {
			s.logger.WithError(err).WithField("path", r.URL.Path).Warn("Request rejected")
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
			return
		}
		ctx := context.WithValue(r.Context(), tenantContextKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) resolveTenant(r *http.Request) (string, error) {
	if len(s.jwtSecret) == 0 {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			return "", fmt.Errorf("missing X-Tenant-ID header")
		}
		return tenant, nil
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", fmt.Errorf("missing bearer token")
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	tenant, _ := claims["tenant_id"].(string)
	if tenant == "" {
		return "", fmt.Errorf("token carries no tenant_id claim")
	}
	return tenant, nil
}

// requestLogging logs every request with its tenant once handled.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"tenant": TenantFromContext(r.Context()),
		}).Debug("Request handled")
	})
}
