package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles recognised by the control API
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// Context keys for storing auth data in request context
type contextKey string

const (
	claimsContextKey    contextKey = "claims"
	requestIDContextKey contextKey = "request_id"
)

// JWTClaims represents the JWT token claims
type JWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	secret          []byte
	tokenExpiration time.Duration
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(secret string, tokenExpiration time.Duration) *AuthMiddleware {
	if tokenExpiration == 0 {
		tokenExpiration = 24 * time.Hour
	}
	return &AuthMiddleware{
		secret:          []byte(secret),
		tokenExpiration: tokenExpiration,
	}
}

// Middleware authenticates every request. Viewers may only read; operators
// may also run commands.
func (am *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || r.URL.Path == "/api/v1/health" {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := am.extractToken(r)
		if tokenString == "" {
			unauthorized(w, r, ErrCodeMissingAuth, "Authorization header required")
			return
		}

		claims, err := am.ParseToken(tokenString)
		if err != nil {
			unauthorized(w, r, ErrCodeTokenInvalid, "Invalid or expired token")
			return
		}

		if !roleAllows(claims.Role, r.Method) {
			forbidden(w, r, fmt.Sprintf("Role %q may not %s this resource", claims.Role, r.Method))
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func roleAllows(role, method string) bool {
	switch role {
	case RoleOperator:
		return true
	case RoleViewer:
		return method == http.MethodGet || method == http.MethodHead
	}
	return false
}

// extractToken reads a bearer token from the Authorization header, falling
// back to the access_token query parameter for WebSocket clients
func (am *AuthMiddleware) extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return r.URL.Query().Get("access_token")
	}

	// Bearer token format
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return parts[1]
}

// ParseToken validates a signed token and returns its claims
func (am *AuthMiddleware) ParseToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return am.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// GenerateToken generates a new JWT token for a subject and role
func (am *AuthMiddleware) GenerateToken(subject, role string) (string, error) {
	if role != RoleViewer && role != RoleOperator {
		return "", fmt.Errorf("unknown role %q (want %s or %s)", role, RoleViewer, RoleOperator)
	}

	now := time.Now()
	claims := JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(am.tokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(am.secret)
}

// GetClaims retrieves the JWT claims from the context
func GetClaims(ctx context.Context) (*JWTClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*JWTClaims)
	return claims, ok
}

// RequestID returns the request id assigned by the request id middleware
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}
