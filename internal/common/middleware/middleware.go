// Package middleware provides the HTTP cross-cutting concerns shared
// across the service's routes: JWT authentication, CORS, request
// logging, and panic recovery. Grounded on the teacher's
// cmd/auth/main.go wiring (CORS -> Logging -> Recovery -> mux) and on
// internal/auth/routes.go and handler.go's call sites for JWTAuth,
// GetUserIDFromContext, and token generation, since the middleware
// package itself did not survive retrieval.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kmassidik/walletledger/internal/common/config"
	"github.com/kmassidik/walletledger/internal/common/logger"
)

type contextKey string

const (
	userIDContextKey        contextKey = "userID"
	correlationIDContextKey contextKey = "correlationID"
)

// claims is the JWT payload minted by GenerateToken.
type claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken mints a short-lived access token for userID/email.
func GenerateToken(userID, email string, cfg config.JWTConfig) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.AccessTokenTTL)),
		},
	})
	return token.SignedString([]byte(cfg.Secret))
}

// GenerateRefreshToken mints a long-lived opaque-looking token. It
// carries the same claims shape as an access token so a single
// ParseToken can validate either, distinguished only by TTL.
func GenerateRefreshToken(userID string, cfg config.JWTConfig) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.RefreshTokenTTL)),
		},
	})
	return token.SignedString([]byte(cfg.Secret))
}

// ParseToken validates tokenString against secret and returns the
// embedded user id.
func ParseToken(tokenString, secret string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	return c.UserID, nil
}

// JWTAuth rejects requests without a valid "Bearer <token>"
// Authorization header, stashing the user id in the request context
// on success.
func JWTAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}

			userID, err := ParseToken(strings.TrimPrefix(header, "Bearer "), secret)
			if err != nil {
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserIDFromContext retrieves the user id stashed by JWTAuth.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDContextKey).(string)
	return id, ok
}

// CORS allows any origin; the service is accessed only through a
// trusted gateway in front of it, per spec.md's deployment shape.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging logs method, path, status, and latency for every request.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Infof("%s %s %d %s", r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}

// Recovery converts a panicking handler into a 500 response instead of
// crashing the process.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Errorf("panic recovered: %v", err)
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// CorrelationID stashes the request's X-Correlation-Id header into the
// request context, generating one with newRequestID when the caller
// didn't supply it, and echoes it back on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			generated, err := newRequestID()
			if err == nil {
				id = generated
			}
		}
		w.Header().Set("X-Correlation-Id", id)
		ctx := context.WithValue(r.Context(), correlationIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationIDFromContext retrieves the id stashed by CorrelationID.
func GetCorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDContextKey).(string)
	return id, ok
}

// newRequestID generates a short random id for request tracing.
func newRequestID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
