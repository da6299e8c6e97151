package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kindred/backend/internal/models"
)

type contextKey string

const UserIDKey contextKey = "userID"

// TokenVerifier resolves a bearer token to a principal id.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// HMACVerifier accepts HS256 tokens signed with a shared secret. The
// principal is the "sub" claim, falling back to "user_id". Any role claim is
// ignored; capabilities are derived server-side.
type HMACVerifier struct {
	Secret []byte
}

func (v HMACVerifier) VerifyToken(ctx context.Context, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.Secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrTokenInvalidClaims
	}
	if sub, _ := claims.GetSubject(); sub != "" {
		return sub, nil
	}
	if id, ok := claims["user_id"].(string); ok && id != "" {
		return id, nil
	}
	return "", jwt.ErrTokenInvalidSubject
}

// JWTAuth validates bearer tokens with the given verifiers, first match wins.
func JWTAuth(verifiers ...TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Authorization header required"))
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Invalid authorization header format"))
				return
			}

			for _, v := range verifiers {
				if v == nil {
					continue
				}
				userID, err := v.VerifyToken(r.Context(), parts[1])
				if err != nil || userID == "" {
					continue
				}
				ctx := context.WithValue(r.Context(), UserIDKey, userID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Invalid or expired token"))
		})
	}
}

// ServiceKey guards internal routes called by other backend services.
func ServiceKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Service-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	userID, ok := ctx.Value(UserIDKey).(string)
	if !ok {
		return ""
	}
	return userID
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
