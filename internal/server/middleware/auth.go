package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/a-essam23/roomgate/pkg/session"
	"github.com/golang-jwt/jwt/v5"
)

// NewAuthMiddleware identifies the caller from the session cookie or a
// bearer header. A request without a token stays a guest. A token that
// fails verification is rejected with 401.
//
// With an empty jwtSecret the token is not verified and only its subject
// is read: the backend remains the authority and the proxy only needs an
// identity to count connections by.
func NewAuthMiddleware(logger *slog.Logger, jwtSecret, cookieName string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := tokenFrom(r, cookieName)
			if tokenString == "" {
				logger.Debug("No token presented, continuing as guest", slog.String("ip", reqMeta.IP))
				next.ServeHTTP(w, r)
				return
			}

			subject, err := subjectOf(tokenString, jwtSecret)
			if err != nil {
				logger.Warn("Invalid JWT token presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			reqMeta.UserID = subject
			reqMeta.Token = tokenString
			reqMeta.Guest = false
			next.ServeHTTP(w, r)
		})
	}
}

func tokenFrom(r *http.Request, cookieName string) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookieName == "" {
		return ""
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func subjectOf(tokenString, jwtSecret string) (string, error) {
	if jwtSecret == "" {
		return session.SubjectOf(tokenString)
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return "", err
	}
	if claims.Subject == "" {
		return "", jwt.ErrTokenRequiredClaimMissing
	}
	return claims.Subject, nil
}
