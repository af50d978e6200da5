package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pgil256/juntas-seguras-sub003/session"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// AuthMiddleware checks if the caller has a valid session
func AuthMiddleware(sessionRepo session.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(session.CookieName)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			sess, err := sessionRepo.GetByToken(r.Context(), cookie.Value)
			if err != nil {
				slog.Info("invalid/expired session")
				http.SetCookie(w, &http.Cookie{
					Name:   session.CookieName,
					Value:  "",
					Path:   "/",
					MaxAge: -1,
				})
				next.ServeHTTP(w, r)
				return
			}

			// Valid session - add user ID to context
			ctx := context.WithValue(r.Context(), UserIDKey, sess.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects unauthenticated API calls
func RequireAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Context().Value(UserIDKey)
			if userID == nil {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return userID, ok
}

// IsAuthenticated checks if the caller is authenticated
func IsAuthenticated(ctx context.Context) bool {
	_, ok := GetUserID(ctx)
	return ok
}
