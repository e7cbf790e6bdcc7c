// Package identity resolves the requesting user for API and websocket calls.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"
)

const (
	// UserHeaderName carries the mobile client's account id.
	UserHeaderName = "X-User-ID"
	// AnonCookieName is the fallback identity for clients without an account.
	AnonCookieName   = "iep_anon_id"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const userIDKey contextKey = iota

var (
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

// Middleware resolves the user identity for every request. Mobile clients
// send their account id in a header; browser clients without one get a
// persistent anonymous cookie.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(UserHeaderName)
			if userID != "" && !userIDPattern.MatchString(userID) {
				http.Error(w, "invalid user id", http.StatusBadRequest)
				return
			}

			if userID == "" {
				userID = anonIDFromCookie(w, r, isDev)
				if userID == "" {
					http.Error(w, "identity unavailable", http.StatusInternalServerError)
					return
				}
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func anonIDFromCookie(w http.ResponseWriter, r *http.Request, isDev bool) string {
	if cookie, err := r.Cookie(AnonCookieName); err == nil && anonIDPattern.MatchString(cookie.Value) {
		return cookie.Value
	}

	anonID, err := generateAnonID()
	if err != nil {
		slog.Error("Failed to generate anonymous id", "error", err)
		return ""
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    anonID,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   !isDev,
		SameSite: http.SameSiteLaxMode,
	})
	return anonID
}
