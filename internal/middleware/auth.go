// Package middleware содержит HTTP middleware сервиса учёта задолженностей.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/distributor-ledger/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

const (
	authCookieName = "portal_session"
	authCookieTTL  = 30 * 24 * time.Hour
)

// Actor описывает действующее лицо запроса: адрес счёта и роль.
// Аутентификация выполняется внешней системой; сервис доверяет только
// подписанному cookie, выданному на её основании.
type Actor struct {
	Email string
	Role  model.Role
}

// AuthMiddleware проверяет подписанный cookie сессии.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie сессии и добавляет действующее лицо в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		actor, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePrivileged пропускает только администраторов и производителей.
// Применяется после Middleware.
func RequirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := GetActorFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if !actor.Role.Privileged() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetAuthCookie устанавливает cookie сессии для указанного действующего лица.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, actor Actor) {
	value := a.sign(actor.Email + "|" + string(actor.Role))

	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return payload + "|" + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (Actor, bool) {
	idx := strings.LastIndexByte(cookieValue, '|')
	if idx <= 0 {
		return Actor{}, false
	}

	payload := cookieValue[:idx]

	expected := a.sign(payload)
	if !hmac.Equal([]byte(cookieValue), []byte(expected)) {
		return Actor{}, false
	}

	parts := strings.Split(payload, "|")
	if len(parts) != 2 || parts[0] == "" {
		return Actor{}, false
	}

	role := model.Role(parts[1])
	switch role {
	case model.RoleDistributor, model.RoleManufacturer, model.RoleAdmin:
	default:
		return Actor{}, false
	}

	return Actor{Email: parts[0], Role: role}, true
}

// GetActorFromContext извлекает действующее лицо из контекста запроса.
func GetActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}
