// Package middleware содержит HTTP middleware для сервиса расчётов по заказам.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 12 * time.Hour

	// RoleAdmin — роль, которой разрешено обходить правило минимального аванса.
	RoleAdmin = "admin"
)

// Identity описывает пользователя, от имени которого выполняется запрос.
type Identity struct {
	Executive string
	Role      string
}

// Privileged сообщает, освобождён ли пользователь от правила минимального аванса.
func (i Identity) Privileged() bool {
	return i.Role == RoleAdmin
}

// AuthMiddleware выполняет проверку подписанного cookie, выданного сервисом сессий.
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

// Middleware проверяет cookie авторизации и добавляет данные пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		identity, ok := a.parseToken(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie авторизации для указанного пользователя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, identity Identity) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.SignIdentity(identity),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

// SignIdentity формирует подписанный токен вида payload.signature.
func (a *AuthMiddleware) SignIdentity(identity Identity) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(identity.Executive + "\n" + identity.Role))
	return payload + "." + a.sign(payload)
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (Identity, bool) {
	payload, signature, found := strings.Cut(token, ".")
	if !found {
		return Identity{}, false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(payload))) {
		return Identity{}, false
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Identity{}, false
	}

	executive, role, found := strings.Cut(string(raw), "\n")
	if !found || executive == "" {
		return Identity{}, false
	}

	return Identity{Executive: executive, Role: role}, true
}

// GetIdentityFromContext извлекает данные пользователя из контекста запроса.
func GetIdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// WithIdentity возвращает контекст с данными пользователя.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}
