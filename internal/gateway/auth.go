package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/basket/taskclaw/internal/apperr"
	"github.com/basket/taskclaw/internal/config"
	"github.com/basket/taskclaw/internal/shared"
)

// DevUserHeader carries the user id when no API keys are configured.
const DevUserHeader = "X-User-ID"

// AuthMiddleware resolves the caller's user id. With API keys configured a
// bearer key is required and maps to its user. Without keys the
// DevUserHeader is trusted.
type AuthMiddleware struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewAuthMiddleware creates an auth middleware from config.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{}
	am.Update(cfg)
	return am
}

// Update swaps the key set in place.
func (am *AuthMiddleware) Update(cfg config.AuthConfig) {
	keys := make(map[string]string, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if k.Key == "" || k.UserID == "" {
			continue
		}
		keys[k.Key] = k.UserID
	}
	am.mu.Lock()
	am.keys = keys
	am.mu.Unlock()
}

// DevMode reports whether requests are identified by DevUserHeader.
func (am *AuthMiddleware) DevMode() bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.keys) == 0
}

// Wrap wraps an http.Handler with user resolution.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		userID, ok := am.Resolve(r)
		if !ok {
			writeError(w, apperr.New(apperr.CodeUnauthorized, "authentication required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.WithUserID(r.Context(), userID)))
	})
}

// Resolve returns the user id for r.
func (am *AuthMiddleware) Resolve(r *http.Request) (string, bool) {
	if am.DevMode() {
		uid := strings.TrimSpace(r.Header.Get(DevUserHeader))
		return uid, uid != ""
	}
	key := ExtractAPIKey(r)
	if key == "" {
		return "", false
	}
	return am.lookupKey(key)
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key
// query param. Browsers cannot set headers on websocket upgrades, hence the
// query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey compares against every key in constant time.
func (am *AuthMiddleware) lookupKey(candidate string) (string, bool) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	var (
		userID string
		found  bool
	)
	for k, uid := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			userID, found = uid, true
		}
	}
	return userID, found
}
