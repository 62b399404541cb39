package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/taskclaw/internal/config"
)

// DefaultMaxRequestBytes bounds request bodies when no limit is configured.
const DefaultMaxRequestBytes = 64 * 1024

// NewCORSMiddleware returns the browser cross-origin policy. Origins are
// exact matches, "*" or a "https://*.example.com" subdomain pattern. When
// disabled it passes requests through untouched.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	match := originMatcher(cfg.AllowedOrigins)

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization", "X-API-Key", DevUserHeader}
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}
	preflight := http.Header{
		"Access-Control-Allow-Methods": {strings.Join(methods, ", ")},
		"Access-Control-Allow-Headers": {strings.Join(headers, ", ")},
		"Access-Control-Max-Age":       {strconv.Itoa(maxAge)},
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			if origin != "" && match(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Expose-Headers", traceHeader)
				for k, v := range preflight {
					w.Header()[k] = v
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originMatcher(allowed []string) func(string) bool {
	exact := make(map[string]bool, len(allowed))
	var suffixes []string
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "*":
			return func(string) bool { return true }
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://*")
			suffixes = append(suffixes, scheme+"://|"+host)
		case o != "":
			exact[o] = true
		}
	}
	return func(origin string) bool {
		if exact[origin] {
			return true
		}
		for _, s := range suffixes {
			scheme, host, _ := strings.Cut(s, "|")
			if strings.HasPrefix(origin, scheme) && strings.HasSuffix(origin, host) && len(origin) > len(scheme)+len(host) {
				return true
			}
		}
		return false
	}
}

// RequestSizeLimitMiddleware caps request bodies at maxBytes.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
