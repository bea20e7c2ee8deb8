package server

import "net/http"

// SecurityConfig controls the hardening headers on API responses. Zero-valued
// fields fall back to safe defaults. The default CSP allows media and blob
// sources because DASH players fetch segments through object URLs.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameAncestors        string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func defaultContentSecurityPolicy(frameAncestors string) string {
	return "default-src 'self'; " +
		"connect-src 'self' https: wss:; " +
		"media-src 'self' https: blob:; " +
		"img-src 'self' data:; " +
		"script-src 'self'; " +
		"style-src 'self'; " +
		"object-src 'none'; " +
		"base-uri 'self'; " +
		"frame-ancestors " + orDefault(frameAncestors, "'none'") + "; " +
		"form-action 'self'"
}

// headers resolves the effective header set once so the middleware only
// copies values per request.
func (cfg SecurityConfig) headers() map[string]string {
	frameAncestors := orDefault(cfg.FrameAncestors, "'none'")
	return map[string]string{
		"Content-Security-Policy": orDefault(cfg.ContentSecurityPolicy, defaultContentSecurityPolicy(frameAncestors)),
		"X-Frame-Options":         orDefault(cfg.FrameOptions, "DENY"),
		"X-Content-Type-Options":  orDefault(cfg.ContentTypeOptions, "nosniff"),
		"Referrer-Policy":         orDefault(cfg.ReferrerPolicy, "no-referrer"),
		"Permissions-Policy":      orDefault(cfg.PermissionsPolicy, "camera=(), microphone=(), geolocation=()"),
	}
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	headers := cfg.headers()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for name, value := range headers {
			w.Header().Set(name, value)
		}
		next.ServeHTTP(w, r)
	})
}
