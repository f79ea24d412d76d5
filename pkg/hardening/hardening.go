// Package hardening refuses insecure settings when running in production.
//
// The checks only apply when ENVIRONMENT is production-like and
// STRICT_PROD_SECURITY is not explicitly false.
package hardening

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// EnvRequirement names a variable that must be non-empty in production.
type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries the raw environment values to check.
type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	ProxyFallback          string
	RequiredServiceSecrets []EnvRequirement
}

var checks = []func(Options) error{
	checkRedis,
	checkCORS,
	checkProxy,
	checkSecrets,
}

// ValidateProduction returns the first violated rule, prefixed with the
// service name.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	for _, check := range checks {
		if err := check(o); err != nil {
			return fmt.Errorf("%s: strict production hardening: %w", service, err)
		}
	}
	return nil
}

func checkRedis(o Options) error {
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !isTrue(o.RedisRequireTLS, false) {
		return fmt.Errorf("REDIS_REQUIRE_TLS=true is required")
	}
	if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
		return fmt.Errorf("REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS are forbidden")
	}
	return nil
}

// checkCORS requires an explicit list of HTTPS origins, none of them
// loopback.
func checkCORS(o Options) error {
	n := 0
	for _, origin := range strings.Split(o.CORSAllowedOrigins, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		n++
		if origin == "*" {
			return fmt.Errorf("CORS wildcard origin is forbidden")
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid CORS origin %q", origin)
		}
		if isLoopback(u.Hostname()) {
			return fmt.Errorf("localhost CORS origin %q is forbidden", origin)
		}
		if !strings.EqualFold(u.Scheme, "https") {
			return fmt.Errorf("CORS origin must be HTTPS, got %q", origin)
		}
	}
	if n == 0 {
		return fmt.Errorf("explicit CORS_ALLOWED_ORIGINS are required")
	}
	return nil
}

// checkProxy requires the remote signer, when set, to be reached over HTTPS.
func checkProxy(o Options) error {
	raw := strings.TrimSpace(o.ProxyFallback)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("SIGN_PROXY_FALLBACK is not a valid URL: %q", raw)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("SIGN_PROXY_FALLBACK must be HTTPS, got %q", raw)
	}
	return nil
}

func checkSecrets(o Options) error {
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s is required", req.Name)
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isTrue(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	return strings.EqualFold(raw, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
