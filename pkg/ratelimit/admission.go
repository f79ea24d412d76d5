package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/markenriz8-crypto/signapi-markuz/pkg/httpx"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signerr"
)

// Admission grants Points requests per client identifier and window.
type Admission struct {
	Limiter Limiter
	Points  int
	// OnReject is called for every rejected request, e.g. to count it.
	OnReject func(clientID string)
	Now      func() time.Time
}

// Consume takes one point from clientID's bucket and returns a
// signerr.RateLimited error once the bucket is empty.
func (a *Admission) Consume(clientID string) (Decision, error) {
	if a == nil || a.Limiter == nil {
		return Decision{Allowed: true}, nil
	}
	if clientID == "" {
		clientID = "unknown"
	}
	d := a.Limiter.Allow(clientID, a.Points)
	if d.Allowed {
		return d, nil
	}
	if a.OnReject != nil {
		a.OnReject(clientID)
	}
	return d, signerr.New(signerr.RateLimited, "Too many requests")
}

// Middleware rejects requests with 429 before they reach next. clientID
// extracts the client identifier, typically the remote address.
func (a *Admission) Middleware(clientID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := a.Consume(clientID(r))
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if err != nil {
				now := time.Now()
				if a.Now != nil {
					now = a.Now()
				}
				secs := int(math.Ceil(d.RetryAfter(now).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				httpx.WriteJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "error": "Too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
