// Package signing turns a sign request into a normalized response, falling
// back to alternate backend methods and then to a remote signer.
package signing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markenriz8-crypto/signapi-markuz/pkg/httpx"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/logging"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/metrics"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/normalize"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/recovery"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signer"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signerr"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const signatureRecordLen = 16

// Backend is the part of the loader the coordinator needs.
type Backend interface {
	Load(ctx context.Context) signer.State
	Capability() (*signer.Capability, bool)
}

type Response struct {
	Success   bool    `json:"success"`
	SignedURL *string `json:"signedUrl"`
	Signature *string `json:"signature"`
	Timestamp int64   `json:"timestamp"`
	Raw       any     `json:"raw"`
}

// Proxied is a remote signer answer relayed without normalization.
type Proxied struct {
	Status int
	Body   []byte
}

// Outcome carries exactly one of Response or Proxied.
type Outcome struct {
	Response *Response
	Proxied  *Proxied
}

type Coordinator struct {
	Backend Backend

	// ProxyURL enables delegation when no backend is ready.
	ProxyURL     string
	ProxyClient  *http.Client
	ProxyRetries int

	// Pool bounds concurrent backend invocations. Nil runs them inline.
	Pool *ants.Pool
	// Timeout bounds one backend invocation. Zero waits forever.
	Timeout time.Duration

	Faults  *recovery.Faults
	Metrics *metrics.Registry
	Log     logging.Logger
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Sign validates rawURL, signs it with the backend or the proxy and
// normalizes the result. Errors are always *signerr.Error.
func (c *Coordinator) Sign(ctx context.Context, rawURL string) (Outcome, error) {
	ctx, span := c.tracer().Start(ctx, "signing.Sign")
	defer span.End()

	out, err := c.sign(ctx, rawURL)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(signerr.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	case out.Proxied != nil:
		outcome = "proxied"
	}
	if c.Metrics != nil {
		c.Metrics.SignTotal.WithLabelValues(outcome).Inc()
	}
	span.SetAttributes(attribute.String("sign.outcome", outcome))
	return out, err
}

func (c *Coordinator) sign(ctx context.Context, rawURL string) (Outcome, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Outcome{}, signerr.New(signerr.InvalidInput, "Missing url parameter")
	}
	if c.Backend == nil {
		return c.fallback(ctx, rawURL)
	}
	capability, ok := c.Backend.Capability()
	if !ok {
		c.Backend.Load(ctx)
		capability, ok = c.Backend.Capability()
	}
	if !ok || capability == nil || capability.Sign == nil {
		return c.fallback(ctx, rawURL)
	}

	raw, err := c.invoke(ctx, capability, rawURL)
	if err != nil {
		return Outcome{}, err
	}
	res, err := normalize.Normalize(raw)
	if err != nil {
		return Outcome{}, err
	}
	resp := &Response{
		Success:   true,
		SignedURL: &res.SignedURL,
		Signature: res.Signature,
		Timestamp: c.now().UnixMilli(),
		Raw:       res.Raw,
	}
	c.record(rawURL, capability.Source, res.Signature)
	return Outcome{Response: resp}, nil
}

// invoke calls the primary sign function, then each alternate method in
// turn. The primary error is the one reported when everything fails.
func (c *Coordinator) invoke(ctx context.Context, capability *signer.Capability, rawURL string) (any, error) {
	raw, primaryErr := c.call(ctx, "sign", capability.Sign, rawURL)
	if primaryErr == nil {
		return raw, nil
	}
	log := logging.OrNop(c.Log)
	log.Warn("primary sign failed, trying alternates", "source", capability.Source, "error", primaryErr)
	for _, alt := range capability.Alternates() {
		raw, err := c.call(ctx, alt.Name, alt.Call, rawURL)
		if err == nil {
			return raw, nil
		}
		log.Warn("alternate sign method failed", "method", alt.Name, "error", err)
	}
	var pe *recovery.PanicError
	if !errors.As(primaryErr, &pe) {
		c.Faults.Report("signer.sign "+capability.Source, primaryErr)
	}
	return nil, signerr.Wrap(signerr.SignerInvocationFailed, "Sign error", primaryErr)
}

type callResult struct {
	raw any
	err error
}

func (c *Coordinator) call(ctx context.Context, method string, fn signer.SignFunc, rawURL string) (any, error) {
	if fn == nil {
		return nil, errors.New(method + " is not callable")
	}
	ctx, span := c.tracer().Start(ctx, "signer."+method)
	defer span.End()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan callResult, 1)
	task := func() {
		var raw any
		err := c.Faults.Guard("signer."+method, func() error {
			var err error
			raw, err = fn(ctx, rawURL)
			return err
		})
		done <- callResult{raw: raw, err: err}
	}
	if c.Pool != nil {
		if err := c.Pool.Submit(task); err != nil {
			return nil, err
		}
	} else {
		task()
	}

	var res callResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = callResult{err: ctx.Err()}
	}
	if c.Metrics != nil {
		c.Metrics.SignDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, method+" failed")
	}
	return res.raw, res.err
}

// fallback delegates to the proxy and relays its answer verbatim.
func (c *Coordinator) fallback(ctx context.Context, rawURL string) (Outcome, error) {
	if strings.TrimSpace(c.ProxyURL) == "" {
		return Outcome{}, signerr.New(signerr.SignerUnavailable, "Signer not available")
	}
	target, err := proxyTarget(c.ProxyURL, rawURL)
	if err != nil {
		c.proxyResult("failed")
		return Outcome{}, signerr.Wrap(signerr.ProxyUnavailable, "Proxy fallback failed", err)
	}
	status, body, err := httpx.Do(ctx, c.ProxyClient, httpx.Call{
		Method:     http.MethodGet,
		URL:        target,
		Retries:    c.ProxyRetries,
		RetryDelay: 200 * time.Millisecond,
	})
	if err == nil && !json.Valid(body) {
		err = errors.New("proxy returned a non-JSON body")
	}
	if err != nil {
		c.proxyResult("failed")
		logging.OrNop(c.Log).Warn("proxy fallback failed", "error", err)
		return Outcome{}, signerr.Wrap(signerr.ProxyUnavailable, "Proxy fallback failed", err)
	}
	c.proxyResult("ok")
	return Outcome{Proxied: &Proxied{Status: status, Body: body}}, nil
}

func (c *Coordinator) proxyResult(result string) {
	if c.Metrics != nil {
		c.Metrics.ProxyRequests.WithLabelValues(result).Inc()
	}
}

func proxyTarget(base, rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("url", rawURL)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// record logs the diagnostic line for a successful sign.
func (c *Coordinator) record(rawURL, source string, signature *string) {
	endpoint, params := describeTarget(rawURL)
	prefix := ""
	if signature != nil {
		prefix = *signature
		if len(prefix) > signatureRecordLen {
			prefix = prefix[:signatureRecordLen]
		}
	}
	logging.OrNop(c.Log).Info("signed",
		"endpoint", endpoint,
		"params", params,
		"signature_prefix", prefix,
		"source", source,
	)
}

// describeTarget returns the last non-empty path segment (or "root") and,
// when the URL has a query, its aid parameter (or "params").
func describeTarget(rawURL string) (string, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown", ""
	}
	endpoint := "root"
	segments := strings.Split(u.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			endpoint = segments[i]
			break
		}
	}
	params := ""
	if u.RawQuery != "" {
		params = u.Query().Get("aid")
		if params == "" {
			params = "params"
		}
	}
	return endpoint, params
}

func (c *Coordinator) tracer() trace.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return otel.Tracer("signapi/signing")
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
