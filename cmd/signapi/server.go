package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/markenriz8-crypto/signapi-markuz/pkg/config"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/httpx"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/logging"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/metrics"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/ratelimit"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/recovery"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signer"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signerr"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signing"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/stream"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/heptiolabs/healthcheck"
	"github.com/panjf2000/ants/v2"
)

const requestIDHeader = "X-Request-Id"

type Server struct {
	Config    *config.Config
	Loader    *signer.Loader
	Signing   *signing.Coordinator
	Admission *ratelimit.Admission
	Events    *stream.Hub
	Faults    *recovery.Faults
	Metrics   *metrics.Registry
	Health    healthcheck.Handler
	Pool      *ants.Pool
	Log       logging.Logger

	TrustedProxyCIDRs []*net.IPNet
	Now               func() time.Time
}

type signerInfo struct {
	Source *string `json:"source"`
}

type statusResponse struct {
	Success    bool       `json:"success"`
	Ready      bool       `json:"ready"`
	SignerInfo signerInfo `json:"signerInfo"`
	Timestamp  int64      `json:"timestamp,omitempty"`
}

type signRequest struct {
	URL string `json:"url" validate:"required"`
}

var validate = validator.New()

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.Config.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(s.Faults.Middleware)
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/live", s.Health.LiveEndpoint)
	r.Get("/ready", s.Health.ReadyEndpoint)
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	r.Get("/_events", s.streamEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.Admission.Middleware(s.clientID))
		r.Get("/", s.handleStatus)
		r.Get("/sign", s.handleSign)
		r.Post("/sign", s.handleSign)
		r.Post("/_reload_signer", s.handleReload)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Loader.State()
	httpx.WriteJSON(w, http.StatusOK, statusResponse{
		Success:    true,
		Ready:      st.Ready,
		SignerInfo: signerInfo{Source: st.Source},
		Timestamp:  s.now().UnixMilli(),
	})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var rawURL string
	if r.Method == http.MethodGet {
		rawURL = r.URL.Query().Get("url")
	} else {
		body, ok := readRequestBody(w, r)
		if !ok {
			return
		}
		var req signRequest
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				httpx.Error(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		if err := validate.Struct(req); err != nil {
			rawURL = ""
		} else {
			rawURL = req.URL
		}
	}

	out, err := s.Signing.Sign(r.Context(), rawURL)
	if err != nil {
		s.writeSignError(w, r, err)
		return
	}
	if out.Proxied != nil {
		httpx.WriteRawJSON(w, out.Proxied.Status, out.Proxied.Body)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out.Response)
}

func (s *Server) writeSignError(w http.ResponseWriter, r *http.Request, err error) {
	kind := signerr.KindOf(err)
	status := signerr.Status(kind)
	body := map[string]any{"success": false, "error": "Sign error"}
	var se *signerr.Error
	if errors.As(err, &se) {
		body["error"] = se.Message
		switch kind {
		case signerr.SignerInvocationFailed:
			if se.Err != nil {
				body["details"] = se.Err.Error()
			}
		case signerr.EmptyResult, signerr.UnnormalizableOutput:
			if se.Raw != nil {
				body["raw"] = se.Raw
			}
		}
	} else {
		body["details"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.log().Error("sign failed", "kind", kind, "error", err, "request_id", requestID(r.Context()))
	}
	httpx.WriteJSON(w, status, body)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if token := s.Config.ReloadToken; token != "" {
		got := r.Header.Get("X-Reload-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	var st signer.State
	err := s.Faults.Guard("reload", func() error {
		st = s.Loader.Reload(r.Context())
		return nil
	})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log().Info("signer reloaded", "ready", st.Ready, "request_id", requestID(r.Context()))
	httpx.WriteJSON(w, http.StatusOK, statusResponse{
		Success:    true,
		Ready:      st.Ready,
		SignerInfo: signerInfo{Source: st.Source},
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: wsOriginPatterns(s.Config.CORSAllowedOrigins),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	for _, evt := range s.Events.Recent(0) {
		if err := wsjson.Write(ctx, conn, evt); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
			return
		}
	}
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// observeSignerEvent fans loader and recovery events out to metrics, the
// event hub and the log.
func (s *Server) observeSignerEvent(evt signer.Event) {
	s.Metrics.ObserveSignerEvent(evt)
	s.Events.Publish(stream.NewEvent(evt.Type, evt))
	switch evt.Type {
	case signer.EventLoadFailed, recovery.EventRecoveryFailed:
		s.log().Warn(evt.Type, "source", evt.Source, "reason", evt.Reason)
	default:
		s.log().Info(evt.Type, "source", evt.Source, "shape", evt.Shape)
	}
}

func (s *Server) clientID(r *http.Request) string {
	return httpx.ClientIP(r, s.TrustedProxyCIDRs)
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Config.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) log() logging.Logger {
	return logging.OrNop(s.Log)
}

// newHealth reports liveness while the process can schedule goroutines and
// readiness while some path to a signature exists.
func newHealth(s *Server) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	h.AddReadinessCheck("signer", func() error {
		if s.Loader.Ready() || s.Config.ProxyFallback != "" {
			return nil
		}
		if err := s.Loader.LastError(); err != nil {
			return err
		}
		return errors.New("signer not loaded")
	})
	return h
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if u, ok := strings.CutPrefix(p, "https://"); ok {
			p = u
		} else if u, ok := strings.CutPrefix(p, "http://"); ok {
			p = u
		}
		out = append(out, p)
	}
	return out
}
