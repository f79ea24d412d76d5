package recovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/logging"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signer"
)

const (
	EventCrashDetected  = "signer.crash_detected"
	EventRecovered      = "signer.recovered"
	EventRecoveryFailed = "signer.recovery_failed"
)

var errNotReady = errors.New("signer not ready after reload")

// defaultPatterns match failures of a backend's execution environment:
// a headless browser that did not start or went away, or a wasm guest that
// trapped or exited.
var defaultPatterns = []string{
	`(?i)failed to launch the browser process`,
	`(?i)browser has disconnected`,
	`(?i)target closed`,
	`(?i)session closed`,
	`(?i)protocol error`,
	`(?i)module closed with exit_code`,
	`(?i)wasm error:`,
	`(?i)broken pipe`,
}

func DefaultPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(defaultPatterns))
	for _, p := range defaultPatterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// ParsePatterns compiles a comma-separated list of regular expressions.
// An empty list yields DefaultPatterns.
func ParsePatterns(raw string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		re, err := regexp.Compile(part)
		if err != nil {
			return nil, fmt.Errorf("crash pattern %q: %w", part, err)
		}
		out = append(out, re)
	}
	if len(out) == 0 {
		return DefaultPatterns(), nil
	}
	return out, nil
}

type Reloader interface {
	Reload(ctx context.Context) signer.State
}

// Monitor reloads the signer when a reported fault matches a crash
// signature. Recovery is best effort: if every attempt fails the signer
// stays not ready until the next on-demand load or manual reload.
type Monitor struct {
	Faults   *Faults
	Loader   Reloader
	Patterns []*regexp.Regexp
	Log      logging.Logger
	// NewBackOff paces reload attempts. The first attempt is immediate.
	NewBackOff func() backoff.BackOff
	OnEvent    func(signer.Event)

	lastRecovery time.Time
}

var compiledDefaults = DefaultPatterns()

func (m *Monitor) patterns() []*regexp.Regexp {
	if len(m.Patterns) == 0 {
		return compiledDefaults
	}
	return m.Patterns
}

// IsCrash reports whether err's description matches a crash signature.
func (m *Monitor) IsCrash(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, re := range m.patterns() {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// Run consumes faults until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	faults, unsubscribe := m.Faults.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-faults:
			if !ok {
				return
			}
			m.Handle(ctx, f)
		}
	}
}

// Handle reacts to a single fault. It returns true when a recovery ran and
// left the signer ready.
func (m *Monitor) Handle(ctx context.Context, f Fault) bool {
	log := logging.OrNop(m.Log)
	if !m.IsCrash(f.Err) {
		if f.Panic {
			log.Error("recovered panic", "origin", f.Origin, "error", f.Err, "stack", string(f.Stack))
		}
		return false
	}
	// Faults raised before the last recovery finished refer to the
	// backend that recovery already replaced.
	if !f.At.IsZero() && f.At.Before(m.lastRecovery) {
		return false
	}
	log.Warn("signer crash detected, reloading", "origin", f.Origin, "error", f.Err)
	m.emit(signer.Event{Type: EventCrashDetected, Reason: f.Err.Error()})

	var st signer.State
	op := func() error {
		st = m.Loader.Reload(ctx)
		if !st.Ready {
			return errNotReady
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(m.backOff(), ctx))
	m.lastRecovery = time.Now()
	source := ""
	if st.Source != nil {
		source = *st.Source
	}
	if err != nil {
		log.Error("signer recovery failed", "error", err, "last_error", st.LastError)
		m.emit(signer.Event{Type: EventRecoveryFailed, Source: source, Reason: st.LastError})
		return false
	}
	log.Info("signer recovered", "source", source)
	m.emit(signer.Event{Type: EventRecovered, Source: source})
	return true
}

func (m *Monitor) backOff() backoff.BackOff {
	if m.NewBackOff != nil {
		return m.NewBackOff()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	return backoff.WithMaxRetries(eb, 3)
}

func (m *Monitor) emit(evt signer.Event) {
	if m.OnEvent != nil {
		m.OnEvent(evt)
	}
}
