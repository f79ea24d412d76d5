// Package recovery watches for backend crashes and brings the signer back.
//
// Faults is a process-wide channel that panics and backend failures are
// reported on. Monitor subscribes to it and, when a fault looks like the
// backend (or the headless environment it drives) died, reloads the signer
// through the same path as a manual reload.
package recovery

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/markenriz8-crypto/signapi-markuz/pkg/httpx"
)

type Fault struct {
	Origin string
	Err    error
	Panic  bool
	Stack  []byte
	At     time.Time
}

// Faults fans reported faults out to subscribers. Slow subscribers drop
// faults rather than block the reporter.
type Faults struct {
	mu   sync.RWMutex
	subs map[chan Fault]struct{}
}

func NewFaults() *Faults {
	return &Faults{subs: map[chan Fault]struct{}{}}
}

func (f *Faults) Subscribe(buffer int) (<-chan Fault, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Fault, buffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *Faults) Report(origin string, err error) {
	if f == nil || err == nil {
		return
	}
	f.publish(Fault{Origin: origin, Err: err, At: time.Now()})
}

func (f *Faults) publish(fault Fault) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs {
		select {
		case ch <- fault:
		default:
		}
	}
}

// Guard runs fn and turns a panic into an error. The panic is reported.
func (f *Faults) Guard(origin string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError(p)
			if f != nil {
				f.publish(Fault{Origin: origin, Err: err, Panic: true, Stack: debug.Stack(), At: time.Now()})
			}
		}
	}()
	return fn()
}

// Middleware recovers handler panics, reports them and answers 500.
func (f *Faults) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			err := panicError(p)
			if f != nil {
				f.publish(Fault{Origin: "http " + r.Method + " " + r.URL.Path, Err: err, Panic: true, Stack: debug.Stack(), At: time.Now()})
			}
			httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "internal error", "details": err.Error()})
		}()
		next.ServeHTTP(w, r)
	})
}

// PanicError is returned by Guard for a recovered panic. The fault has
// already been published when a caller sees it.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func panicError(p any) error {
	return &PanicError{Value: p}
}
