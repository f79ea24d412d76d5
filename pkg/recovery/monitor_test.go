package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signer"
	"github.com/stretchr/testify/require"
)

type fakeReloader struct {
	mu      sync.Mutex
	calls   int
	results []bool
}

func (f *fakeReloader) Reload(context.Context) signer.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	ready := true
	if f.calls < len(f.results) {
		ready = f.results[f.calls]
	}
	f.calls++
	src := "builtin:tiktok-signature"
	st := signer.State{Ready: ready, Source: &src}
	if !ready {
		st.LastError = "still down"
	}
	return st
}

func (f *fakeReloader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newMonitor(r Reloader) (*Monitor, *[]signer.Event) {
	var events []signer.Event
	m := &Monitor{
		Faults:     NewFaults(),
		Loader:     r,
		NewBackOff: func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) },
		OnEvent:    func(e signer.Event) { events = append(events, e) },
	}
	return m, &events
}

func TestIsCrash(t *testing.T) {
	m := &Monitor{}
	require.True(t, m.IsCrash(errors.New("Error: Failed to launch the browser process!")))
	require.True(t, m.IsCrash(errors.New("Protocol error (Runtime.callFunctionOn): Target closed.")))
	require.True(t, m.IsCrash(errors.New("wasm error: unreachable")))
	require.False(t, m.IsCrash(errors.New("invalid url")))
	require.False(t, m.IsCrash(nil))
}

func TestParsePatterns(t *testing.T) {
	pats, err := ParsePatterns("")
	require.NoError(t, err)
	require.Len(t, pats, len(defaultPatterns))

	pats, err = ParsePatterns(" chrome crashed , ,(?i)oom ")
	require.NoError(t, err)
	require.Len(t, pats, 2)
	m := &Monitor{Patterns: pats}
	require.True(t, m.IsCrash(errors.New("chrome crashed")))
	require.True(t, m.IsCrash(errors.New("OOM killed")))
	require.False(t, m.IsCrash(errors.New("target closed")))

	_, err = ParsePatterns("([")
	require.Error(t, err)
}

func TestHandleRecovers(t *testing.T) {
	r := &fakeReloader{}
	m, events := newMonitor(r)

	ok := m.Handle(context.Background(), Fault{Origin: "signer.sign", Err: errors.New("Target closed"), At: time.Now()})
	require.True(t, ok)
	require.Equal(t, 1, r.Calls())
	require.Len(t, *events, 2)
	require.Equal(t, EventCrashDetected, (*events)[0].Type)
	require.Equal(t, "Target closed", (*events)[0].Reason)
	require.Equal(t, signer.Event{Type: EventRecovered, Source: "builtin:tiktok-signature"}, (*events)[1])
}

func TestHandleRetriesThenGivesUp(t *testing.T) {
	r := &fakeReloader{results: []bool{false, false, false}}
	m, events := newMonitor(r)

	ok := m.Handle(context.Background(), Fault{Err: errors.New("browser has disconnected"), At: time.Now()})
	require.False(t, ok)
	require.Equal(t, 3, r.Calls())
	require.Equal(t, EventRecoveryFailed, (*events)[len(*events)-1].Type)
	require.Equal(t, "still down", (*events)[len(*events)-1].Reason)
}

func TestHandleRetrySucceeds(t *testing.T) {
	r := &fakeReloader{results: []bool{false, true}}
	m, events := newMonitor(r)
	require.True(t, m.Handle(context.Background(), Fault{Err: errors.New("session closed"), At: time.Now()}))
	require.Equal(t, 2, r.Calls())
	require.Equal(t, EventRecovered, (*events)[len(*events)-1].Type)
}

func TestHandleIgnoresOrdinaryFaults(t *testing.T) {
	r := &fakeReloader{}
	m, events := newMonitor(r)
	require.False(t, m.Handle(context.Background(), Fault{Err: errors.New("invalid url")}))
	require.False(t, m.Handle(context.Background(), Fault{Err: errors.New("nil map"), Panic: true}))
	require.Zero(t, r.Calls())
	require.Empty(t, *events)
}

func TestHandleSkipsStaleFaults(t *testing.T) {
	r := &fakeReloader{}
	m, _ := newMonitor(r)
	raised := time.Now()
	require.True(t, m.Handle(context.Background(), Fault{Err: errors.New("target closed"), At: raised}))
	require.False(t, m.Handle(context.Background(), Fault{Err: errors.New("target closed"), At: raised}),
		"a fault raised before the last recovery refers to the replaced backend")
	require.Equal(t, 1, r.Calls())
}

func TestRunConsumesFaults(t *testing.T) {
	r := &fakeReloader{}
	recovered := make(chan struct{}, 1)
	m := &Monitor{
		Faults: NewFaults(),
		Loader: r,
		OnEvent: func(e signer.Event) {
			if e.Type == EventRecovered {
				select {
				case recovered <- struct{}{}:
				default:
				}
			}
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		m.Faults.Report("signer.sign", errors.New("Target closed"))
		select {
		case <-recovered:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
