package recovery

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Fault) Fault {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fault")
		return Fault{}
	}
}

func TestFaultsReport(t *testing.T) {
	faults := NewFaults()
	ch, unsubscribe := faults.Subscribe(1)

	faults.Report("signer.sign", errors.New("Target closed"))
	f := receive(t, ch)
	require.Equal(t, "signer.sign", f.Origin)
	require.EqualError(t, f.Err, "Target closed")
	require.False(t, f.Panic)
	require.False(t, f.At.IsZero())

	faults.Report("ignored", nil)
	unsubscribe()
	unsubscribe()
	faults.Report("after", errors.New("x"))
	_, open := <-ch
	require.False(t, open)

	var nilFaults *Faults
	require.NotPanics(t, func() { nilFaults.Report("x", errors.New("y")) })
}

func TestFaultsDropWhenSubscriberIsSlow(t *testing.T) {
	faults := NewFaults()
	ch, unsubscribe := faults.Subscribe(1)
	defer unsubscribe()
	faults.Report("a", errors.New("first"))
	faults.Report("b", errors.New("second"))
	require.Equal(t, "a", receive(t, ch).Origin)
	select {
	case f := <-ch:
		t.Fatalf("unexpected fault %+v", f)
	default:
	}
}

func TestGuard(t *testing.T) {
	faults := NewFaults()
	ch, unsubscribe := faults.Subscribe(4)
	defer unsubscribe()

	require.NoError(t, faults.Guard("ok", func() error { return nil }))
	require.EqualError(t, faults.Guard("err", func() error { return errors.New("plain") }), "plain")

	err := faults.Guard("signer.sign", func() error { panic("browser has disconnected") })
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "panic: browser has disconnected", err.Error())

	f := receive(t, ch)
	require.True(t, f.Panic)
	require.Equal(t, "signer.sign", f.Origin)
	require.NotEmpty(t, f.Stack)

	cause := errors.New("wrapped")
	err = faults.Guard("x", func() error { panic(cause) })
	require.ErrorIs(t, err, cause)

	var nilFaults *Faults
	require.Error(t, nilFaults.Guard("x", func() error { panic("no bus") }))
}

func TestMiddleware(t *testing.T) {
	faults := NewFaults()
	ch, unsubscribe := faults.Subscribe(1)
	defer unsubscribe()

	h := faults.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sign", nil))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, false, body["success"])
	require.Equal(t, "panic: handler exploded", body["details"])
	require.Equal(t, "http GET /sign", receive(t, ch).Origin)

	abort := faults.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	require.PanicsWithValue(t, http.ErrAbortHandler, func() {
		abort.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
