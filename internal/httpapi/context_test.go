package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSetBaseContext_NilResetsToBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	SetBaseContext(ctx)
	// nolint:staticcheck // SA1012: nil must fall back to Background
	SetBaseContext(nil)
	cancel()
	if serverBaseCtx.Err() != nil {
		t.Fatalf("base context should be Background after nil")
	}
}

func TestJoinContexts_CancelsWhenEitherDone(t *testing.T) {
	for _, first := range []bool{true, false} {
		a, ac := context.WithCancel(context.Background())
		b, bc := context.WithCancel(context.Background())
		j, cancelJ := joinContexts(a, b)
		if first {
			ac()
		} else {
			bc()
		}
		select {
		case <-j.Done():
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("joined context did not cancel (first=%v)", first)
		}
		cancelJ()
		ac()
		bc()
	}
}

func TestAborted(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if aborted(r) {
		t.Fatalf("fresh request should not be aborted")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !aborted(r.WithContext(ctx)) {
		t.Fatalf("canceled request should be aborted")
	}

	base, bcancel := context.WithCancel(context.Background())
	SetBaseContext(base)
	defer SetBaseContext(context.Background())
	bcancel()
	if !aborted(r) {
		t.Fatalf("shutdown should abort in-flight requests")
	}
	w, wcancel := workContext(r)
	defer wcancel()
	select {
	case <-w.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("work context should end on shutdown")
	}
}
