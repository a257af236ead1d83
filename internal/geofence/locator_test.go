package geofence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeProvider scripts a sequence of acquisition results.
type fakeProvider struct {
	mu      sync.Mutex
	results []error // nil means success
	calls   int
}

func (p *fakeProvider) Current(ctx context.Context, opts Options) (Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.calls < len(p.results) {
		err = p.results[p.calls]
	}
	p.calls++
	if err != nil {
		return Sample{}, err
	}
	return Sample{Latitude: 22.6288, Longitude: 88.4682, CapturedAt: time.Now()}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fastConfig() LocatorConfig {
	return LocatorConfig{Retries: 3, RetryDelay: time.Millisecond, RefreshEvery: 5 * time.Millisecond}
}

func TestAcquireRetriesTransientFailures(t *testing.T) {
	p := &fakeProvider{results: []error{
		&Error{Code: CodeTimeout, Message: "gps warming up"},
		&Error{Code: CodeUnavailable, Message: "no fix"},
		nil,
	}}
	l := NewLocator(p, fastConfig())

	s, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s.Latitude == 0 {
		t.Error("expected a real sample")
	}
	if got := p.callCount(); got != 3 {
		t.Errorf("provider called %d times, want 3", got)
	}
}

func TestAcquireExhaustsRetryBudget(t *testing.T) {
	p := &fakeProvider{results: []error{
		&Error{Code: CodeTimeout, Message: "t1"},
		&Error{Code: CodeTimeout, Message: "t2"},
		&Error{Code: CodeTimeout, Message: "t3"},
	}}
	l := NewLocator(p, fastConfig())

	_, err := l.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected terminal error after 3 attempts")
	}
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Code != CodeTimeout {
		t.Errorf("terminal error must wrap the last failure, got %v", err)
	}
	if got := p.callCount(); got != 3 {
		t.Errorf("provider called %d times, want 3", got)
	}

	// The counter resets after a terminal error, so the next cycle gets a
	// full budget again.
	p.mu.Lock()
	p.results = []error{&Error{Code: CodeUnavailable, Message: "u1"}, nil}
	p.calls = 0
	p.mu.Unlock()
	if _, err := l.Acquire(context.Background()); err != nil {
		t.Errorf("fresh cycle should succeed, got %v", err)
	}
}

func TestAcquirePermissionDeniedFailsFast(t *testing.T) {
	p := &fakeProvider{results: []error{
		&Error{Code: CodePermissionDenied, Message: "blocked"},
	}}
	l := NewLocator(p, fastConfig())

	_, err := l.Acquire(context.Background())
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Code != CodePermissionDenied {
		t.Fatalf("want permission-denied, got %v", err)
	}
	if got := p.callCount(); got != 1 {
		t.Errorf("permission denial must not be retried, provider called %d times", got)
	}
}

func TestWatchDeliversAndRefreshes(t *testing.T) {
	p := &fakeProvider{}
	l := NewLocator(p, fastConfig())
	defer l.Stop()

	updates := l.Watch(context.Background())

	first := <-updates
	if first.Err != nil {
		t.Fatalf("first update errored: %v", first.Err)
	}
	second, ok := <-updates
	if !ok {
		t.Fatal("watch closed before the forced refresh")
	}
	if second.Err != nil {
		t.Fatalf("refresh update errored: %v", second.Err)
	}
	if p.callCount() < 2 {
		t.Errorf("watch must force fresh reads, provider called %d times", p.callCount())
	}
}

func TestWatchStopsOnPermissionDenied(t *testing.T) {
	p := &fakeProvider{results: []error{
		&Error{Code: CodePermissionDenied, Message: "blocked"},
	}}
	l := NewLocator(p, fastConfig())
	defer l.Stop()

	updates := l.Watch(context.Background())
	u := <-updates
	if u.Err == nil {
		t.Fatal("expected a permission error update")
	}
	if _, ok := <-updates; ok {
		t.Error("watch must close after permission denial")
	}
}

func TestStopClosesWatch(t *testing.T) {
	p := &fakeProvider{}
	l := NewLocator(p, fastConfig())

	updates := l.Watch(context.Background())
	<-updates
	l.Stop()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel did not close after Stop")
		}
	}
}

func TestRequestSupersedesWatch(t *testing.T) {
	p := &fakeProvider{}
	l := NewLocator(p, fastConfig())
	defer l.Stop()

	updates := l.Watch(context.Background())
	<-updates

	s, err := l.Request(context.Background())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if s.Latitude == 0 {
		t.Error("expected a fresh sample")
	}

	// The superseded watch winds down.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("old watch did not close after Request")
		}
	}
}
