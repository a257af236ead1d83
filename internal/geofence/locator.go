package geofence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrorCode classifies location acquisition failures the way device location
// APIs report them.
type ErrorCode int

const (
	CodePermissionDenied ErrorCode = iota + 1
	CodeUnavailable
	CodeTimeout
)

// Error is a location acquisition failure with its platform category.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	switch e.Code {
	case CodePermissionDenied:
		return "location permission denied: " + e.Message
	case CodeTimeout:
		return "location timed out: " + e.Message
	default:
		return "location unavailable: " + e.Message
	}
}

// Temporary reports whether the failure is worth retrying. Permission denial
// is terminal until the user changes device settings.
func (e *Error) Temporary() bool {
	return e.Code != CodePermissionDenied
}

// Options configure a single acquisition attempt.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
}

// Provider is the device location API: one position per call, honouring the
// accuracy/timeout/max-age options.
type Provider interface {
	Current(ctx context.Context, opts Options) (Sample, error)
}

// LocatorConfig tunes acquisition behaviour.
type LocatorConfig struct {
	Options      Options
	Retries      int           // attempts before a transient failure turns terminal
	RetryDelay   time.Duration // fixed delay between attempts
	RefreshEvery time.Duration // forced re-read interval in watch mode
}

// Locator acquires location samples with bounded retry and an optional
// continuous watch. A watch periodically forces a fresh read so a cached fix
// cannot go stale.
type Locator struct {
	provider Provider
	cfg      LocatorConfig

	mu          sync.Mutex
	failures    int
	cancelWatch context.CancelFunc
}

// NewLocator creates a locator. Zero config fields get the standard values:
// 3 retries, 2s delay, 60s refresh.
func NewLocator(provider Provider, cfg LocatorConfig) *Locator {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = time.Minute
	}
	return &Locator{provider: provider, cfg: cfg}
}

// Acquire obtains one sample, retrying transient failures up to the configured
// bound. Permission denial fails immediately without consuming the retry
// budget. A successful read resets the failure counter.
func (l *Locator) Acquire(ctx context.Context) (Sample, error) {
	for {
		s, err := l.provider.Current(ctx, l.cfg.Options)
		if err == nil {
			l.mu.Lock()
			l.failures = 0
			l.mu.Unlock()
			return s, nil
		}

		var gerr *Error
		if errors.As(err, &gerr) && !gerr.Temporary() {
			return Sample{}, err
		}

		l.mu.Lock()
		l.failures++
		n := l.failures
		l.mu.Unlock()
		if n >= l.cfg.Retries {
			l.mu.Lock()
			l.failures = 0
			l.mu.Unlock()
			return Sample{}, fmt.Errorf("giving up after %d attempts: %w", n, err)
		}

		select {
		case <-time.After(l.cfg.RetryDelay):
		case <-ctx.Done():
			return Sample{}, ctx.Err()
		}
	}
}

// Update is one delivery from a continuous watch.
type Update struct {
	Sample Sample
	Err    error
}

// Watch starts continuous acquisition. It delivers an update immediately and
// then forces a fresh read every RefreshEvery. Starting a new watch supersedes
// any previous one. The channel closes when ctx is cancelled, Stop is called,
// or permission is denied.
func (l *Locator) Watch(ctx context.Context) <-chan Update {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if l.cancelWatch != nil {
		l.cancelWatch()
	}
	l.cancelWatch = cancel
	l.mu.Unlock()

	out := make(chan Update, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(l.cfg.RefreshEvery)
		defer ticker.Stop()
		for {
			s, err := l.Acquire(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- Update{Sample: s, Err: err}:
			case <-ctx.Done():
				return
			}
			var gerr *Error
			if err != nil && errors.As(err, &gerr) && !gerr.Temporary() {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Request forces a fresh read: it cancels any in-flight watch, resets the
// retry counter and re-acquires.
func (l *Locator) Request(ctx context.Context) (Sample, error) {
	l.mu.Lock()
	if l.cancelWatch != nil {
		l.cancelWatch()
		l.cancelWatch = nil
	}
	l.failures = 0
	l.mu.Unlock()
	return l.Acquire(ctx)
}

// Stop releases the active watch and any pending retry timers.
func (l *Locator) Stop() {
	l.mu.Lock()
	if l.cancelWatch != nil {
		l.cancelWatch()
		l.cancelWatch = nil
	}
	l.mu.Unlock()
}
