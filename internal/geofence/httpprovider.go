package geofence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// HTTPProvider reads positions from a companion location daemon (a phone app
// or gpsd bridge) exposing GET /position. It maps the daemon's failure modes
// onto the standard error categories.
type HTTPProvider struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPProvider creates a provider with a short default timeout; a per-call
// Options.Timeout overrides it.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Current fetches one position.
func (p *HTTPProvider) Current(ctx context.Context, opts Options) (Sample, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	url := fmt.Sprintf("%s/position?high_accuracy=%t&max_age_ms=%d",
		p.BaseURL, opts.HighAccuracy, opts.MaxAge.Milliseconds())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Sample{}, err
	}

	resp, err := p.HTTP.Do(req)
	if err != nil {
		code := CodeUnavailable
		if ctx.Err() == context.DeadlineExceeded || os.IsTimeout(err) {
			code = CodeTimeout
		}
		return Sample{}, &Error{Code: code, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnauthorized:
		return Sample{}, &Error{Code: CodePermissionDenied, Message: resp.Status}
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout:
		return Sample{}, &Error{Code: CodeTimeout, Message: resp.Status}
	case resp.StatusCode >= 300:
		return Sample{}, &Error{Code: CodeUnavailable, Message: resp.Status}
	}

	var out struct {
		Latitude       float64 `json:"latitude"`
		Longitude      float64 `json:"longitude"`
		AccuracyMeters float64 `json:"accuracy_meters"`
		CapturedAtMs   int64   `json:"captured_at_ms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Sample{}, &Error{Code: CodeUnavailable, Message: "bad position payload: " + err.Error()}
	}

	captured := time.Now().UTC()
	if out.CapturedAtMs > 0 {
		captured = time.UnixMilli(out.CapturedAtMs).UTC()
	}
	return Sample{
		Latitude:       out.Latitude,
		Longitude:      out.Longitude,
		AccuracyMeters: out.AccuracyMeters,
		CapturedAt:     captured,
	}, nil
}
