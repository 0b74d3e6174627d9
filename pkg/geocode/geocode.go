// Package geocode puts external address geocoders behind one contract:
// address fields in, ranked coordinates out. Field mapping, batching and
// limits are configuration; see ProviderConfig.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/partd-geo/internal/resilience"
)

// FieldMode selects how address fields are sent to a provider.
type FieldMode string

const (
	// Structured sends street, city, state and zip as separate parameters.
	Structured FieldMode = "structured"
	// OneLine sends a single composed address string.
	OneLine FieldMode = "oneline"
)

// Query is one address to geocode.
type Query struct {
	ID     string
	Street string
	City   string
	State  string
	Zip    string
	// Limit caps the number of candidates requested; 0 uses the provider default.
	Limit int
}

// Line composes "street, city, state zip", skipping empty parts.
func (q Query) Line() string {
	var parts []string
	for _, p := range []string{q.Street, q.City} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	tail := strings.TrimSpace(strings.TrimSpace(q.State) + " " + strings.TrimSpace(q.Zip))
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, ", ")
}

// Candidate is one ranked coordinate returned by a provider.
type Candidate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Score     float64 `json:"score,omitempty"`
	Quality   string  `json:"quality,omitempty"`
	Matched   string  `json:"matched,omitempty"`
}

// Provider geocodes one address. Candidates are ranked best first and may
// be empty. An error means the provider could not answer.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, q Query) ([]Candidate, error)
}

// BatchProvider can geocode several addresses per request. The result has
// one entry per query, in query order.
type BatchProvider interface {
	Provider
	BatchGeocode(ctx context.Context, qs []Query) ([][]Candidate, error)
	MaxBatch() int
}

// ErrDailyCapReached is returned once a provider has used its daily quota.
var ErrDailyCapReached = eris.New("geocode: daily cap reached")

// AuthError reports rejected credentials. It does not heal within a run.
type AuthError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("geocode: %s: authentication failed (%d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuth reports whether err carries an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// statusError maps a non-200 HTTP status to the error taxonomy.
func statusError(provider string, code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	base := eris.Errorf("geocode: %s returned status %d: %s", provider, code, msg)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &AuthError{Provider: provider, StatusCode: code, Err: base}
	case resilience.IsTransientHTTPStatus(code):
		return resilience.NewTransientError(base, code)
	default:
		return base
	}
}

// getJSON issues a GET and decodes a 200 response into out.
func getJSON(ctx context.Context, hc *http.Client, provider, rawURL string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrapf(err, "geocode: %s build request", provider)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return eris.Wrapf(err, "geocode: %s request", provider)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrapf(err, "geocode: %s read body", provider)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(provider, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "geocode: %s parse response", provider)
	}
	return nil
}

func limitOf(q Query, def int) int {
	if q.Limit > 0 {
		return q.Limit
	}
	if def > 0 {
		return def
	}
	return 1
}

func truncate(cs []Candidate, n int) []Candidate {
	if n > 0 && len(cs) > n {
		return cs[:n]
	}
	return cs
}
