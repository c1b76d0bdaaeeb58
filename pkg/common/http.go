package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// UserAgent identifies requests made to api, e.g.
// "AgilePowerwall/1.0.0 (tesla)".
func UserAgent(api string) string {
	ua := "AgilePowerwall/" + strings.TrimSpace(version)
	if api != "" {
		ua += " (" + api + ")"
	}
	return ua
}

// apiTransport tags every request with the adapter's user-agent and asks for
// JSON unless the caller chose another representation.
type apiTransport struct {
	base      http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *apiTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// headers of the caller's request must not change
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return t.base.RoundTrip(req)
}

// Transport wraps base for requests to api. A nil base uses
// http.DefaultTransport.
func Transport(api string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &apiTransport{base: base, userAgent: UserAgent(api)}
}

// HTTPClient returns a client for the remote API named api.
func HTTPClient(api string, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: Transport(api, nil),
		Timeout:   timeout,
	}
}
