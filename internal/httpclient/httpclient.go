// Package httpclient issues bounded-size, bounded-time requests against a
// urlguard-validated URL, pinning the TCP connection to the address
// urlguard already resolved and approved so no second, unvalidated DNS
// lookup can reintroduce an SSRF path between validation and connect.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sentrywasm/sidecar/internal/urlguard"
)

var ErrMethodNotAllowed = errors.New("http method not allowed")
var ErrResponseTooLarge = errors.New("response exceeds max_response_bytes")

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodDelete: true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
}

// Config bounds one HTTP exchange.
type Config struct {
	Timeout        time.Duration
	MaxResponseBytes int64
}

// Response is the shape returned to the guest via http_fetch. The true upstream status is always propagated — the
// original implementation this sidecar replaces hard-coded 200 regardless
// of the real response, which is fixed here.
type Response struct {
	Status  int
	Body    string
	Headers map[string][]string
}

// Fetch validates url against allowlist via urlguard, then issues method
// against it with headers/body, bounding total time by cfg.Timeout and
// response size by cfg.MaxResponseBytes.
func Fetch(ctx context.Context, resolver urlguard.Resolver, rawURL, method string, headers map[string]string, body []byte, allowlist []string, cfg Config) (*Response, error) {
	if !allowedMethods[method] {
		return nil, fmt.Errorf("%w: %q", ErrMethodNotAllowed, method)
	}

	validated, err := urlguard.Validate(ctx, resolver, rawURL, allowlist, false)
	if err != nil {
		return nil, err
	}

	client := pinnedClient(validated.URL.Hostname(), validated.ResolvedIP, cfg.Timeout)

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, validated.URL.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("httpclient.Fetch: build request: %w", err)
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpclient.Fetch: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, cfg.MaxResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("httpclient.Fetch: read body: %w", err)
	}
	if int64(len(data)) > cfg.MaxResponseBytes {
		return nil, ErrResponseTooLarge
	}

	return &Response{
		Status:  resp.StatusCode,
		Body:    string(data),
		Headers: resp.Header,
	}, nil
}

// pinnedClient dials only the IP that urlguard already validated, so the
// connection cannot be silently redirected by a second DNS answer (the
// classic TOCTOU gap pinning closes, per spec.md §4.D's rationale).
func pinnedClient(hostname string, ip net.IP, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				port = "443"
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
