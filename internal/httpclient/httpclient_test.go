package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrywasm/sidecar/internal/urlguard"
)

// loopbackResolver always answers with the loopback address, letting tests
// point at an httptest server while allowHTTP/allowlist checks stay real.
type loopbackResolver struct {
	ip string
}

func (l loopbackResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP(l.ip)}}, nil
}

func TestFetch_RejectsDisallowedMethod(t *testing.T) {
	_, err := Fetch(context.Background(), loopbackResolver{ip: "127.0.0.1"}, "http://example.com", "TRACE", nil, nil, []string{"example.com"}, Config{Timeout: time.Second, MaxResponseBytes: 1024})
	require.ErrorIs(t, err, ErrMethodNotAllowed)
}

func TestFetch_PropagatesRealStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("i am a teapot"))
	}))
	defer srv.Close()

	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	resolver := loopbackResolver{ip: host}
	url := "http://" + net.JoinHostPort("pinned.example.com", port)

	resp, err := Fetch(context.Background(), resolver, url, http.MethodGet, nil, nil, []string{"pinned.example.com"}, Config{Timeout: 2 * time.Second, MaxResponseBytes: 1024}, )
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.Status, "the upstream status code must be propagated verbatim, not hard-coded to 200")
	assert.Equal(t, "i am a teapot", resp.Body)
}

func TestFetch_ResponseOverLimitErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	resolver := loopbackResolver{ip: host}
	url := "http://" + net.JoinHostPort("pinned.example.com", port)

	_, err = Fetch(context.Background(), resolver, url, http.MethodGet, nil, nil, []string{"pinned.example.com"}, Config{Timeout: 2 * time.Second, MaxResponseBytes: 16})
	require.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestFetch_DefaultsJSONContentTypeWhenBodyPresent(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	resolver := loopbackResolver{ip: host}
	url := "http://" + net.JoinHostPort("pinned.example.com", port)

	_, err = Fetch(context.Background(), resolver, url, http.MethodPost, nil, []byte(`{"a":1}`), []string{"pinned.example.com"}, Config{Timeout: 2 * time.Second, MaxResponseBytes: 1024})
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotContentType)
}

func TestFetch_DeniesSSRFToPrivateAddress(t *testing.T) {
	resolver := loopbackResolver{ip: "10.0.0.5"}
	_, err := Fetch(context.Background(), resolver, "https://internal.example.com", http.MethodGet, nil, nil, []string{"internal.example.com"}, Config{Timeout: time.Second, MaxResponseBytes: 1024})
	require.ErrorIs(t, err, urlguard.ErrPrivateIP)
}
