// Package httputil provides the shared HTTP plumbing for Bulwark's outbound
// calls (review providers, embedding backends). All callers reuse one pooled
// transport instead of constructing ad-hoc clients per request.
package httputil

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// MaxResponseSize caps response body reads. Review providers are external
// and untrusted; an oversized body must not be able to exhaust memory.
const MaxResponseSize = 2 * 1024 * 1024 // 2MB

var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

var (
	clients   = map[time.Duration]*http.Client{}
	clientsMu sync.Mutex
)

// Client returns a pooled HTTP client with the given overall timeout.
// Clients are cached per timeout value and share one transport, so the
// connection pool is reused across the review engine and the semantic layer.
func Client(timeout time.Duration) *http.Client {
	clientsMu.Lock()
	defer clientsMu.Unlock()
	if c, ok := clients[timeout]; ok {
		return c
	}
	c := &http.Client{Timeout: timeout, Transport: sharedTransport}
	clients[timeout] = c
	return c
}

// ReadBody reads an HTTP response body with a size limit.
func ReadBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// DrainAndClose drains and closes a response body so the underlying
// connection can return to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}
