// Package http builds the HTTP clients the storage providers send parts with.
package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/rescale/rescale-upload/internal/config"
	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/ratelimit"
)

// CreateOptimizedClient creates an HTTP client tuned for large parallel part
// uploads with proxy support.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - Large connection pool for concurrent parts
//   - No overall client timeout; every remote call carries its own deadline
//   - HTTP/2 with a runtime toggle (DISABLE_HTTP2 env var)
//   - Disabled compression (part bodies are opaque bytes)
//   - Optional upload bandwidth cap applied to request bodies
//
// A nil proxy means no proxy; a nil bw means unlimited bandwidth.
func CreateOptimizedClient(proxy *config.ProxyConfig, bw *ratelimit.Bandwidth) (*nethttp.Client, error) {
	client, err := ConfigureHTTPClient(proxy)
	if err != nil {
		return nil, err
	}
	client.Timeout = 0

	tr, ok := client.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM wraps the transport in ntlmssp.Negotiator, which has to see
		// the raw request to replay the handshake, so only the limiter applies
		client.Transport = bw.Transport(client.Transport)
		return client, nil
	}

	tr.MaxIdleConns = 512
	tr.MaxIdleConnsPerHost = 100
	tr.MaxConnsPerHost = 100 // must be >= MaxIdleConnsPerHost
	tr.IdleConnTimeout = constants.HTTPIdleConnTimeout
	tr.TLSHandshakeTimeout = constants.HTTPTLSHandshakeTimeout
	tr.ExpectContinueTimeout = constants.HTTPExpectContinueTimeout

	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	if os.Getenv("DISABLE_HTTP2") == "true" {
		disableHTTP2(tr)
	}

	// Proxies often break HTTP/2 multiplexing mid-transfer.
	// FORCE_HTTP2=true keeps it on anyway.
	if ProxyActive(proxy, os.Getenv) && os.Getenv("FORCE_HTTP2") != "true" {
		disableHTTP2(tr)
	}

	client.Transport = bw.Transport(tr)
	return client, nil
}

func disableHTTP2(tr *nethttp.Transport) {
	tr.ForceAttemptHTTP2 = false
	tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
}
