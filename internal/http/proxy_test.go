package http

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	ntlmssp "github.com/Azure/go-ntlmssp"

	"github.com/rescale/rescale-upload/internal/config"
	"github.com/rescale/rescale-upload/internal/ratelimit"
)

// TestProxyFuncWithBypass_EmptyNoProxy verifies that an empty noProxy always routes through proxy.
func TestProxyFuncWithBypass_EmptyNoProxy(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "")

	req, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected proxy URL, got nil (direct)")
	}
	if result.Host != "proxy.corp:8080" {
		t.Errorf("expected proxy host proxy.corp:8080, got %s", result.Host)
	}
}

// TestProxyFuncWithBypass_WildcardDomain verifies *.example.com bypasses api.example.com.
func TestProxyFuncWithBypass_WildcardDomain(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "*.example.com")

	// Subdomain should bypass proxy
	req, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil (bypass) for api.example.com, got %v", result)
	}
}

// TestProxyFuncWithBypass_ExactDomain verifies example.com bypasses root and subdomains.
func TestProxyFuncWithBypass_ExactDomain(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "example.com")

	// Root domain should bypass
	req, _ := http.NewRequest("GET", "https://example.com/data", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil (bypass) for example.com, got %v", result)
	}

	// Subdomain should also bypass (a domain without a leading dot matches its subdomains)
	req2, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	result2, err := proxyFunc(req2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result2 != nil {
		t.Errorf("expected nil (bypass) for api.example.com, got %v", result2)
	}
}

// TestProxyFuncWithBypass_CIDR verifies IP/CIDR range matching.
func TestProxyFuncWithBypass_CIDR(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "10.0.0.0/8")

	// IP in range should bypass
	req, _ := http.NewRequest("GET", "http://10.1.2.3:8080/api", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil (bypass) for 10.1.2.3, got %v", result)
	}
}

// TestProxyFuncWithBypass_NonMatchingHost verifies non-matching hosts route through proxy.
func TestProxyFuncWithBypass_NonMatchingHost(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "*.internal.corp,10.0.0.0/8")

	// External host should use proxy
	req, _ := http.NewRequest("GET", "https://s3.us-east-1.amazonaws.com/v3/", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected proxy URL for s3.us-east-1.amazonaws.com, got nil (direct)")
	}
	if result.Host != "proxy.corp:8080" {
		t.Errorf("expected proxy host proxy.corp:8080, got %s", result.Host)
	}
}

// TestProxyFuncWithBypass_MultiplePatterns verifies comma-separated patterns work.
func TestProxyFuncWithBypass_MultiplePatterns(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "*.example.com, 192.168.0.0/16, internal.corp")

	tests := []struct {
		name       string
		url        string
		wantBypass bool
	}{
		{"wildcard match", "https://api.example.com/data", true},
		{"cidr match", "http://192.168.1.100/api", true},
		{"exact domain match", "https://internal.corp/status", true},
		{"non-match", "https://s3.us-east-1.amazonaws.com/v3/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", tt.url, nil)
			result, err := proxyFunc(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantBypass && result != nil {
				t.Errorf("expected bypass (nil) for %s, got %v", tt.url, result)
			}
			if !tt.wantBypass && result == nil {
				t.Errorf("expected proxy for %s, got nil (bypass)", tt.url)
			}
		})
	}
}

// TestBuildProxyURL verifies credentials are only embedded when complete.
func TestBuildProxyURL(t *testing.T) {
	u := buildProxyURL(&config.ProxyConfig{Host: "proxy.corp", User: "alice"})
	if u.Host != "proxy.corp:8080" {
		t.Errorf("expected default port 8080, got %s", u.Host)
	}
	if u.User != nil {
		t.Error("user without password should not be embedded")
	}

	u = buildProxyURL(&config.ProxyConfig{Host: "proxy.corp", Port: 3128, User: "alice", Password: "pw"})
	if u.String() != "http://alice:pw@proxy.corp:3128" {
		t.Errorf("unexpected proxy URL %s", u)
	}
}

// TestNeedsProxyPassword covers the modes that authenticate.
func TestNeedsProxyPassword(t *testing.T) {
	tests := []struct {
		cfg  config.ProxyConfig
		want bool
	}{
		{config.ProxyConfig{Mode: "basic", User: "u"}, true},
		{config.ProxyConfig{Mode: "NTLM", User: "u"}, true},
		{config.ProxyConfig{Mode: "basic", User: "u", Password: "p"}, false},
		{config.ProxyConfig{Mode: "basic"}, false},
		{config.ProxyConfig{Mode: "system", User: "u"}, false},
	}
	for _, tt := range tests {
		if got := NeedsProxyPassword(&tt.cfg); got != tt.want {
			t.Errorf("NeedsProxyPassword(%+v) = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}

// TestConfigureHTTPClient_Modes verifies the transport chosen per mode.
func TestConfigureHTTPClient_Modes(t *testing.T) {
	client, err := ConfigureHTTPClient(&config.ProxyConfig{Mode: "ntlm", Host: "proxy.corp"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := client.Transport.(ntlmssp.Negotiator); !ok {
		t.Errorf("ntlm mode should wrap the transport, got %T", client.Transport)
	}

	client, err = ConfigureHTTPClient(&config.ProxyConfig{Mode: "basic"})
	if err != nil {
		t.Fatal(err)
	}
	if tr := client.Transport.(*http.Transport); tr.Proxy != nil {
		t.Error("basic mode without host should fall back to no proxy")
	}

	if _, err := ConfigureHTTPClient(&config.ProxyConfig{Mode: "socks"}); err == nil {
		t.Error("expected unsupported mode to fail")
	}
}

// TestProxyActive verifies env vars only matter in system mode.
func TestProxyActive(t *testing.T) {
	env := func(string) string { return "http://proxy:3128" }
	noEnv := func(string) string { return "" }

	if ProxyActive(&config.ProxyConfig{Mode: "no-proxy"}, env) {
		t.Error("no-proxy mode reported active")
	}
	if !ProxyActive(&config.ProxyConfig{Mode: "system"}, env) {
		t.Error("system mode with env proxy reported inactive")
	}
	if ProxyActive(&config.ProxyConfig{Mode: "system"}, noEnv) {
		t.Error("system mode without env proxy reported active")
	}
	if !ProxyActive(&config.ProxyConfig{Mode: "basic", Host: "p"}, noEnv) {
		t.Error("basic mode with host reported inactive")
	}
	if !ProxyActive(nil, env) {
		t.Error("nil config with env proxy reported inactive")
	}
}

// TestCreateOptimizedClient_LimitsBodies verifies the bandwidth cap wraps the transport.
func TestCreateOptimizedClient_LimitsBodies(t *testing.T) {
	var got atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		got.Store(n)
	}))
	defer srv.Close()

	client, err := CreateOptimizedClient(nil, ratelimit.NewBandwidth(1024))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := client.Transport.(*http.Transport); ok {
		t.Error("limited client should not expose the bare transport")
	}

	resp, err := client.Post(srv.URL, "application/octet-stream", bytes.NewReader(make([]byte, 4096)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got.Load() != 4096 {
		t.Errorf("server received %d bytes, want 4096", got.Load())
	}

	client, err = CreateOptimizedClient(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := client.Transport.(*http.Transport); !ok {
		t.Errorf("unlimited client should use the transport directly, got %T", client.Transport)
	}
}
