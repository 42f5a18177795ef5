package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/rescale-upload/internal/config"
	"github.com/rescale/rescale-upload/internal/constants"
)

// newTransport returns the base transport shared by every proxy mode.
func newTransport() *nethttp.Transport {
	return &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100, // default is 2, which serializes parallel parts
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
	}
}

// ConfigureHTTPClient configures an HTTP client with proxy settings.
// A nil cfg means no proxy.
func ConfigureHTTPClient(cfg *config.ProxyConfig) (*nethttp.Client, error) {
	transport := newTransport()
	if cfg == nil {
		return &nethttp.Client{Transport: transport}, nil
	}

	mode := strings.ToLower(cfg.Mode)
	switch mode {
	case config.ProxyNone, "":
		transport.Proxy = nil
		return &nethttp.Client{Transport: transport}, nil

	case config.ProxySystem:
		transport.Proxy = nethttp.ProxyFromEnvironment
		client := &nethttp.Client{Transport: transport}
		if cfg.Warmup {
			if err := warmupProxy(client, cfg); err != nil {
				return nil, fmt.Errorf("proxy warmup failed: %w", err)
			}
		}
		return client, nil

	case config.ProxyNTLM, config.ProxyBasic:
		// Fall back to no-proxy if host is missing so the user can still run
		// commands that fix the configuration
		if cfg.Host == "" {
			log.Warn().Str("mode", mode).Msg("Proxy host is missing, falling back to no-proxy mode")
			transport.Proxy = nil
			return &nethttp.Client{Transport: transport}, nil
		}

		transport.Proxy = proxyFuncWithBypass(buildProxyURL(cfg), cfg.NoProxy)

		var client *nethttp.Client
		if mode == config.ProxyNTLM {
			client = &nethttp.Client{
				Transport: ntlmssp.Negotiator{RoundTripper: transport},
			}
		} else {
			if cfg.User != "" && cfg.Password == "" {
				log.Warn().Msg("Proxy user configured but password missing, proxy auth disabled until password is set")
			}
			client = &nethttp.Client{Transport: transport}
		}

		if cfg.Warmup && cfg.User != "" && cfg.Password != "" {
			if err := warmupProxy(client, cfg); err != nil {
				return nil, fmt.Errorf("proxy warmup failed: %w", err)
			}
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", cfg.Mode)
	}
}

// buildProxyURL constructs a proxy URL from config
func buildProxyURL(cfg *config.ProxyConfig) *url.URL {
	port := cfg.Port
	if port == 0 {
		port = 8080
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(cfg.Host, fmt.Sprint(port)),
	}

	// Only embed credentials if both user AND password are provided.
	// An empty password in the URL makes some proxies reject the request.
	if cfg.User != "" && cfg.Password != "" {
		proxyURL.User = url.UserPassword(cfg.User, cfg.Password)
	}

	return proxyURL
}

// warmupProxy performs a warmup request to establish proxy connection
func warmupProxy(client *nethttp.Client, cfg *config.ProxyConfig) error {
	if cfg.WarmupURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodHead, cfg.WarmupURL, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusProxyAuthRequired {
		return fmt.Errorf("proxy rejected credentials: %s", resp.Status)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("warmup request returned server error: %d", resp.StatusCode)
	}

	return nil
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy bypass list.
// If noProxy is empty, behaves identically to nethttp.ProxyURL.
// When noProxy is set, uses golang.org/x/net/http/httpproxy to match hosts/CIDRs.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		if result == nil {
			log.Debug().Str("host", req.URL.Host).Msg("Proxy bypass (direct connection)")
		} else {
			log.Debug().Str("host", req.URL.Host).Str("proxy", result.Host).Msg("Proxied")
		}
		return result, err
	}
}

// NeedsProxyPassword returns true if the proxy configuration requires a password
// but one has not been provided. Used by the CLI to decide whether to prompt.
func NeedsProxyPassword(cfg *config.ProxyConfig) bool {
	mode := strings.ToLower(cfg.Mode)
	if mode != config.ProxyBasic && mode != config.ProxyNTLM {
		return false
	}
	return cfg.User != "" && cfg.Password == ""
}

// ProxyActive reports whether requests built from cfg go through a proxy.
func ProxyActive(cfg *config.ProxyConfig, getenv func(string) string) bool {
	envProxy := func() bool {
		for _, name := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
			if getenv(name) != "" {
				return true
			}
		}
		return false
	}
	if cfg == nil {
		return envProxy()
	}
	switch strings.ToLower(cfg.Mode) {
	case config.ProxyNone, "":
		return false
	case config.ProxySystem:
		return envProxy()
	default:
		return cfg.Host != ""
	}
}
