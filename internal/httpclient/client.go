// Package httpclient builds the outbound HTTP client used for vendor calls.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/config"
	"golang.org/x/net/proxy"
)

// DefaultTimeout bounds a whole vendor request, upload included.
const DefaultTimeout = 120 * time.Second

// Options configures the HTTP client.
type Options struct {
	Timeout time.Duration
	Proxy   *config.ProxyConfig
}

// New creates an HTTP client, routing through the configured proxy if any.
func New(opts Options) (*http.Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.Proxy.HasProxy() {
		if err := configureProxy(transport, dialer, opts.Proxy); err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}, nil
}

// NewFromServerConfig creates the vendor client from server settings.
func NewFromServerConfig(cfg config.ServerConfig) (*http.Client, error) {
	return New(Options{Timeout: cfg.VendorTimeout, Proxy: &cfg.Proxy})
}

func configureProxy(transport *http.Transport, base *net.Dialer, cfg *config.ProxyConfig) error {
	// SOCKS5 wins over HTTP(S) proxies.
	if cfg.SOCKS5Proxy != "" {
		return configureSocks5(transport, base, cfg.SOCKS5Proxy)
	}
	transport.Proxy = func(req *http.Request) (*url.URL, error) {
		return proxyFor(req, cfg)
	}
	return nil
}

func configureSocks5(transport *http.Transport, base *net.Dialer, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse SOCKS5 proxy URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("SOCKS5 proxy URL %q has no host", maskProxyURL(rawURL))
	}

	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}

	d, err := proxy.SOCKS5("tcp", u.Host, auth, base)
	if err != nil {
		return fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
		return nil
	}
	transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
	return nil
}

func proxyFor(req *http.Request, cfg *config.ProxyConfig) (*url.URL, error) {
	if shouldBypassProxy(req.URL.Host, cfg.NoProxy) {
		return nil, nil
	}

	raw := cfg.HTTPProxy
	if req.URL.Scheme == "https" && cfg.HTTPSProxy != "" {
		raw = cfg.HTTPSProxy
	}
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// shouldBypassProxy matches host against a comma separated NO_PROXY list.
// Entries may be "*", an exact host, or a domain that also covers subdomains.
func shouldBypassProxy(host, noProxy string) bool {
	if noProxy == "" {
		return false
	}

	hostOnly, _, err := net.SplitHostPort(host)
	if err != nil {
		hostOnly = host
	}
	hostOnly = strings.ToLower(hostOnly)

	for _, pattern := range strings.Split(noProxy, ",") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "":
			continue
		case pattern == "*":
			return true
		case hostOnly == strings.TrimPrefix(pattern, "."):
			return true
		case strings.HasSuffix(hostOnly, "."+strings.TrimPrefix(pattern, ".")):
			return true
		}
	}
	return false
}

// ProxyInfo describes the proxy setup with credentials masked, for logs.
func ProxyInfo(cfg *config.ProxyConfig) string {
	if !cfg.HasProxy() {
		return "direct"
	}

	var parts []string
	if cfg.SOCKS5Proxy != "" {
		parts = append(parts, "socks5="+maskProxyURL(cfg.SOCKS5Proxy))
	}
	if cfg.HTTPProxy != "" {
		parts = append(parts, "http="+maskProxyURL(cfg.HTTPProxy))
	}
	if cfg.HTTPSProxy != "" {
		parts = append(parts, "https="+maskProxyURL(cfg.HTTPSProxy))
	}
	if cfg.NoProxy != "" {
		parts = append(parts, "no_proxy="+cfg.NoProxy)
	}
	return strings.Join(parts, " ")
}

func maskProxyURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	return u.String()
}
