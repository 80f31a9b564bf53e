package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"bedrock-failover/config"
)

// CreateTransport builds the outbound http.Transport honoring the
// proxy configuration. Without a proxy it returns a default transport
// with the configured dial timeout.
func CreateTransport(cfg *config.Config) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.Transport.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Transport.ReadTimeout,
	}

	if !cfg.Proxy.Enabled {
		return transport, nil
	}

	switch cfg.Proxy.Type {
	case "http", "https":
		proxyURL, err := buildProxyURL(cfg)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)

	case "socks5":
		addr := cfg.Proxy.Host
		if cfg.Proxy.Port != 0 {
			addr = fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)
		}
		var auth *proxy.Auth
		if cfg.Proxy.Username != "" {
			auth = &proxy.Auth{User: cfg.Proxy.Username, Password: cfg.Proxy.Password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", addr, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
			transport.DialContext = ctxDialer.DialContext
		}

	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", cfg.Proxy.Type)
	}

	return transport, nil
}

// buildProxyURL assembles the proxy URL from either the complete URL
// or host/port plus optional credentials.
func buildProxyURL(cfg *config.Config) (*url.URL, error) {
	if cfg.Proxy.URL != "" {
		proxyURL, err := url.Parse(cfg.Proxy.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		return proxyURL, nil
	}

	proxyURL := &url.URL{
		Scheme: cfg.Proxy.Type,
		Host:   fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port),
	}
	if cfg.Proxy.Username != "" {
		proxyURL.User = url.UserPassword(cfg.Proxy.Username, cfg.Proxy.Password)
	}
	return proxyURL, nil
}

// GetProxyInfo returns a printable description of the proxy setup for
// startup logging.
func GetProxyInfo(cfg *config.Config) string {
	if !cfg.Proxy.Enabled {
		return "代理未启用"
	}
	if cfg.Proxy.URL != "" {
		return fmt.Sprintf("使用%s代理: %s", cfg.Proxy.Type, cfg.Proxy.URL)
	}
	return fmt.Sprintf("使用%s代理: %s:%d", cfg.Proxy.Type, cfg.Proxy.Host, cfg.Proxy.Port)
}
