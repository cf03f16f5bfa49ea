// Package network builds the outbound HTTP clients, honoring the configured
// forward proxy (http, https or socks5).
package network

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"

	"github.com/router-for-me/KiroProxyAPI/internal/config"
)

// NewTransport returns a pooled transport routed through the configured
// proxy, if any. Invalid proxy URLs are logged and ignored.
func NewTransport(cfg *config.Config) *http.Transport {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if cfg == nil || cfg.ProxyURL == "" {
		return transport
	}

	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		log.Warnf("invalid proxyUrl %q, continuing without proxy: %v", cfg.ProxyURL, err)
		return transport
	}

	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if cfg.ProxyUsername != "" {
			auth = &xproxy.Auth{User: cfg.ProxyUsername, Password: cfg.ProxyPassword}
		} else if user := proxyURL.User; user != nil {
			password, _ := user.Password()
			auth = &xproxy.Auth{User: user.Username(), Password: password}
		}
		dialer, errDialer := xproxy.SOCKS5("tcp", proxyURL.Host, auth, &net.Dialer{Timeout: 30 * time.Second})
		if errDialer != nil {
			log.Warnf("socks5 proxy setup failed, continuing without proxy: %v", errDialer)
			return transport
		}
		if contextDialer, ok := dialer.(xproxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		}
	default:
		if cfg.ProxyUsername != "" {
			proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport
}

// NewHTTPClient returns a client over NewTransport with the given total
// request timeout. A zero timeout means no client-level deadline; callers
// bound the request through its context instead.
func NewHTTPClient(cfg *config.Config, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: NewTransport(cfg),
		Timeout:   timeout,
	}
}

// ProxyDescription returns a loggable summary of the proxy setup.
func ProxyDescription(cfg *config.Config) string {
	if cfg == nil || cfg.ProxyURL == "" {
		return "direct"
	}
	u, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return "invalid"
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}
