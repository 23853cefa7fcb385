// Package proxy forwards admitted traffic upstream and fronts the sign-in
// exchange with the user service.
package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"frontdoor/pkg/httpx"
)

// NewForwarder returns a reverse proxy to target. Upstream failures become a
// 502 JSON error; the response of a successful call streams through as is.
func NewForwarder(target string, timeout time.Duration, logger *zap.Logger) (*httputil.ReverseProxy, error) {
	u, err := parseTarget(target)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
		},
		Transport:     otelhttp.NewTransport(newTransport(timeout)),
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream call failed",
				zap.String("upstream", u.Host),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			httpx.Error(w, r, http.StatusBadGateway, "upstream unavailable")
		},
	}, nil
}

func parseTarget(target string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, fmt.Errorf("parse upstream %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream %q must be http or https", target)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream %q has no host", target)
	}
	return u, nil
}

func newTransport(timeout time.Duration) *http.Transport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}
