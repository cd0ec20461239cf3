package client

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// NewTransport builds the pooled transport shared by downstream service clients.
func NewTransport(dialTimeout time.Duration, insecureSkipVerify bool) *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return transport
}

// setForwarded copies the standard proxy headers from the incoming frontend request.
func setForwarded(out http.Header, incoming *http.Request) {
	if clientIP, _, err := net.SplitHostPort(incoming.RemoteAddr); err == nil {
		if prior := incoming.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Set("X-Forwarded-For", clientIP)
	}
	out.Set("X-Forwarded-Proto", schemeFromRequest(incoming))
	out.Set("X-Forwarded-Host", incoming.Host)
	if id := incoming.Header.Get("X-Request-ID"); id != "" {
		out.Set("X-Request-ID", id)
	}
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
