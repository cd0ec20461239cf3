// Package client calls the downstream catalog services (search, metadata) on behalf
// of a frontend request.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HeaderFunc derives request headers from the incoming frontend request.
type HeaderFunc func(r *http.Request) http.Header

// ServiceConfig configures a downstream service client.
type ServiceConfig struct {
	Name    string
	BaseURL string
	Timeout time.Duration
	// StaticHeaders are sent on every call unless HeaderFunc is set.
	StaticHeaders map[string]string
	HeaderFunc    HeaderFunc
	// HTTPClient overrides the pooled client built by NewTransport.
	HTTPClient         *http.Client
	InsecureSkipVerify bool
	// Duration, when set, observes call latency labelled by service and status.
	Duration *prometheus.HistogramVec
}

// Service is a JSON client bound to one downstream base URL.
type Service struct {
	cfg    ServiceConfig
	client *http.Client
}

// StatusError reports a non-2xx downstream response.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s service returned %d: %s", e.Service, e.StatusCode, e.Body)
}

// NewService creates a client with sane defaults.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: NewTransport(cfg.Timeout, cfg.InsecureSkipVerify)}
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Service{cfg: cfg, client: client}
}

// Name returns the service label.
func (s *Service) Name() string { return s.cfg.Name }

// BaseURL returns the configured base URL without a trailing slash.
func (s *Service) BaseURL() string { return s.cfg.BaseURL }

// Headers returns the headers to send for the incoming request. The header hook,
// when configured, replaces the static headers even if it returns nothing.
func (s *Service) Headers(r *http.Request) http.Header {
	if s.cfg.HeaderFunc != nil {
		if r == nil {
			return http.Header{}
		}
		h := s.cfg.HeaderFunc(r)
		if h == nil {
			return http.Header{}
		}
		return h.Clone()
	}
	h := make(http.Header, len(s.cfg.StaticHeaders))
	for k, v := range s.cfg.StaticHeaders {
		h.Set(k, v)
	}
	return h
}

// Do issues a request against path, bounded by the configured timeout. The caller
// must close the response body. Non-2xx responses are returned as *StatusError.
func (s *Service) Do(ctx context.Context, incoming *http.Request, method, path string, query url.Values, body any) (*http.Response, error) {
	target := s.cfg.BaseURL + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", s.cfg.Name, err)
		}
		reader = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create %s request: %w", s.cfg.Name, err)
	}
	req.Header = s.Headers(incoming)
	if incoming != nil {
		setForwarded(req.Header, incoming)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		s.observe("error", start)
		return nil, fmt.Errorf("call %s service: %w", s.cfg.Name, err)
	}
	s.observe(strconv.Itoa(resp.StatusCode), start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Service: s.cfg.Name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// GetJSON performs a GET and decodes the JSON response into out.
func (s *Service) GetJSON(ctx context.Context, incoming *http.Request, path string, query url.Values, out any) error {
	return s.doJSON(ctx, incoming, http.MethodGet, path, query, nil, out)
}

// PostJSON posts body as JSON and decodes the JSON response into out.
func (s *Service) PostJSON(ctx context.Context, incoming *http.Request, path string, body, out any) error {
	return s.doJSON(ctx, incoming, http.MethodPost, path, nil, body, out)
}

func (s *Service) doJSON(ctx context.Context, incoming *http.Request, method, path string, query url.Values, body, out any) error {
	resp, err := s.Do(ctx, incoming, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", s.cfg.Name, err)
	}
	return nil
}

// Ping checks that the base URL answers at all; any HTTP status below 500 counts.
func (s *Service) Ping(ctx context.Context) error {
	resp, err := s.Do(ctx, nil, http.MethodGet, "/healthcheck", nil, nil)
	if err == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return resp.Body.Close()
	}
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode < 500 {
		return nil
	}
	return err
}

func (s *Service) observe(status string, start time.Time) {
	if s.cfg.Duration == nil {
		return
	}
	s.cfg.Duration.WithLabelValues(s.cfg.Name, status).Observe(time.Since(start).Seconds())
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
