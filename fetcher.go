// Copyright 2016-present the fetchd authors. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE for details.

package fetchd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// Failure classes of a fetch attempt. The launcher's classification
// table maps each of them to a fatal or retryable task outcome, so
// Fetcher implementations must wrap their failures in one of these.
var (
	// ErrNoResponse means the server never produced a response.
	ErrNoResponse = errors.New("fetchd: no response from the server")
	// ErrTransport means the response started but did not complete.
	ErrTransport = errors.New("fetchd: connection to server failed")
	// ErrTimeout means the request exceeded its deadline.
	ErrTimeout = errors.New("fetchd: request timeout")
	// ErrConnectionRefused means the server actively refused the
	// connection.
	ErrConnectionRefused = errors.New("fetchd: connection refused")
	// ErrResponseTooLarge means the fetch was cancelled because the
	// response exceeded the configured maximum size.
	ErrResponseTooLarge = errors.New("fetchd: response max size exceeded")
	// ErrEmptyResponse means the response carried no body.
	ErrEmptyResponse = errors.New("fetchd: response has no body")
	// ErrInvalidContent means the response body sniffed to a content
	// type outside the allow-list. This is a retryable condition.
	ErrInvalidContent = errors.New("fetchd: invalid content type")
)

// Fetcher retrieves the raw content of a URI.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

const defaultFetchTimeout = 60 * time.Second

// HTTPFetcher fetches over HTTP(S) with a per-request timeout, an
// optional proxy per URL scheme and a maximum response size.
type HTTPFetcher struct {
	client  *http.Client
	maxSize int64
	timeout time.Duration
	logger  Logger
}

// FetcherOption is an options provider for HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// SetFetchTimeout overrides the default 60s per-request timeout.
func SetFetchTimeout(d time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// SetFetcherLogger specifies the logger used by the fetcher.
func SetFetcherLogger(logger Logger) FetcherOption {
	return func(f *HTTPFetcher) {
		f.logger = logger
	}
}

// SetProxies configures one proxy URL per scheme, e.g.
// {"http": "http://proxy:3128"}. Schemes without an entry go direct.
func SetProxies(proxies map[string]string) FetcherOption {
	return func(f *HTTPFetcher) {
		parsed := make(map[string]*url.URL, len(proxies))
		for scheme, raw := range proxies {
			u, err := url.Parse(raw)
			if err != nil {
				f.logger.Printf("fetchd: fetcher: invalid proxy for %s: %v", scheme, err)
				continue
			}
			parsed[scheme] = u
		}
		transport := &http.Transport{
			Proxy: func(req *http.Request) (*url.URL, error) {
				if u, ok := parsed[req.URL.Scheme]; ok {
					return u, nil
				}
				return http.ProxyFromEnvironment(req)
			},
		}
		f.client = &http.Client{Transport: transport}
	}
}

// NewHTTPFetcher creates a fetcher that refuses responses larger than
// maxSize bytes (2 MiB if <= 0).
func NewHTTPFetcher(maxSize int64, options ...FetcherOption) *HTTPFetcher {
	if maxSize <= 0 {
		maxSize = 2 * 1024 * 1024
	}
	f := &HTTPFetcher{
		client:  &http.Client{},
		maxSize: maxSize,
		timeout: defaultFetchTimeout,
		logger:  stdLogger{},
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// Fetch retrieves uri and returns the response body. Failures are
// wrapped in the typed errors above for classification.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, classifyTransportError(ctx, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if int64(len(body)) > f.maxSize {
		return nil, ErrResponseTooLarge
	}
	return body, nil
}

// classifyTransportError maps low-level request errors to the typed
// failure classes.
func classifyTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		// Cancelled by the caller, typically on shutdown. Keep the
		// context error visible so the launcher can tell shutdown
		// cancellation apart from task failures.
		return fmt.Errorf("fetch cancelled: %w", context.Canceled)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return fmt.Errorf("%w: %v", ErrNoResponse, err)
}
