package redmine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// ErrOutboundPolicy is returned when the base URL fails the outbound checks.
var ErrOutboundPolicy = errors.New("redmine: outbound policy violation")

// ErrBodyTooLarge is wrapped when a response exceeds Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("redmine: response body too large")

// ErrorKind classifies hard request failures.
type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"
	KindTransport  ErrorKind = "transport"
	KindHTTPStatus ErrorKind = "http_status"
	KindTooLarge   ErrorKind = "too_large"
)

// Error is a request failure after retries were exhausted or skipped.
type Error struct {
	Kind   ErrorKind
	Status int
	URL    string
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("redmine %s: %s returned %d", e.Kind, e.URL, e.Status)
	}
	return fmt.Sprintf("redmine %s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is an HTTP 404 from the tracker.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindHTTPStatus && e.Status == 404
}

// IsForbidden reports whether err is an HTTP 401/403 from the tracker.
func IsForbidden(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindHTTPStatus && (e.Status == 401 || e.Status == 403)
}

func (e *Error) retryable() bool {
	switch e.Kind {
	case KindTimeout, KindTransport:
		return true
	case KindHTTPStatus:
		return e.Status == 429 || e.Status >= 500
	}
	return false
}

func classify(u string, err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, URL: u, Err: err}
	}
	return &Error{Kind: KindTransport, URL: u, Err: err}
}

// ValidateBaseURL enforces the outbound policy: http or https only, plain
// http only for loopback hosts, and hostname membership in allowed when set.
func ValidateBaseURL(raw string, allowed []string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrOutboundPolicy, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrOutboundPolicy, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: URL has no host", ErrOutboundPolicy)
	}
	if scheme == "http" && !isLoopback(host) {
		return nil, fmt.Errorf("%w: plain http only allowed for loopback, got %q", ErrOutboundPolicy, host)
	}
	if len(allowed) > 0 && !slices.ContainsFunc(allowed, func(h string) bool { return strings.EqualFold(strings.TrimSpace(h), host) }) {
		return nil, fmt.Errorf("%w: host %q not in allowlist", ErrOutboundPolicy, host)
	}
	return u, nil
}

func isLoopback(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
