package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors surfaced by the request surface.
var (
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrCacheUnavailable = errors.New("cache unavailable")
	ErrEmptyFrontier    = errors.New("no urls to crawl")
	ErrQueueClosed      = errors.New("queue closed")
)

// ValidationKind classifies a rejected URL.
type ValidationKind string

// Validation kinds.
const (
	ValidationEmpty        ValidationKind = "empty"
	ValidationTooLong      ValidationKind = "too_long"
	ValidationTooShort     ValidationKind = "too_short"
	ValidationMalicious    ValidationKind = "malicious"
	ValidationBadScheme    ValidationKind = "bad_scheme"
	ValidationBlockedHost  ValidationKind = "blocked_host"
	ValidationMalformedURL ValidationKind = "malformed_url"
	// ValidationOptions rejects crawl options rather than the URL.
	ValidationOptions ValidationKind = "invalid_options"
)

// ValidationError reports why a URL was rejected.
type ValidationError struct {
	Kind   ValidationKind
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Kind == ValidationOptions {
		return "invalid options: " + e.Detail
	}
	if e.Detail == "" {
		return fmt.Sprintf("invalid url: %s", e.Kind)
	}
	return fmt.Sprintf("invalid url: %s: %s", e.Kind, e.Detail)
}

// IsValidation reports whether err is a ValidationError of any kind.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidationKindOf returns the kind of a ValidationError in err's chain.
func ValidationKindOf(err error) (ValidationKind, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return "", false
}

// FetchKind classifies fetch failures for strategy fallback.
type FetchKind string

// Fetch kinds.
const (
	FetchTimeout    FetchKind = "timeout"
	FetchNetwork    FetchKind = "network"
	FetchHTTPStatus FetchKind = "http_status"
	FetchBlocked    FetchKind = "blocked"

	// FetchForbidden marks a target or redirect hop our own URL policy
	// refused. No other strategy may retry it.
	FetchForbidden FetchKind = "forbidden"
)

// FetchError is returned by every Fetcher implementation.
type FetchError struct {
	Kind       FetchKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another strategy is worth trying.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case FetchTimeout, FetchNetwork, FetchBlocked:
		return true
	case FetchHTTPStatus:
		return e.StatusCode >= http.StatusInternalServerError
	}
	return false
}

// StatusError maps a non-success HTTP status to a FetchError.
func StatusError(url string, status int) *FetchError {
	kind := FetchHTTPStatus
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		kind = FetchBlocked
	}
	return &FetchError{Kind: kind, URL: url, StatusCode: status}
}

// TransportError classifies a transport-level error as Timeout or Network.
// A ValidationError anywhere in the chain, as returned by redirect and dial
// guards, classifies as Forbidden.
func TransportError(url string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if IsValidation(err) {
		return &FetchError{Kind: FetchForbidden, URL: url, Err: err}
	}
	kind := FetchNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = FetchTimeout
	}
	return &FetchError{Kind: kind, URL: url, Err: err}
}

// FetchKindOf returns the FetchKind in err's chain.
func FetchKindOf(err error) (FetchKind, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// ExtractionKind classifies extraction failures.
type ExtractionKind string

// Extraction kinds.
const (
	ExtractionNoContent    ExtractionKind = "no_content"
	ExtractionParseFailure ExtractionKind = "parse_failure"
)

// ExtractionError is returned when a page yields no usable article.
type ExtractionError struct {
	Kind ExtractionKind
	URL  string
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.URL, e.Kind)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// DiscoveryError records a non-fatal discovery degradation.
type DiscoveryError struct {
	Source string
	URL    string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %s %s: %v", e.Source, e.URL, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// TimeoutPage builds a failed page result for work cut off by the job deadline.
func TimeoutPage(url string) PageResult {
	return FailedPage(url, &FetchError{Kind: FetchTimeout, URL: url, Err: context.DeadlineExceeded})
}
