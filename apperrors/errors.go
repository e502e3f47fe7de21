// Package apperrors holds the error taxonomy shared by the monitoring engine.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the engine reacts to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindRecoverableUpstream covers timeouts, rate limiting and transient blocks.
	KindRecoverableUpstream
	// KindMalformedRecord means a single raw record could not be normalized.
	KindMalformedRecord
	// KindEnrichmentUnavailable means no VIN provider produced data.
	KindEnrichmentUnavailable
	// KindPersistenceFailure aborts the current cycle for one criteria.
	KindPersistenceFailure
	// KindPermanentChannelFailure is an alert that exhausted its retries.
	KindPermanentChannelFailure
)

func (k Kind) String() string {
	switch k {
	case KindRecoverableUpstream:
		return "recoverable_upstream"
	case KindMalformedRecord:
		return "malformed_record"
	case KindEnrichmentUnavailable:
		return "enrichment_unavailable"
	case KindPersistenceFailure:
		return "persistence_failure"
	case KindPermanentChannelFailure:
		return "permanent_channel_failure"
	default:
		return "unknown"
	}
}

// Source failures reported by a SourceClient.
var (
	ErrNotFound          = errors.New("listing not found")
	ErrBlocked           = errors.New("blocked by anti-automation")
	ErrTimeout           = errors.New("upstream timeout")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// AppError is an error tagged with its Kind.
type AppError struct {
	Kind      Kind
	Op        string
	Message   string
	ListingID string
	Err       error
}

func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Upstream wraps a SourceClient or rate limiter failure.
func Upstream(op string, err error) *AppError {
	return &AppError{Kind: KindRecoverableUpstream, Op: op, Err: err}
}

// Malformed reports a raw record that cannot become a Listing. id may be empty.
func Malformed(id, reason string) *AppError {
	return &AppError{Kind: KindMalformedRecord, Message: reason, ListingID: id}
}

// EnrichmentUnavailable reports that no provider returned data for vin.
func EnrichmentUnavailable(vin string, err error) *AppError {
	return &AppError{
		Kind:    KindEnrichmentUnavailable,
		Message: fmt.Sprintf("no enrichment for vin %q", vin),
		Err:     err,
	}
}

// Persistence wraps a storage failure.
func Persistence(op string, err error) *AppError {
	return &AppError{Kind: KindPersistenceFailure, Op: op, Err: err}
}

// PermanentChannel reports an alert that failed on every channel too many times.
func PermanentChannel(dedupKey string, attempts int, err error) *AppError {
	return &AppError{
		Kind:    KindPermanentChannelFailure,
		Message: fmt.Sprintf("alert %s failed after %d attempts", dedupKey, attempts),
		Err:     err,
	}
}

// KindOf returns the Kind of the first AppError in err's chain.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBlocked),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrRateLimitExceeded):
		return KindRecoverableUpstream
	}
	return KindUnknown
}

// IsRecoverable reports whether err should be retried with backoff.
func IsRecoverable(err error) bool {
	return KindOf(err) == KindRecoverableUpstream
}

// IsBlocked reports whether err signals anti-automation detection.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrBlocked)
}

// ListingIDOf returns the listing id attached to a malformed record error.
func ListingIDOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.ListingID
	}
	return ""
}
