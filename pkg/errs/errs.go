// Package errs holds the error taxonomy shared by the route table, the
// session resolver, the transport broker and the navigation controller.
//
// Every failure that reaches the presentation layer is classified into one
// of the sentinel kinds below; raw transport errors never cross the
// navigation controller.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel kinds.
var (
	// ErrRouteNotFound is terminal: the path matched no declared route.
	ErrRouteNotFound = errors.New("route not found")

	// ErrAuthRequired is recoverable through the login redirect.
	ErrAuthRequired = errors.New("authentication required")

	// ErrUnreachable means the backend could not be reached or answered 5xx.
	ErrUnreachable = errors.New("backend unreachable")

	// ErrRejected means the backend or the broker refused the request.
	ErrRejected = errors.New("rejected")

	// ErrChannelDropped means an upgraded stream closed unexpectedly.
	ErrChannelDropped = errors.New("stream channel dropped")

	// ErrStaleToken means the backend rejected the session token.
	ErrStaleToken = errors.New("stale session token")

	// ErrInvalidConfig is returned by construction-time validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCancelled means the navigation that owned the work was superseded.
	ErrCancelled = errors.New("cancelled")
)

var kinds = []error{
	ErrRouteNotFound,
	ErrAuthRequired,
	ErrStaleToken,
	ErrRejected,
	ErrChannelDropped,
	ErrUnreachable,
	ErrInvalidConfig,
	ErrCancelled,
}

// Error is a classified error with the operation that produced it.
type Error struct {
	// Domain is the component that failed ("route", "session", "broker", ...).
	Domain string

	// Op is the operation that failed.
	Op string

	// Kind is one of the sentinel errors of this package.
	Kind error

	// Err is the underlying error, if any.
	Err error

	// Fatal marks errors that must not be retried for this navigation.
	Fatal bool

	// Context carries extra key-value pairs for logs.
	Context map[string]any
}

// New creates an Error.
func New(domain, op string, kind, err error) *Error {
	return &Error{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Err:     err,
		Context: make(map[string]any),
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %v: %v", e.Domain, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Domain, e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target matches the kind or the wrapped chain.
func (e *Error) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// WithContext adds a key-value pair and returns the error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// AsFatal marks the error as fatal and returns it.
func (e *Error) AsFatal() *Error {
	e.Fatal = true
	return e
}

// Classify returns the sentinel kind of err. Context cancellation maps to
// ErrCancelled and anything unclassified maps to ErrUnreachable, since it
// can only have come from the transport.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	return ErrUnreachable
}

// Fatal reports whether err must end the navigation without retry.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.Fatal {
		return true
	}
	return errors.Is(err, ErrRouteNotFound)
}

// Retryable reports whether err may be retried within the bounded policy.
func Retryable(err error) bool {
	if err == nil || Fatal(err) {
		return false
	}
	switch Classify(err) {
	case ErrUnreachable, ErrChannelDropped:
		return true
	}
	return false
}
