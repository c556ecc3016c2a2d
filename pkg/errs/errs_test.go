package errs_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/a-essam23/roomgate/pkg/errs"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"domain error", errs.New("broker", "Establish", errs.ErrRejected, io.EOF), errs.ErrRejected},
		{"wrapped sentinel", fmt.Errorf("open: %w", errs.ErrStaleToken), errs.ErrStaleToken},
		{"context cancelled", fmt.Errorf("dial: %w", context.Canceled), errs.ErrCancelled},
		{"raw transport error", io.ErrUnexpectedEOF, errs.ErrUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errs.Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorIsMatchesKindAndChain(t *testing.T) {
	err := errs.New("broker", "Dial", errs.ErrUnreachable, io.EOF)
	if !errors.Is(err, errs.ErrUnreachable) {
		t.Error("expected errors.Is to match the kind")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("expected errors.Is to match the wrapped error")
	}
	if errors.Is(err, errs.ErrRejected) {
		t.Error("did not expect a match on an unrelated kind")
	}
}

func TestFatalAndRetryable(t *testing.T) {
	rejectedToken := errs.New("broker", "Callback", errs.ErrRejected, nil).AsFatal()
	if !errs.Fatal(rejectedToken) {
		t.Error("a rejected correlation token must be fatal")
	}
	if errs.Retryable(rejectedToken) {
		t.Error("a fatal error must not be retryable")
	}
	if !errs.Fatal(errs.ErrRouteNotFound) {
		t.Error("route not found is terminal")
	}
	if !errs.Retryable(errs.New("broker", "Dial", errs.ErrUnreachable, nil)) {
		t.Error("unreachable should be retryable")
	}
	if !errs.Retryable(errs.ErrChannelDropped) {
		t.Error("a dropped channel should be retryable")
	}
	if errs.Retryable(errs.New("broker", "Request", errs.ErrRejected, nil)) {
		t.Error("a plain rejection is not retried automatically")
	}
}

func TestErrorString(t *testing.T) {
	err := errs.New("route", "Match", errs.ErrRouteNotFound, nil)
	if got, want := err.Error(), "route.Match: route not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	err = errs.New("broker", "Dial", errs.ErrUnreachable, io.EOF).WithContext("target", "/chat")
	if got, want := err.Error(), "broker.Dial: backend unreachable: EOF"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if err.Context["target"] != "/chat" {
		t.Errorf("context not recorded: %v", err.Context)
	}
}
