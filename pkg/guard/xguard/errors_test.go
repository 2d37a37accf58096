package xguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/sony/gobreaker/v2"
)

func TestDenyError(t *testing.T) {
	err := &DenyError{
		Key:               TrackingKey{Scope: ScopeIP, Identity: "203.0.113.7", Class: ClassAuthSignin},
		Limit:             5,
		RetryAfterSeconds: 300,
	}

	if !errors.Is(err, ErrRateLimited) {
		t.Error("DenyError must match ErrRateLimited via errors.Is")
	}
	if !IsDenied(err) {
		t.Error("IsDenied must report true for DenyError")
	}
	if !IsDenied(fmt.Errorf("handler: %w", err)) {
		t.Error("IsDenied must see through wrapping")
	}
	if IsDenied(ErrStoreUnavailable) {
		t.Error("store failure is not a denial")
	}
}

func TestIsStoreError(t *testing.T) {
	storeErrs := []error{
		ErrStoreUnavailable,
		fmt.Errorf("wrapped: %w", ErrStoreUnavailable),
		gobreaker.ErrOpenState,
		gobreaker.ErrTooManyRequests,
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		io.EOF,
		io.ErrUnexpectedEOF,
		&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
		&net.DNSError{Err: "no such host", Name: "redis.internal"},
	}
	for _, err := range storeErrs {
		if !IsStoreError(err) {
			t.Errorf("IsStoreError(%v) = false, want true", err)
		}
	}

	otherErrs := []error{
		nil,
		context.Canceled,
		context.DeadlineExceeded,
		ErrRateLimited,
		ErrInvalidPolicy,
		errors.New("application error"),
	}
	for _, err := range otherErrs {
		if IsStoreError(err) {
			t.Errorf("IsStoreError(%v) = true, want false", err)
		}
	}
}
