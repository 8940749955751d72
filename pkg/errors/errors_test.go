package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeConnect,
				Operation: "dial_pool",
				Message:   "pool unreachable",
				Cause:     errors.New("connection refused"),
			},
			expected: "connect operation 'dial_pool' failed: pool unreachable (caused by: connection refused)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeDeviceTimeout,
				Operation: "wait_for_result",
				Message:   "no nonce reported",
			},
			expected: "device_timeout operation 'wait_for_result' failed: no nonce reported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, ErrorTypeDevice, "write", "serial write failed")

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is() did not find cause through ServiceError")
	}

	if unwrapped := New(ErrorTypeDevice, "write", "x").Unwrap(); unwrapped != nil {
		t.Errorf("Unwrap() = %v, want nil", unwrapped)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeConnect, true},
		{ErrorTypeDevice, true},
		{ErrorTypeNetwork, true},
		{ErrorTypeKafka, true},
		{ErrorTypeDeviceTimeout, false},
		{ErrorTypeMalformedField, false},
		{ErrorTypeValidation, false},
		{ErrorTypeDatabase, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Type != tt.errorType {
				t.Errorf("Type = %v, want %v", err.Type, tt.errorType)
			}
			if err.Timestamp.IsZero() {
				t.Error("Timestamp not set")
			}
			if err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", err.Retryable, tt.retryable)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "op", "msg") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	inner := New(ErrorTypeMalformedField, "decode", "bad hex")
	outer := Wrap(inner, ErrorTypeInternal, "build_job", "job rejected")
	if outer.Retryable {
		t.Error("wrapping keeps the inner retry classification")
	}
	if !IsType(outer, ErrorTypeMalformedField) {
		t.Error("IsType should see the inner type through the chain")
	}
	if !IsType(outer, ErrorTypeInternal) {
		t.Error("IsType should see the outer type")
	}

	wrappedStd := fmt.Errorf("context: %w", inner)
	if !IsMalformedField(wrappedStd) {
		t.Error("IsMalformedField should look through fmt.Errorf wrapping")
	}
}

func TestMalformedField(t *testing.T) {
	cause := errors.New("encoding/hex: invalid byte")
	err := MalformedField("prevhash", "zz", cause)

	if !IsMalformedField(err) {
		t.Fatal("expected malformed field type")
	}
	if err.Retryable {
		t.Error("malformed fields are never retryable")
	}
	ctx := GetContext(err)
	if ctx["field"] != "prevhash" {
		t.Errorf("field context = %v", ctx["field"])
	}

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	err = MalformedField("coinb1", string(long), nil)
	if v := GetContext(err)["value"].(string); len(v) != 83 {
		t.Errorf("value context should be truncated, got %d chars", len(v))
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context timeout", context.DeadlineExceeded, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"unknown error", errors.New("unknown error"), false},
		{"connect type", New(ErrorTypeConnect, "dial", "x"), true},
		{"device timeout type", New(ErrorTypeDeviceTimeout, "wait", "x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetContext(t *testing.T) {
	err := New(ErrorTypeDevice, "submit_job", "short payload").
		WithContext("length", 220).
		WithContext("expected", 224)

	ctx := GetContext(err)
	if len(ctx) != 2 || ctx["length"] != 220 {
		t.Errorf("unexpected context %v", ctx)
	}

	if GetContext(errors.New("plain")) != nil {
		t.Error("plain errors carry no context")
	}
}
