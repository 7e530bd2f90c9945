package errors

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	err := New(ErrCodePlanUnitGraphInvalid, "unit graph is malformed")
	if err.Code != ErrCodePlanUnitGraphInvalid {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodePlanUnitGraphInvalid)
	}
	if err.Category != CategoryPlan {
		t.Errorf("Category = %v, want %v", err.Category, CategoryPlan)
	}
	if err.Details == nil || err.Context == nil {
		t.Error("Details/Context maps should be initialized")
	}
	if err.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestCategoryByPrefix(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodePlanCycle, CategoryPlan},
		{ErrCodeIoRead, CategoryIO},
		{ErrCodeAuthTokenExpired, CategoryAuth},
		{ErrCodeNetworkTimeout, CategoryNetwork},
		{ErrCodeIntegrityHashMismatch, CategoryIntegrity},
		{ErrCodeConflictAlreadyExists, CategoryConflict},
		{ErrCodeNotFoundBlob, CategoryNotFound},
		{ErrCodeInternalError, CategoryInternal},
	}
	for _, c := range cases {
		if got := GetCategory(c.code); got != c.want {
			t.Errorf("GetCategory(%s) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestRetryableDefaults(t *testing.T) {
	if !New(ErrCodeNetworkTimeout, "timed out").Retryable {
		t.Error("NetworkTimeout should be retryable by default")
	}
	if New(ErrCodePlanCycle, "cycle").Retryable {
		t.Error("PlanCycle should not be retryable by default")
	}
}

func TestIsNotFound(t *testing.T) {
	notFound := New(ErrCodeNotFoundUnit, "no such unit")
	if !IsNotFound(notFound) {
		t.Error("expected IsNotFound to be true for NOT_FOUND_* code")
	}

	wrapped := errors.New("restore failed")
	if IsNotFound(wrapped) {
		t.Error("expected IsNotFound to be false for a plain error")
	}

	other := New(ErrCodeNetworkTimeout, "timed out")
	if IsNotFound(other) {
		t.Error("expected IsNotFound to be false for a non-not-found CacheError")
	}
}

func TestErrorUnwrapAndIs(t *testing.T) {
	cause := errors.New("disk full")
	err := New(ErrCodeIoWrite, "write failed").WithCause(cause)

	if errors.Unwrap(err) != cause {
		t.Error("Unwrap should return the cause")
	}

	var target *CacheError
	if !errors.As(err, &target) {
		t.Fatal("errors.As should find the CacheError")
	}

	other := New(ErrCodeIoWrite, "different message")
	if !err.Is(other) {
		t.Error("errors with the same code should be Is-equal")
	}
}

func TestBuilderMethods(t *testing.T) {
	err := New(ErrCodeIoWrite, "write failed").
		WithComponent("cas").
		WithOperation("store").
		WithContext("key", "abc123").
		WithDetail("bytes", 42).
		WithStack()

	if err.Component != "cas" || err.Operation != "store" {
		t.Errorf("component/operation not set: %+v", err)
	}
	if err.Context["key"] != "abc123" {
		t.Error("context not set")
	}
	if err.Details["bytes"] != 42 {
		t.Error("detail not set")
	}
	if !strings.Contains(err.Stack, "errors_test.go") {
		t.Error("stack trace should mention this test file")
	}
}

func TestErrorStringFormat(t *testing.T) {
	err := New(ErrCodeIoWrite, "write failed").WithComponent("cas").WithOperation("store")
	msg := err.Error()
	if !strings.Contains(msg, "cas") || !strings.Contains(msg, "store") {
		t.Errorf("Error() missing component/operation: %s", msg)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	err := New(ErrCodeIoWrite, "write failed").WithDetail("path", "/tmp/x")
	data := err.JSON()

	var decoded map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(data), &decoded); jsonErr != nil {
		t.Fatalf("JSON() produced invalid JSON: %v", jsonErr)
	}
	if decoded["code"] != string(ErrCodeIoWrite) {
		t.Errorf("decoded code = %v, want %v", decoded["code"], ErrCodeIoWrite)
	}
}

func TestHTTPStatusDefaults(t *testing.T) {
	if GetDefaultHTTPStatus(ErrCodeNotFoundBlob) != 404 {
		t.Error("NotFoundBlob should map to 404")
	}
	if GetDefaultHTTPStatus(ErrCodeConflictAlreadyExists) != 409 {
		t.Error("ConflictAlreadyExists should map to 409")
	}
	if GetDefaultHTTPStatus(ErrCodeUnknownError) != 500 {
		t.Error("unmapped codes should default to 500")
	}
}
