package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeValidation, "invalid input"),
			want: "VALIDATION_ERROR: invalid input",
		},
		{
			name: "with wrapped error",
			err:  Wrap(CodeInternal, "something failed", errors.New("underlying")),
			want: "INTERNAL_ERROR: something failed: underlying",
		},
		{
			name: "index unavailable",
			err:  IndexUnavailableError("recipes", errors.New("connection refused")),
			want: `INDEX_UNAVAILABLE: index "recipes" is unavailable: connection refused`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeInternal, "wrapped", underlying)

	if unwrapped := err.Unwrap(); unwrapped != underlying {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, underlying)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is() should find the wrapped error")
	}
}

func TestAppError_Fatal(t *testing.T) {
	tests := []struct {
		code  string
		fatal bool
	}{
		{CodeIndexUnavailable, true},
		{CodeSearchFailed, true},
		{CodeEmptyQuerySet, true},
		{CodeMalformedQrelsLine, false},
		{CodeNotFound, false},
		{CodeInternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := New(tt.code, "x").Fatal(); got != tt.fatal {
				t.Errorf("Fatal() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), true},
		{"missing document", fmt.Errorf("fetch: %w", NotFoundError("document d1")), false},
		{"search failure", SearchFailedError("search failed", nil), true},
		{"timeout", TimeoutError("elasticsearch search", errors.New("deadline")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.want {
				t.Errorf("IsFatal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnavailableConstructors(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")

	err := ServiceUnavailableError("kafka", cause)
	if err.Code != CodeUnavailable || !errors.Is(err, cause) {
		t.Errorf("ServiceUnavailableError() = %v", err)
	}
	if got := err.Error(); got != "SERVICE_UNAVAILABLE: kafka is unavailable: dial tcp: connection refused" {
		t.Errorf("Error() = %q", got)
	}

	if got := TimeoutError("", nil).Error(); got != "TIMEOUT: operation timed out" {
		t.Errorf("TimeoutError() = %q", got)
	}
}

func TestWithDetail(t *testing.T) {
	err := New(CodeSearchFailed, "search failed").
		WithDetail(DetailStage, "search:bm25").
		WithDetail(DetailQueryID, "7")

	if err.Details[DetailStage] != "search:bm25" {
		t.Errorf("stage detail = %q", err.Details[DetailStage])
	}
	if err.Details[DetailQueryID] != "7" {
		t.Errorf("query_id detail = %q", err.Details[DetailQueryID])
	}
}

func TestHasCode(t *testing.T) {
	inner := IndexUnavailableError("recipes", errors.New("no such index"))
	outer := SearchFailedError("search failed", inner)
	wrapped := fmt.Errorf("comparison: %w", outer)

	if !HasCode(wrapped, CodeSearchFailed) {
		t.Error("HasCode() should find outer code through fmt wrapping")
	}
	if !IsIndexUnavailable(wrapped) {
		t.Error("IsIndexUnavailable() should find nested code")
	}
	if IsNotFound(wrapped) {
		t.Error("IsNotFound() should be false")
	}
	if HasCode(errors.New("plain"), CodeInternal) {
		t.Error("HasCode() should be false for plain errors")
	}
}

func TestStage(t *testing.T) {
	err := fmt.Errorf("run: %w", SearchFailedError("boom", nil).WithDetail(DetailStage, "search:tfidf"))
	if got := Stage(err); got != "search:tfidf" {
		t.Errorf("Stage() = %q, want search:tfidf", got)
	}
	if got := Stage(errors.New("plain")); got != "" {
		t.Errorf("Stage() = %q, want empty", got)
	}
}

func TestMalformedQrelsLineError(t *testing.T) {
	err := MalformedQrelsLineError(3, "1 d1 x", errors.New("bad grade"))
	if err.Code != CodeMalformedQrelsLine {
		t.Errorf("Code = %s", err.Code)
	}
	if err.Details[DetailLine] != "3" {
		t.Errorf("line detail = %q, want 3", err.Details[DetailLine])
	}
	if err.Fatal() {
		t.Error("malformed qrels lines must be recoverable")
	}
}
