package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := New(CodeInvalidPrice, "price must be positive")
	if !stderrors.Is(err, New(CodeInvalidPrice, "other message")) {
		t.Fatal("expected code match")
	}
	if stderrors.Is(err, New(CodeInvalidFee, "price must be positive")) {
		t.Fatal("expected code mismatch")
	}
}

func TestCodeOfUnwrapsChains(t *testing.T) {
	t.Parallel()

	inner := New(CodeInsufficientFunds, "balance too low")
	wrapped := fmt.Errorf("purchase skill: %w", inner)
	if got := CodeOf(wrapped); got != CodeInsufficientFunds {
		t.Fatalf("code = %q, want %q", got, CodeInsufficientFunds)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("code = %q, want %q", got, CodeUnknown)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("disk full")
	err := Wrap(CodeInternal, "persist listing", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		code Code
		want int
	}{
		{CodeInvalidFee, http.StatusBadRequest},
		{CodeSkillIDTooLong, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeSkillNotActive, http.StatusConflict},
		{CodeAlreadyExists, http.StatusConflict},
		{CodeInsufficientFunds, http.StatusPaymentRequired},
		{CodeNotFound, http.StatusNotFound},
		{CodeArithmeticOverflow, http.StatusInternalServerError},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Fatalf("%s status = %d, want %d", tc.code, got, tc.want)
		}
	}
}
