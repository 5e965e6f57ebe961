package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapErrorPreservesOriginalKind(t *testing.T) {
	inner := Errorf(KindCorruptData, "truncated container")
	wrapped := WrapError(KindInternal, fmt.Errorf("decode stage: %w", inner), "decode failed")

	if KindOf(wrapped) != KindCorruptData {
		t.Fatalf("expected corrupt_data to survive wrapping, got %s", KindOf(wrapped))
	}
	if !errors.Is(wrapped, inner) {
		t.Fatal("expected wrapped error to unwrap to the original")
	}
}

func TestKindOfUntypedError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("expected internal for untyped error, got %s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Fatalf("expected timeout for deadline exceeded, got %s", got)
	}
	if got := KindOf(context.Canceled); got != KindTimeout {
		t.Fatalf("expected timeout for cancelled context, got %s", got)
	}
	if got := KindOf(fmt.Errorf("fetch stage: %w", context.Canceled)); got != KindTimeout {
		t.Fatalf("expected timeout for wrapped cancellation, got %s", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindEmptyInput:        http.StatusBadRequest,
		KindInvalidOptions:    http.StatusBadRequest,
		KindEncodeFailed:      http.StatusBadRequest,
		KindUnsupportedFormat: http.StatusUnprocessableEntity,
		KindCorruptData:       http.StatusUnprocessableEntity,
		KindPayloadTooLarge:   http.StatusRequestEntityTooLarge,
		KindTimeout:           http.StatusGatewayTimeout,
		KindOverloaded:        http.StatusServiceUnavailable,
		KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Fatalf("kind %s: expected %d, got %d", kind, want, got)
		}
	}
}
