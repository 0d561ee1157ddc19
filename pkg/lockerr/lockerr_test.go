package lockerr

import (
	"errors"
	"fmt"
	"testing"
)

var errDetail = errors.New("detail")

func TestErrorIsKind(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target *Error
		want   bool
	}{
		{"same kind", New(KindDecryption, "open", errDetail), Decryption, true},
		{"other kind", New(KindDecryption, "open", errDetail), FileSystem, false},
		{"wrapped", fmt.Errorf("outer: %w", New(KindFileSystem, "read", errDetail)), FileSystem, true},
		{"plain error", errDetail, Encryption, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrapDetail(t *testing.T) {
	err := ForName(KindDecryption, "open", "db_pass", errDetail)
	if !errors.Is(err, errDetail) {
		t.Error("expected detail error to be reachable through Unwrap")
	}
	// Two non-bare errors of the same kind are not equal targets
	other := New(KindDecryption, "open", errors.New("other"))
	if err.Is(other) {
		t.Error("non-bare targets should not match")
	}
}

func TestErrorMessage(t *testing.T) {
	err := ForName(KindFileSystem, "open", "db_pass", errDetail)
	want := `file system error: open "db_pass": detail`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(fmt.Errorf("x: %w", New(KindInitialization, "init", errDetail))); got != KindInitialization {
		t.Errorf("KindOf() = %v, want %v", got, KindInitialization)
	}
	if got := KindOf(errDetail); got != 0 {
		t.Errorf("KindOf(plain) = %v, want 0", got)
	}
}

func TestWithName(t *testing.T) {
	inner := New(KindDecryption, "envelope.decode", errDetail)
	err := WithName(inner, "open", "db_pass")

	if !errors.Is(err, Decryption) || !errors.Is(err, errDetail) {
		t.Errorf("WithName lost kind or detail: %v", err)
	}
	want := `decryption error: open "db_pass": detail`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	if got := WithName(errDetail, "open", "x"); got != errDetail {
		t.Errorf("unclassified errors should pass through, got %v", got)
	}
	if WithName(nil, "open", "x") != nil {
		t.Error("nil should stay nil")
	}
}
