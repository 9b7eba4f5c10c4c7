package vfs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_IsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("listing: %w", NewError(KindFileNotFound, "no such dir %q", "/a"))

	if !errors.Is(err, ErrFileNotFound) {
		t.Error("expected errors.Is to match ErrFileNotFound")
	}
	if errors.Is(err, ErrAuth) {
		t.Error("did not expect errors.Is to match ErrAuth")
	}
}

func TestNewError_CapturesStack(t *testing.T) {
	err := NewError(KindIncorrectUse, "boom")
	if !strings.Contains(err.Stack, "TestNewError_CapturesStack") {
		t.Errorf("stack does not mention caller:\n%s", err.Stack)
	}
}

func TestWrapError(t *testing.T) {
	cause := errors.New("connection refused")

	t.Run("foreign cause is classified without stack", func(t *testing.T) {
		err := WrapError(KindNetworkIO, cause, "propfind %s", "/")
		if err.Kind != KindNetworkIO || err.Stack != "" {
			t.Errorf("got kind %v stack %q", err.Kind, err.Stack)
		}
		if !errors.Is(err, cause) {
			t.Error("cause not reachable through Unwrap")
		}
		if got := err.Error(); got != "NetworkIOError: propfind /: connection refused" {
			t.Errorf("Error() = %q", got)
		}
	})

	t.Run("already classified cause is kept", func(t *testing.T) {
		inner := NewError(KindAuth, "no credentials")
		if got := WrapError(KindNetworkIO, inner, "x"); got != inner {
			t.Errorf("got %v, want original error", got)
		}
	})

	t.Run("nil cause synthesizes with stack", func(t *testing.T) {
		err := WrapError(KindUnknown, nil, "odd")
		if err.Stack == "" {
			t.Error("expected captured stack")
		}
	})
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"nil pointer", Ok(1).Err(), KindUnknown},
		{"foreign", errors.New("x"), KindUnknown},
		{"direct", NewError(KindRemoteAPI, ""), KindRemoteAPI},
		{"wrapped", fmt.Errorf("a: %w", NewError(KindPermission, "")), KindPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorKind_IsSyncRelated(t *testing.T) {
	for _, k := range []ErrorKind{KindNetworkIO, KindRemoteAPI} {
		if !k.IsSyncRelated() {
			t.Errorf("%v should be sync related", k)
		}
	}
	for _, k := range []ErrorKind{KindAuth, KindFileNotFound, KindGenericIO} {
		if k.IsSyncRelated() {
			t.Errorf("%v should not be sync related", k)
		}
	}
}
