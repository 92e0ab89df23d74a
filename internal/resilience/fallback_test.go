package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimaryFirst(t *testing.T) {
	t.Parallel()

	var called []string
	err := newGroup().Execute(t.Context(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(called, []string{"primary"}) {
		t.Errorf("called = %v", called)
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	t.Parallel()

	res, err := ExecuteWithResult(t.Context(), newGroup(), func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if res != "from-secondary" {
		t.Errorf("res = %q", res)
	}
}

func TestFallbackGroup_AllFailJoinsErrors(t *testing.T) {
	t.Parallel()

	errSecond := errors.New("second")
	err := newGroup().Execute(t.Context(), func(v string) error {
		if v == "primary" {
			return errTest
		}
		return errSecond
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) || !errors.Is(err, errSecond) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping both backend errors", err)
	}
}

func TestFallbackGroup_OpenBreakerSkipsBackend(t *testing.T) {
	t.Parallel()

	fg := newGroup()
	for range 2 {
		_ = fg.Execute(t.Context(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var called []string
	_ = fg.Execute(t.Context(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if !slices.Equal(called, []string{"secondary"}) {
		t.Errorf("called = %v, want only secondary", called)
	}
}

func TestFallbackGroup_CancellationStopsChain(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	var called []string
	err := newGroup().Execute(ctx, func(v string) error {
		called = append(called, v)
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare context.Canceled", err)
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want one backend", called)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()

	if got := newGroup().Names(); !slices.Equal(got, []string{"primary", "secondary"}) {
		t.Errorf("Names = %v", got)
	}
}
