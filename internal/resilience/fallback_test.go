package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("async", "async", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("streaming", "streaming")
	return fg
}

func TestExecuteWithResult_PrimarySuccess(t *testing.T) {
	fg := newTestGroup()
	got, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, name, v string) (string, error) {
		return v + "-ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "async-ok" {
		t.Errorf("got %q, want async-ok", got)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	var failedOver []string
	fg := NewFallbackGroup("async", "async", FallbackConfig{
		OnFailover: func(from string, _ error) { failedOver = append(failedOver, from) },
	})
	fg.AddFallback("streaming", "streaming")

	got, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, name, v string) (string, error) {
		if name == "async" {
			return "", errTest
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "streaming" {
		t.Errorf("got %q, want streaming", got)
	}
	if len(failedOver) != 1 || failedOver[0] != "async" {
		t.Errorf("failedOver = %v, want [async]", failedOver)
	}
}

func TestExecuteWithResult_AllFailSurfacesLastError(t *testing.T) {
	errStreaming := errors.New("streaming broke")
	fg := newTestGroup()

	_, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, name, _ string) (int, error) {
		if name == "streaming" {
			return 0, errStreaming
		}
		return 0, errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errStreaming) {
		t.Errorf("err = %v, want last error wrapped", err)
	}
}

func TestExecuteWithResult_CancellationStopsWalk(t *testing.T) {
	fg := newTestGroup()
	ctx, cancel := context.WithCancel(context.Background())

	var tried []string
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, name, _ string) (int, error) {
		tried = append(tried, name)
		cancel()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("cancellation must not be reported as ErrAllFailed")
	}
	if len(tried) != 1 {
		t.Errorf("tried = %v, want only the first backend", tried)
	}
}

func TestExecuteWithResult_SkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("async", "async", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("streaming", "streaming")

	calls := map[string]int{}
	fn := func(_ context.Context, name, v string) (string, error) {
		calls[name]++
		if name == "async" {
			return "", errTest
		}
		return v, nil
	}
	_, _ = ExecuteWithResult(context.Background(), fg, fn)
	_, _ = ExecuteWithResult(context.Background(), fg, fn)

	if calls["async"] != 1 {
		t.Errorf("async calls = %d, want 1 (breaker should be open)", calls["async"])
	}
	if calls["streaming"] != 2 {
		t.Errorf("streaming calls = %d, want 2", calls["streaming"])
	}
	if fg.States()["async"] != StateOpen {
		t.Errorf("async state = %v, want open", fg.States()["async"])
	}
}

func TestFallbackGroup_Preferring(t *testing.T) {
	fg := newTestGroup()

	pref := fg.Preferring("streaming")
	if got := pref.Names(); got[0] != "streaming" || got[1] != "async" {
		t.Errorf("Preferring(streaming).Names() = %v", got)
	}
	if got := fg.Names(); got[0] != "async" {
		t.Errorf("original order changed: %v", got)
	}
	if fg.Preferring("async") != fg {
		t.Error("preferring the primary should return the group itself")
	}
	if fg.Preferring("unknown") != fg {
		t.Error("unknown name should return the group itself")
	}

	// Breakers are shared between views.
	pref.entries[0].breaker.Reset()
	if pref.entries[0].breaker != fg.entries[1].breaker {
		t.Error("views must share circuit breakers")
	}
}
