package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestIntervalSteps(t *testing.T) {
	s := DefaultRetryStrategy()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := s.Interval(i); got != w {
			t.Fatalf("Interval(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestRecordExhaustsAfterMaxRetries(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHandler(&RetryStrategy{Intervals: []time.Duration{time.Second}, MaxRetries: 2}, nil)
	h.SetClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ev := h.Record("op", http.StatusServiceUnavailable); ev.Exhausted {
			t.Fatalf("attempt %d exhausted early", i)
		}
	}
	ev := h.Record("op", http.StatusServiceUnavailable)
	if !ev.Exhausted {
		t.Fatalf("third failure should exhaust retries")
	}
	if ev.RetryAttempt != 2 {
		t.Fatalf("RetryAttempt = %d, want 2", ev.RetryAttempt)
	}
}

func TestReadyFollowsClock(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHandler(DefaultRetryStrategy(), nil)
	h.SetClock(func() time.Time { return now })

	if !h.Ready("op") {
		t.Fatalf("unknown key should be ready")
	}
	h.Record("op", 0)
	if h.Ready("op") {
		t.Fatalf("key should not be ready right after a failure")
	}
	now = now.Add(5 * time.Second)
	if !h.Ready("op") {
		t.Fatalf("key should be ready once the interval elapsed")
	}
}

func TestCheckResponseClearsOnSuccess(t *testing.T) {
	h := NewHandler(nil, nil)
	recovered := ""
	h.SetOnRecovered(func(key string) { recovered = key })

	ev, limited := h.CheckResponse("op", &http.Response{StatusCode: http.StatusTooManyRequests})
	if !limited {
		t.Fatalf("429 should be retryable")
	}
	if ev.StatusCode != http.StatusTooManyRequests || ev.Exhausted {
		t.Fatalf("event = %+v", ev)
	}
	if h.Ready("op") {
		t.Fatalf("op should wait after 429")
	}
	if _, limited := h.CheckResponse("op", &http.Response{StatusCode: http.StatusOK}); limited {
		t.Fatalf("200 should not be retryable")
	}
	if !h.Ready("op") {
		t.Fatalf("op should be cleared after 200")
	}
	if recovered != "op" {
		t.Fatalf("recovered = %q, want op", recovered)
	}
}

func TestNonRetryableStatuses(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound} {
		if IsRetryableStatus(code) {
			t.Fatalf("status %d should not be retryable", code)
		}
	}
}

func TestWaitHonoursContext(t *testing.T) {
	h := NewHandler(&RetryStrategy{Intervals: []time.Duration{time.Hour}, MaxRetries: 1}, nil)
	h.Record("op", http.StatusServiceUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Wait(ctx, "op"); err == nil {
		t.Fatalf("Wait should return the context error")
	}
	if err := h.Wait(context.Background(), "other"); err != nil {
		t.Fatalf("Wait on unknown key: %v", err)
	}
}
