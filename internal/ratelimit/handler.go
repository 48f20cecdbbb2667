package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"sustainbench-ee/internal/logging"
)

// RetryStrategy defines the backoff intervals for transient failures
type RetryStrategy struct {
	Intervals  []time.Duration // e.g., [5s, 10s, 15s, 20s, 30s]
	MaxRetries int
}

// DefaultRetryStrategy returns the default stepped backoff strategy
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			5 * time.Second,  // First retry after 5s
			10 * time.Second, // Second retry after 10s
			15 * time.Second, // Third retry after 15s
			20 * time.Second, // Fourth retry after 20s
			30 * time.Second, // Fifth+ retries after 30s
		},
		MaxRetries: 10, // Maximum number of consecutive retries before giving up
	}
}

// Interval returns the wait before retry number attempt (0-based). Attempts
// past the end of Intervals reuse the last interval.
func (s *RetryStrategy) Interval(attempt int) time.Duration {
	if len(s.Intervals) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(s.Intervals) {
		return s.Intervals[attempt]
	}
	return s.Intervals[len(s.Intervals)-1]
}

// Event represents one transient failure for a key
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Key          string    `json:"key"`        // task id or endpoint
	StatusCode   int       `json:"statusCode"` // HTTP status code, 0 for transport errors
	RetryAttempt int       `json:"retryAttempt"`
	NextRetryAt  time.Time `json:"nextRetryAt"`
	Exhausted    bool      `json:"exhausted"` // MaxRetries reached; caller should give up
	Message      string    `json:"message"`
}

// IsRetryableStatus reports whether an HTTP status should be retried
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		509: // Bandwidth Limit Exceeded
		return true
	}
	return false
}

// Handler tracks consecutive transient failures per key and schedules retries
type Handler struct {
	mu          sync.RWMutex
	limited     map[string]*Event // key -> current failure state
	strategy    *RetryStrategy
	onLimit     func(event Event)
	onRecovered func(key string)
	now         func() time.Time
	log         logging.Logger
}

// NewHandler creates a new retry handler
func NewHandler(strategy *RetryStrategy, log logging.Logger) *Handler {
	if strategy == nil {
		strategy = DefaultRetryStrategy()
	}
	if log == nil {
		log = logging.Noop()
	}

	return &Handler{
		limited:  make(map[string]*Event),
		strategy: strategy,
		now:      time.Now,
		log:      log.With(logging.String("component", "ratelimit")),
	}
}

// SetClock replaces the time source, for tests
func (h *Handler) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// SetOnLimit sets the callback for failure events
func (h *Handler) SetOnLimit(callback func(event Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onLimit = callback
}

// SetOnRecovered sets the callback for recovery after failures
func (h *Handler) SetOnRecovered(callback func(key string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// Strategy returns the handler's retry strategy
func (h *Handler) Strategy() *RetryStrategy { return h.strategy }

// CheckResponse analyzes an HTTP response for retryable status codes and
// returns the recorded event when it is one. A non-retryable response clears
// any outstanding failures for key.
func (h *Handler) CheckResponse(key string, resp *http.Response) (Event, bool) {
	if !IsRetryableStatus(resp.StatusCode) {
		h.Clear(key)
		return Event{}, false
	}

	return h.Record(key, resp.StatusCode), true
}

// Record registers a transient failure for key and returns the event,
// including when the next attempt may run.
func (h *Handler) Record(key string, statusCode int) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	retryAttempt := 0
	if existing, exists := h.limited[key]; exists {
		retryAttempt = existing.RetryAttempt + 1
	}

	now := h.now()
	nextRetryAt := now.Add(h.strategy.Interval(retryAttempt))

	event := Event{
		Timestamp:    now,
		Key:          key,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		NextRetryAt:  nextRetryAt,
		Exhausted:    retryAttempt >= h.strategy.MaxRetries,
	}
	event.Message = buildMessage(event)

	h.limited[key] = &event

	h.log.Warn(context.Background(), "transient failure",
		logging.String("key", key),
		logging.Int("status", statusCode),
		logging.Int("attempt", retryAttempt),
		logging.String("next_retry_at", nextRetryAt.Format(time.RFC3339)),
	)

	if h.onLimit != nil {
		h.onLimit(event)
	}

	return event
}

// Ready reports whether key may be retried now. Keys without outstanding
// failures are always ready.
func (h *Handler) Ready(key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	event, exists := h.limited[key]
	if !exists {
		return true
	}
	return !h.now().Before(event.NextRetryAt)
}

// Clear forgets outstanding failures for key
func (h *Handler) Clear(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.limited[key]; exists {
		delete(h.limited, key)
		h.log.Debug(context.Background(), "transient failures cleared", logging.String("key", key))

		if h.onRecovered != nil {
			h.onRecovered(key)
		}
	}
}

// Wait blocks until key may be retried or ctx is done
func (h *Handler) Wait(ctx context.Context, key string) error {
	h.mu.RLock()
	event, exists := h.limited[key]
	now := h.now()
	h.mu.RUnlock()

	if !exists {
		return nil
	}
	wait := event.NextRetryAt.Sub(now)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(e Event) string {
	status := "transport error"
	if e.StatusCode != 0 {
		status = fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	if e.Exhausted {
		return fmt.Sprintf("%s: %s, giving up after %d retries", e.Key, status, e.RetryAttempt)
	}
	return fmt.Sprintf("%s: %s, retry %d at %s", e.Key, status, e.RetryAttempt+1, e.NextRetryAt.Format(time.RFC3339))
}
