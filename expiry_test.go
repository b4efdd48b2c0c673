package cloak

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testExpiryStart() time.Time {
	return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
}

func newTestSecret(t *testing.T, scheduler Scheduler, config ExpiryConfig) *ExpirableSecret {
	t.Helper()

	pipeline, err := NewPipelineFromNames([]string{AlgorithmXOR}, CodecOptions{})
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	secret, err := pipeline.Obfuscate([]byte("initial-value"), 42)
	if err != nil {
		t.Fatalf("Failed to obfuscate: %v", err)
	}
	return NewExpirableSecret("test/secret", secret, pipeline, config, scheduler)
}

func TestExpiryStateOrdering(t *testing.T) {
	scheduler := NewVirtualScheduler(testExpiryStart())
	es := newTestSecret(t, scheduler, ExpiryConfig{
		TTL:              time.Second,
		RefreshThreshold: 500 * time.Millisecond,
		GracePeriod:      200 * time.Millisecond,
	})
	defer es.Dispose()

	steps := []struct {
		advance time.Duration
		want    Status
	}{
		{0, StatusValid},
		{400 * time.Millisecond, StatusValid},
		{200 * time.Millisecond, StatusNearExpiry},  // t=600ms, inside threshold
		{500 * time.Millisecond, StatusExpired},     // t=1.1s, past expiry
		{200 * time.Millisecond, StatusHardExpired}, // t=1.3s, past grace
	}
	for _, step := range steps {
		scheduler.Advance(step.advance)
		if got := es.Status(); got != step.want {
			t.Errorf("At %v: status = %s, want %s", scheduler.Now().Sub(testExpiryStart()), got, step.want)
		}
	}
}

func TestExpiryValueReadableThroughGrace(t *testing.T) {
	scheduler := NewVirtualScheduler(testExpiryStart())
	es := newTestSecret(t, scheduler, ExpiryConfig{
		TTL:         time.Second,
		GracePeriod: 200 * time.Millisecond,
	})
	defer es.Dispose()

	// Expired but inside grace: still readable.
	scheduler.Advance(1100 * time.Millisecond)
	value, err := es.Value()
	if err != nil {
		t.Fatalf("Value during grace failed: %v", err)
	}
	if !bytes.Equal(value, []byte("initial-value")) {
		t.Errorf("Value = %q", value)
	}

	// Past grace: hard expired, unreadable.
	scheduler.Advance(200 * time.Millisecond)
	if _, err = es.Value(); !errors.Is(err, ErrSecretExpired) {
		t.Errorf("Expected ErrSecretExpired after grace, got: %v", err)
	}
}

func TestExpiryNeverExpires(t *testing.T) {
	scheduler := NewVirtualScheduler(testExpiryStart())
	es := newTestSecret(t, scheduler, ExpiryConfig{})
	defer es.Dispose()

	scheduler.Advance(1000 * time.Hour)
	if got := es.Status(); got != StatusValid {
		t.Errorf("Status = %s, want %s", got, StatusValid)
	}
	if es.ExpiresAt() != nil {
		t.Error("Non-expiring secret reports an expiry instant")
	}
}

func TestExpiryAbsoluteInstantWins(t *testing.T) {
	scheduler := NewVirtualScheduler(testExpiryStart())
	at := testExpiryStart().Add(10 * time.Second)
	es := newTestSecret(t, scheduler, ExpiryConfig{
		TTL:       time.Hour, // ignored
		ExpiresAt: &at,
	})
	defer es.Dispose()

	if got := es.ExpiresAt(); got == nil || !got.Equal(at) {
		t.Errorf("ExpiresAt = %v, want %v", got, at)
	}
	scheduler.Advance(11 * time.Second)
	if got := es.Status(); got != StatusExpired {
		t.Errorf("Status = %s, want %s", got, StatusExpired)
	}
}

func TestExpiryRefreshExtendsWindow(t *testing.T) {
	scheduler := NewVirtualScheduler(testExpiryStart())
	es := newTestSecret(t, scheduler, ExpiryConfig{
		TTL:              time.Second,
		RefreshThreshold: 500 * time.Millisecond,
	})
	defer es.Dispose()

	pipeline, _ := NewPipelineFromNames([]string{AlgorithmXOR}, CodecOptions{})
	es.SetRefreshFunc(func() (*Secret, error) {
		replacement, err := pipeline.Obfuscate([]byte("refreshed-value"), 43)
		if err != nil {
			return nil, err
		}
		return &replacement, nil
	})

	scheduler.Advance(900 * time.Millisecond)
	if !es.Refresh() {
		t.Fatal("Refresh did not complete")
	}

	// The TTL window restarts from the refresh instant.
	if got := es.Status(); got != StatusValid {
		t.Errorf("Status after refresh = %s, want %s", got, StatusValid)
	}
	value, err := es.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if !bytes.Equal(value, []byte("refreshed-value")) {
		t.Errorf("Value = %q, want the refreshed value", value)
	}

	scheduler.Advance(600 * time.Millisecond)
	if got := es.Status(); got == StatusExpired || got == StatusHardExpired {
		t.Errorf("Secret expired %v after refresh with a 1s TTL: %s", 600*time.Millisecond, got)
	}
}

func TestExpiryRefreshFailureRetriesUpToLimit(t *testing.T) {
	scheduler := NewVirtualScheduler(testExpiryStart())
	es := newTestSecret(t, scheduler, ExpiryConfig{
		TTL:                time.Hour,
		MaxRefreshAttempts: 3,
		RefreshRetryDelay:  30 * time.Second,
	})
	defer es.Dispose()

	calls := 0
	es.SetRefreshFunc(func() (*Secret, error) {
		calls++
		return nil, fmt.Errorf("upstream unavailable")
	})

	if es.Refresh() {
		t.Fatal("Failing refresh reported success")
	}
	if got := es.Status(); got != StatusRefreshFailed {
		t.Errorf("Status = %s, want %s", got, StatusRefreshFailed)
	}

	// Two retries fire from the scheduler; the third failure stops the chain.
	scheduler.Advance(5 * time.Minute)
	if calls != 3 {
		t.Errorf("Refresh called %d times, want 3", calls)
	}
	if got := es.RefreshAttempts(); got != 3 {
		t.Errorf("RefreshAttempts = %d, want 3", got)
	}
}

func TestExpiryRefreshSuccessResetsAttempts(t *testing.T) {
	scheduler := NewVirtualScheduler(testExpiryStart())
	es := newTestSecret(t, scheduler, ExpiryConfig{TTL: time.Hour})
	defer es.Dispose()

	fail := true
	pipeline, _ := NewPipelineFromNames([]string{AlgorithmXOR}, CodecOptions{})
	es.SetRefreshFunc(func() (*Secret, error) {
		if fail {
			return nil, fmt.Errorf("transient")
		}
		replacement, err := pipeline.Obfuscate([]byte("ok"), 1)
		if err != nil {
			return nil, err
		}
		return &replacement, nil
	})

	es.Refresh()
	if es.RefreshAttempts() != 1 {
		t.Fatalf("RefreshAttempts = %d, want 1", es.RefreshAttempts())
	}

	fail = false
	if !es.Refresh() {
		t.Fatal("Refresh did not complete")
	}
	if es.RefreshAttempts() != 0 {
		t.Errorf("RefreshAttempts after success = %d, want 0", es.RefreshAttempts())
	}
	if got := es.Status(); got != StatusValid {
		t.Errorf("Status = %s, want %s", got, StatusValid)
	}
}

func TestExpiryThresholdTimerRefreshesOnce(t *testing.T) {
	scheduler := NewVirtualScheduler(testExpiryStart())
	es := newTestSecret(t, scheduler, ExpiryConfig{
		TTL:              time.Second,
		RefreshThreshold: 500 * time.Millisecond,
		AutoRefresh:      true,
	})
	defer es.Dispose()

	calls := 0
	pipeline, _ := NewPipelineFromNames([]string{AlgorithmXOR}, CodecOptions{})
	es.SetRefreshFunc(func() (*Secret, error) {
		calls++
		replacement, err := pipeline.Obfuscate([]byte("renewed"), 5)
		if err != nil {
			return nil, err
		}
		return &replacement, nil
	})

	// The timer armed at the threshold fires at t=500ms and renews the secret.
	scheduler.Advance(600 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("Refresh fired %d times, want 1", calls)
	}
	if got := es.Status(); got != StatusValid {
		t.Errorf("Status after timed refresh = %s, want %s", got, StatusValid)
	}

	// Repeated observations must not pile up further refreshes.
	es.Status()
	es.Status()
	if calls != 1 {
		t.Errorf("Refresh fired %d times after observations, want 1", calls)
	}
}

func TestExpiryDisposeDiscardsInFlightResult(t *testing.T) {
	scheduler := NewVirtualScheduler(testExpiryStart())
	es := newTestSecret(t, scheduler, ExpiryConfig{TTL: time.Hour})

	pipeline, _ := NewPipelineFromNames([]string{AlgorithmXOR}, CodecOptions{})
	release := make(chan struct{})
	es.SetRefreshFunc(func() (*Secret, error) {
		<-release
		replacement, err := pipeline.Obfuscate([]byte("late"), 2)
		if err != nil {
			return nil, err
		}
		return &replacement, nil
	})

	done := make(chan bool)
	go func() { done <- es.Refresh() }()

	es.Dispose()
	close(release)
	if <-done {
		t.Error("Refresh completing after Dispose reported success")
	}

	value, err := es.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if !bytes.Equal(value, []byte("initial-value")) {
		t.Errorf("Disposed secret mutated: %q", value)
	}
}

func TestExpiryConcurrentRefreshSingleFlight(t *testing.T) {
	scheduler := NewVirtualScheduler(testExpiryStart())
	es := newTestSecret(t, scheduler, ExpiryConfig{TTL: time.Hour})
	defer es.Dispose()

	pipeline, _ := NewPipelineFromNames([]string{AlgorithmXOR}, CodecOptions{})
	entered := make(chan struct{})
	release := make(chan struct{})
	es.SetRefreshFunc(func() (*Secret, error) {
		entered <- struct{}{}
		<-release
		replacement, err := pipeline.Obfuscate([]byte("fresh"), 3)
		if err != nil {
			return nil, err
		}
		return &replacement, nil
	})

	first := make(chan bool)
	go func() { first <- es.Refresh() }()
	<-entered

	if got := es.Status(); got != StatusRefreshing {
		t.Errorf("Status = %s, want %s", got, StatusRefreshing)
	}
	// A second refresh while one is in flight is rejected outright.
	if es.Refresh() {
		t.Error("Concurrent refresh was not rejected")
	}

	close(release)
	if !<-first {
		t.Error("Original refresh did not complete")
	}
}

func TestExpiryTimeUntilExpiry(t *testing.T) {
	scheduler := NewVirtualScheduler(testExpiryStart())
	es := newTestSecret(t, scheduler, ExpiryConfig{TTL: time.Second})
	defer es.Dispose()

	if got := es.TimeUntilExpiry(); got != time.Second {
		t.Errorf("TimeUntilExpiry = %v, want 1s", got)
	}
	scheduler.Advance(2 * time.Second)
	if got := es.TimeUntilExpiry(); got != 0 {
		t.Errorf("TimeUntilExpiry after expiry = %v, want 0", got)
	}
	if !es.IsExpired() {
		t.Error("IsExpired = false after expiry")
	}
}
