package cloak

import (
	"sync"
	"time"
)

// Status is the lifecycle state of an expirable secret. Time-driven states
// are ordered Valid < NearExpiry < Expired < HardExpired; Refreshing and
// RefreshFailed overlay them while a refresh is in flight or has failed.
type Status string

const (
	StatusValid         Status = "valid"
	StatusNearExpiry    Status = "near_expiry"
	StatusExpired       Status = "expired"
	StatusHardExpired   Status = "hard_expired"
	StatusRefreshing    Status = "refreshing"
	StatusRefreshFailed Status = "refresh_failed"
)

// Lifecycle defaults.
const (
	DefaultGracePeriod        = 5 * time.Minute
	DefaultRefreshThreshold   = 10 * time.Minute
	DefaultMaxRefreshAttempts = 3
	DefaultRefreshRetryDelay  = 30 * time.Second
)

// ExpiryConfig sets the expiry and refresh behaviour of one secret.
type ExpiryConfig struct {
	// TTL sets the expiry relative to creation (and to each successful
	// refresh). Ignored when ExpiresAt is set. Zero with a nil ExpiresAt
	// means the secret never expires.
	TTL time.Duration

	// ExpiresAt is an absolute expiry instant. Takes precedence over TTL and
	// is not moved by refreshes.
	ExpiresAt *time.Time

	// GracePeriod is how long past expiry the value stays readable before
	// the secret hard-expires. Zero means DefaultGracePeriod.
	GracePeriod time.Duration

	// AutoRefresh triggers a background refresh the first time the secret is
	// observed near expiry, when a refresh function is installed.
	AutoRefresh bool

	// RefreshThreshold is how long before expiry the secret counts as near
	// expiry. Zero means DefaultRefreshThreshold.
	RefreshThreshold time.Duration

	// MaxRefreshAttempts bounds consecutive failed refreshes before retries
	// stop. Zero means DefaultMaxRefreshAttempts.
	MaxRefreshAttempts uint32

	// RefreshRetryDelay separates a failed refresh from its retry.
	// Zero means DefaultRefreshRetryDelay.
	RefreshRetryDelay time.Duration
}

func (c ExpiryConfig) withDefaults() ExpiryConfig {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.MaxRefreshAttempts == 0 {
		c.MaxRefreshAttempts = DefaultMaxRefreshAttempts
	}
	if c.RefreshRetryDelay <= 0 {
		c.RefreshRetryDelay = DefaultRefreshRetryDelay
	}
	return c
}

// RefreshFunc produces a replacement secret. Returning nil without an error
// counts as a failed refresh.
type RefreshFunc func() (*Secret, error)

// StatusCallback observes time-driven status transitions.
type StatusCallback func(name string, status Status)

// ExpirableSecret couples an obfuscated secret with an expiry lifecycle.
//
// Status is never stored; it is recomputed from the clock on every read, so a
// secret whose expiry passed while nobody was looking still reports Expired.
// At most one refresh is in flight at any time. A successful refresh swaps
// the payload, resets the failure counter and, under TTL-relative expiry,
// restarts the expiry window.
type ExpirableSecret struct {
	mu        sync.Mutex
	name      string
	secret    Secret
	pipeline  *Pipeline
	config    ExpiryConfig
	scheduler Scheduler

	createdAt time.Time
	expiresAt *time.Time

	refreshFn RefreshFunc
	statusFn  StatusCallback

	refreshing    bool
	refreshFailed bool
	attempts      uint32
	autoTriggered bool
	lastReported  Status

	refreshTimer Timer
	retryTimer   Timer
	disposed     bool
}

// NewExpirableSecret wraps an obfuscated secret with an expiry lifecycle.
// The pipeline is used by Value to deobfuscate; it may be nil for secrets
// stored in the clear. A nil scheduler means the system scheduler.
func NewExpirableSecret(name string, secret Secret, pipeline *Pipeline, config ExpiryConfig, scheduler Scheduler) *ExpirableSecret {
	if scheduler == nil {
		scheduler = NewSystemScheduler()
	}
	config = config.withDefaults()

	now := scheduler.Now()
	es := &ExpirableSecret{
		name:         name,
		secret:       secret,
		pipeline:     pipeline,
		config:       config,
		scheduler:    scheduler,
		createdAt:    now,
		lastReported: StatusValid,
	}
	switch {
	case config.ExpiresAt != nil:
		t := *config.ExpiresAt
		es.expiresAt = &t
	case config.TTL > 0:
		t := now.Add(config.TTL)
		es.expiresAt = &t
	}
	return es
}

// Name returns the registration name of the secret.
func (es *ExpirableSecret) Name() string {
	return es.name
}

// Status computes the current lifecycle state. Observing NearExpiry triggers
// an auto refresh when configured, and time-driven transitions are reported
// to the status callback at most once per state.
func (es *ExpirableSecret) Status() Status {
	es.mu.Lock()
	status := es.statusLocked(es.scheduler.Now())
	trigger := es.shouldAutoRefreshLocked(status)
	if trigger {
		es.autoTriggered = true
	}
	notify := es.notificationLocked(status)
	name, cb := es.name, es.statusFn
	es.mu.Unlock()

	if trigger {
		go es.Refresh()
	}
	if notify != "" && cb != nil {
		cb(name, notify)
	}
	return status
}

func (es *ExpirableSecret) statusLocked(now time.Time) Status {
	if es.refreshing {
		return StatusRefreshing
	}
	ts := es.timeStatusLocked(now)
	if ts == StatusHardExpired {
		return StatusHardExpired
	}
	if es.refreshFailed {
		return StatusRefreshFailed
	}
	return ts
}

func (es *ExpirableSecret) timeStatusLocked(now time.Time) Status {
	if es.expiresAt == nil {
		return StatusValid
	}
	expiresAt := *es.expiresAt
	switch {
	case !now.Before(expiresAt.Add(es.config.GracePeriod)):
		return StatusHardExpired
	case !now.Before(expiresAt):
		return StatusExpired
	case !now.Before(expiresAt.Add(-es.config.RefreshThreshold)):
		return StatusNearExpiry
	default:
		return StatusValid
	}
}

func (es *ExpirableSecret) shouldAutoRefreshLocked(status Status) bool {
	return status == StatusNearExpiry &&
		es.config.AutoRefresh &&
		es.refreshFn != nil &&
		!es.autoTriggered &&
		!es.disposed
}

// notificationLocked returns the time-driven state to report, or empty when
// the state was already reported.
func (es *ExpirableSecret) notificationLocked(status Status) Status {
	switch status {
	case StatusNearExpiry, StatusExpired, StatusHardExpired:
		if es.lastReported != status {
			es.lastReported = status
			return status
		}
	}
	return ""
}

// Value deobfuscates and returns the secret bytes. A hard-expired secret
// returns ErrSecretExpired; in every other state, grace period included, the
// value remains readable.
func (es *ExpirableSecret) Value() ([]byte, error) {
	es.mu.Lock()
	if es.timeStatusLocked(es.scheduler.Now()) == StatusHardExpired {
		es.mu.Unlock()
		return nil, ErrSecretExpired
	}
	secret := es.secret
	pipeline := es.pipeline
	es.mu.Unlock()

	if pipeline == nil {
		return secret.Data(), nil
	}
	return pipeline.Reveal(secret)
}

// ExpiresAt returns the expiry instant, or nil for a non-expiring secret.
func (es *ExpirableSecret) ExpiresAt() *time.Time {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.expiresAt == nil {
		return nil
	}
	t := *es.expiresAt
	return &t
}

// TimeUntilExpiry returns the remaining time before expiry. Expired secrets
// return zero; non-expiring secrets return a negative duration.
func (es *ExpirableSecret) TimeUntilExpiry() time.Duration {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.expiresAt == nil {
		return -1
	}
	d := es.expiresAt.Sub(es.scheduler.Now())
	if d < 0 {
		return 0
	}
	return d
}

// IsExpired reports whether the secret is past expiry (Expired or further).
func (es *ExpirableSecret) IsExpired() bool {
	switch es.Status() {
	case StatusExpired, StatusHardExpired:
		return true
	}
	return false
}

// RefreshAttempts returns the count of consecutive failed refreshes.
func (es *ExpirableSecret) RefreshAttempts() uint32 {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.attempts
}

// SetRefreshFunc installs the refresh source. With AutoRefresh configured it
// also arms a timer that fires at the refresh threshold before expiry.
func (es *ExpirableSecret) SetRefreshFunc(fn RefreshFunc) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.disposed {
		return
	}
	es.refreshFn = fn
	es.armRefreshTimerLocked()
}

// SetStatusCallback installs the observer for time-driven transitions.
func (es *ExpirableSecret) SetStatusCallback(fn StatusCallback) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.statusFn = fn
}

func (es *ExpirableSecret) armRefreshTimerLocked() {
	if es.refreshTimer != nil {
		es.refreshTimer.Stop()
		es.refreshTimer = nil
	}
	if !es.config.AutoRefresh || es.refreshFn == nil || es.expiresAt == nil {
		return
	}
	d := es.expiresAt.Sub(es.scheduler.Now()) - es.config.RefreshThreshold
	if d < 0 {
		d = 0
	}
	es.refreshTimer = es.scheduler.AfterFunc(d, func() {
		es.Refresh()
	})
}

// Refresh replaces the secret through the refresh function. At most one
// refresh runs at a time; a call while one is in flight returns false
// without doing anything. Failures increment the attempt counter and, while
// attempts remain, schedule a delayed retry. A refresh completing after
// Dispose discards its result.
func (es *ExpirableSecret) Refresh() bool {
	es.mu.Lock()
	if es.disposed || es.refreshing || es.refreshFn == nil {
		es.mu.Unlock()
		return false
	}
	es.refreshing = true
	fn := es.refreshFn
	es.mu.Unlock()

	replacement, err := fn()

	es.mu.Lock()
	defer es.mu.Unlock()
	es.refreshing = false

	if es.disposed {
		return false
	}

	if err != nil || replacement == nil {
		es.attempts++
		es.refreshFailed = true
		if es.attempts < es.config.MaxRefreshAttempts {
			es.retryTimer = es.scheduler.AfterFunc(es.config.RefreshRetryDelay, func() {
				es.Refresh()
			})
		}
		return false
	}

	es.secret = *replacement
	es.attempts = 0
	es.refreshFailed = false
	es.autoTriggered = false
	es.lastReported = StatusValid

	now := es.scheduler.Now()
	es.createdAt = now
	if es.config.ExpiresAt == nil && es.config.TTL > 0 {
		t := now.Add(es.config.TTL)
		es.expiresAt = &t
	}
	es.armRefreshTimerLocked()
	return true
}

// Dispose stops the timers and detaches the secret from its scheduler. After
// Dispose, Refresh is a no-op and an in-flight refresh result is discarded.
func (es *ExpirableSecret) Dispose() {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.disposed {
		return
	}
	es.disposed = true
	if es.refreshTimer != nil {
		es.refreshTimer.Stop()
		es.refreshTimer = nil
	}
	if es.retryTimer != nil {
		es.retryTimer.Stop()
		es.retryTimer = nil
	}
}
