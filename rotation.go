package cloak

import (
	"fmt"
	"sync"
	"time"

	"southwinds.dev/cloak/audit"
)

// EventType classifies rotation manager events.
type EventType string

const (
	EventRotationStarted   EventType = "rotation_started"
	EventRotationCompleted EventType = "rotation_completed"
	EventRotationFailed    EventType = "rotation_failed"
	EventSecretNearExpiry  EventType = "secret_near_expiry"
	EventSecretExpired     EventType = "secret_expired"
	EventRefreshStarted    EventType = "refresh_started"
	EventRefreshCompleted  EventType = "refresh_completed"
	EventRefreshFailed     EventType = "refresh_failed"
)

// Event is one rotation manager notification.
type Event struct {
	SecretName string
	Type       EventType
	Err        error
	Timestamp  time.Time
}

// ManagerOptions configures a RotationManager.
type ManagerOptions struct {
	// MaxConcurrentRotations caps simultaneous rotations; further requests
	// queue FIFO. Zero means 3.
	MaxConcurrentRotations int

	// CheckInterval is the period of the automatic expiry sweep.
	// Zero means one minute.
	CheckInterval time.Duration

	// AutoRotate enables the periodic sweep that rotates every registered
	// secret found expired or near expiry.
	AutoRotate bool

	// Provider supplies replacement secrets for registrations that carry no
	// refresh function of their own. Optional.
	Provider SecretProvider

	// Audit receives rotation lifecycle events. Nil disables auditing.
	Audit audit.Logger

	// Scheduler drives the sweep timer and timestamps events. Nil means the
	// system scheduler.
	Scheduler Scheduler

	// EventBufferSize is the capacity of the event channel. Events are
	// dropped, never blocked on, when the consumer lags. Zero means 128.
	EventBufferSize int
}

// RotationManager orchestrates refreshes across a registry of expirable
// secrets. At most MaxConcurrentRotations rotations run at once; excess
// requests wait in a FIFO queue, and a secret is never both in flight and
// queued. Rotation outcomes are reported as events and booleans; errors
// inside a refresh never propagate out of the manager.
type RotationManager struct {
	mu       sync.Mutex
	opts     ManagerOptions
	subjects map[string]*ExpirableSecret
	order    []string
	rotating map[string]struct{}
	queued   map[string]struct{}
	queue    []string
	events   chan Event
	sweep    Timer
	closed   bool
}

// NewRotationManager creates a rotation manager. With AutoRotate set, a
// periodic sweep rotates whatever is expired or near expiry.
func NewRotationManager(opts ManagerOptions) *RotationManager {
	if opts.MaxConcurrentRotations <= 0 {
		opts.MaxConcurrentRotations = 3
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNoOpLogger()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewSystemScheduler()
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = 128
	}

	m := &RotationManager{
		opts:     opts,
		subjects: make(map[string]*ExpirableSecret),
		rotating: make(map[string]struct{}),
		queued:   make(map[string]struct{}),
		events:   make(chan Event, opts.EventBufferSize),
	}
	if opts.AutoRotate {
		m.mu.Lock()
		m.armSweepLocked()
		m.mu.Unlock()
	}
	return m
}

// Events returns the notification channel. The channel is closed by Close.
func (m *RotationManager) Events() <-chan Event {
	return m.events
}

// RegisterSecret places a secret under management, overwriting and disposing
// any prior registration under the same name. refresh may be nil; the
// manager then falls back to the configured provider as the refresh source.
func (m *RotationManager) RegisterSecret(name string, subject *ExpirableSecret, refresh RefreshFunc) error {
	if subject == nil {
		return fmt.Errorf("cannot register nil secret %q", name)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if prior, ok := m.subjects[name]; ok && prior != subject {
		prior.Dispose()
	} else if !ok {
		m.order = append(m.order, name)
	}
	m.subjects[name] = subject
	provider := m.opts.Provider
	m.mu.Unlock()

	if refresh == nil && provider != nil {
		refresh = func() (*Secret, error) {
			return provider.LoadSecret(name)
		}
	}
	if refresh != nil {
		subject.SetRefreshFunc(m.instrumentRefresh(name, refresh))
	}
	subject.SetStatusCallback(m.onStatusChange)
	return nil
}

// UnregisterSecret removes and disposes a managed secret. An in-flight
// rotation for it is left to finish; it can no longer be re-queued.
func (m *RotationManager) UnregisterSecret(name string) {
	m.mu.Lock()
	subject, ok := m.subjects[name]
	if ok {
		delete(m.subjects, name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		m.dequeueLocked(name)
	}
	m.mu.Unlock()

	if ok {
		subject.Dispose()
	}
}

// Secret returns a managed secret by name.
func (m *RotationManager) Secret(name string) (*ExpirableSecret, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subject, ok := m.subjects[name]
	return subject, ok
}

// RotateSecret rotates one secret by name, synchronously when a slot is
// free. Returns true only when this call performed a successful rotation.
// With all slots busy the request queues and the call returns false; a
// request for a secret already rotating or already queued is dropped.
func (m *RotationManager) RotateSecret(name string) bool {
	m.mu.Lock()
	subject, ok := m.claimLocked(name)
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	ok = m.performRotation(name, subject)
	m.drainQueue()
	return ok
}

// RotateExpiredSecrets scans the registry in registration order and starts
// or queues a rotation for every secret found expired or near expiry.
// Returns the number of rotations started or queued.
func (m *RotationManager) RotateExpiredSecrets() int {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.Unlock()

	dispatched := 0
	for _, name := range names {
		m.mu.Lock()
		subject, ok := m.subjects[name]
		m.mu.Unlock()
		if !ok {
			continue
		}

		switch subject.Status() {
		case StatusNearExpiry, StatusExpired:
		default:
			continue
		}

		m.mu.Lock()
		subject, ok = m.claimLocked(name)
		queued := false
		if !ok {
			_, queued = m.queued[name]
		}
		m.mu.Unlock()

		if ok {
			dispatched++
			go m.runWorker(name, subject)
		} else if queued {
			dispatched++
		}
	}
	return dispatched
}

// claimLocked either takes a rotation slot for name or queues the request.
// Returns the subject with true when the caller now owns a slot. Duplicate
// requests, unknown names and closed managers return false without queueing.
func (m *RotationManager) claimLocked(name string) (*ExpirableSecret, bool) {
	if m.closed {
		return nil, false
	}
	subject, ok := m.subjects[name]
	if !ok {
		return nil, false
	}
	if _, inFlight := m.rotating[name]; inFlight {
		return nil, false
	}
	if _, waiting := m.queued[name]; waiting {
		return nil, false
	}
	if len(m.rotating) >= m.opts.MaxConcurrentRotations {
		m.queue = append(m.queue, name)
		m.queued[name] = struct{}{}
		return nil, false
	}
	m.rotating[name] = struct{}{}
	return subject, true
}

func (m *RotationManager) dequeueLocked(name string) {
	if _, ok := m.queued[name]; !ok {
		return
	}
	delete(m.queued, name)
	for i, n := range m.queue {
		if n == name {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
}

// performRotation runs one rotation to completion and releases the slot.
// A panicking refresh callback is contained and reported as a failure.
func (m *RotationManager) performRotation(name string, subject *ExpirableSecret) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			m.emit(name, EventRotationFailed, fmt.Errorf("refresh panicked: %v", r))
		}
		m.mu.Lock()
		delete(m.rotating, name)
		m.mu.Unlock()
	}()

	m.emit(name, EventRotationStarted, nil)
	if subject.Refresh() {
		m.emit(name, EventRotationCompleted, nil)
		return true
	}
	m.emit(name, EventRotationFailed, fmt.Errorf("refresh of %q did not complete", name))
	return false
}

// runWorker services one claimed rotation, then keeps pulling queued names
// while any wait. The loop is explicit so deep queues never grow the stack.
func (m *RotationManager) runWorker(name string, subject *ExpirableSecret) {
	for {
		m.performRotation(name, subject)

		m.mu.Lock()
		var next *ExpirableSecret
		for next == nil {
			if m.closed || len(m.queue) == 0 || len(m.rotating) >= m.opts.MaxConcurrentRotations {
				m.mu.Unlock()
				return
			}
			name = m.queue[0]
			m.queue = m.queue[1:]
			delete(m.queued, name)
			// nil when the name was unregistered while queued; skip it.
			next = m.subjects[name]
		}
		m.rotating[name] = struct{}{}
		subject = next
		m.mu.Unlock()
	}
}

// drainQueue starts workers for queued requests while slots are free.
func (m *RotationManager) drainQueue() {
	for {
		m.mu.Lock()
		if m.closed || len(m.queue) == 0 || len(m.rotating) >= m.opts.MaxConcurrentRotations {
			m.mu.Unlock()
			return
		}
		name := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, name)
		subject, ok := m.subjects[name]
		if !ok {
			m.mu.Unlock()
			continue
		}
		m.rotating[name] = struct{}{}
		m.mu.Unlock()

		go m.runWorker(name, subject)
	}
}

// instrumentRefresh wraps a refresh function with refresh lifecycle events.
func (m *RotationManager) instrumentRefresh(name string, fn RefreshFunc) RefreshFunc {
	return func() (*Secret, error) {
		m.emit(name, EventRefreshStarted, nil)
		secret, err := fn()
		switch {
		case err != nil:
			m.emit(name, EventRefreshFailed, err)
		case secret == nil:
			m.emit(name, EventRefreshFailed, fmt.Errorf("refresh source returned no secret for %q", name))
		default:
			m.emit(name, EventRefreshCompleted, nil)
		}
		return secret, err
	}
}

// onStatusChange republishes time-driven secret transitions as events.
func (m *RotationManager) onStatusChange(name string, status Status) {
	switch status {
	case StatusNearExpiry:
		m.emit(name, EventSecretNearExpiry, nil)
	case StatusExpired, StatusHardExpired:
		m.emit(name, EventSecretExpired, nil)
	}
}

// Stats is a point-in-time snapshot of the manager.
type Stats struct {
	Total    int
	Rotating int
	Queued   int
	ByStatus map[Status]int
}

// Stats snapshots registry size, in-flight and queued rotation counts, and
// the status distribution of all managed secrets.
func (m *RotationManager) Stats() Stats {
	m.mu.Lock()
	stats := Stats{
		Total:    len(m.subjects),
		Rotating: len(m.rotating),
		Queued:   len(m.queue),
		ByStatus: make(map[Status]int),
	}
	subjects := make([]*ExpirableSecret, 0, len(m.subjects))
	for _, s := range m.subjects {
		subjects = append(subjects, s)
	}
	m.mu.Unlock()

	for _, s := range subjects {
		stats.ByStatus[s.Status()]++
	}
	return stats
}

func (m *RotationManager) armSweepLocked() {
	m.sweep = m.opts.Scheduler.AfterFunc(m.opts.CheckInterval, func() {
		m.RotateExpiredSecrets()

		m.mu.Lock()
		if !m.closed {
			m.armSweepLocked()
		}
		m.mu.Unlock()
	})
}

// emit publishes an event, drops it if the buffer is full, and mirrors it to
// the audit logger.
func (m *RotationManager) emit(name string, eventType EventType, eventErr error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	event := Event{
		SecretName: name,
		Type:       eventType,
		Err:        eventErr,
		Timestamp:  m.opts.Scheduler.Now(),
	}
	select {
	case m.events <- event:
	default:
	}
	m.mu.Unlock()

	metadata := map[string]interface{}{
		"secret_name": name,
	}
	if eventErr != nil {
		metadata["error"] = eventErr.Error()
	}
	_ = m.opts.Audit.Log(string(eventType), eventErr == nil, metadata)
}

// Close stops the sweep, disposes every managed secret, drops the queue and
// closes the event channel. Idempotent.
func (m *RotationManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.sweep != nil {
		m.sweep.Stop()
		m.sweep = nil
	}
	subjects := make([]*ExpirableSecret, 0, len(m.subjects))
	for _, s := range m.subjects {
		subjects = append(subjects, s)
	}
	m.subjects = make(map[string]*ExpirableSecret)
	m.order = nil
	m.queue = nil
	m.queued = make(map[string]struct{})
	close(m.events)
	m.mu.Unlock()

	for _, s := range subjects {
		s.Dispose()
	}
	return nil
}
