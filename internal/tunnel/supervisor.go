package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/craigderington/realmtunnel/pkg/types"
)

// retryState tracks the pending reconnect of one supervisor
type retryState struct {
	attempt int
	timer   *time.Timer
	token   uint64
	nextAt  time.Time
}

// Supervisor drives the lifecycle of one TunnelSet: probe and bind every
// mapping, watch the live listeners, reconnect with backoff, tear down.
type Supervisor struct {
	set       types.TunnelSet
	forwarder *PortForwarder
	policy    RetryPolicy
	bus       *StatusBus
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes attempts and teardown
	opMu sync.Mutex

	mu        sync.Mutex
	state     types.ConnectionState
	mappings  []types.MappingStatus
	handles   []*ForwarderHandle
	lastError string
	err       error
	retry     retryState
	exhausted bool
	stopped   bool

	stopOnce sync.Once
	stopErr  error
}

// NewSupervisor creates a supervisor for set. Nothing is bound until Start.
func NewSupervisor(set types.TunnelSet, forwarder *PortForwarder, policy RetryPolicy, bus *StatusBus, log zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	mappings := make([]types.MappingStatus, len(set.Mappings))
	for i, m := range set.Mappings {
		mappings[i] = types.MappingStatus{
			Index:     i,
			Label:     m.Label,
			LocalPort: m.LocalPort,
			State:     types.StateDisconnected,
		}
	}

	return &Supervisor{
		set:       set,
		forwarder: forwarder,
		policy:    policy.withDefaults(),
		bus:       bus,
		log:       log.With().Str("server", set.ServerID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		state:     types.StateDisconnected,
		mappings:  mappings,
		handles:   make([]*ForwarderHandle, len(set.Mappings)),
	}
}

// ServerID returns the id of the supervised server
func (s *Supervisor) ServerID() string {
	return s.set.ServerID
}

// TunnelSet returns the set the supervisor was built with
func (s *Supervisor) TunnelSet() types.TunnelSet {
	return s.set
}

// Start runs the first connect attempt and returns the resulting snapshot.
// A supervisor that was stopped before the attempt finished reports
// ErrSupervisorStopped.
func (s *Supervisor) Start() (types.StatusSnapshot, error) {
	snap := s.runAttempt(0)
	if s.Stopped() {
		return snap, fmt.Errorf("%w: %s", ErrSupervisorStopped, s.set.ServerID)
	}
	return snap, nil
}

// runAttempt binds every mapping that has no live handle. On failure the
// reconnect for retry number next is scheduled.
func (s *Supervisor) runAttempt(next int) types.StatusSnapshot {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}
	s.state = types.StateConnecting
	s.lastError = ""
	s.err = nil
	s.exhausted = false
	s.retry.nextAt = time.Time{}
	for i := range s.mappings {
		if s.handles[i] == nil {
			s.mappings[i].State = types.StateConnecting
			s.mappings[i].Error = ""
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.bus.Publish(snap)

	if err := s.set.Validate(); err != nil {
		return s.failAttempt(next, fmt.Errorf("%w: %v", ErrInvalidTunnelSet, err))
	}

	var failures []string
	for i, m := range s.set.Mappings {
		s.mu.Lock()
		live := s.handles[i] != nil
		s.mu.Unlock()
		if live {
			continue
		}

		h, err := s.forwarder.Bind(s.ctx, m)

		s.mu.Lock()
		if err != nil {
			s.mappings[i].State = types.StateError
			s.mappings[i].Error = err.Error()
			failures = append(failures, err.Error())
			s.log.Warn().Err(err).Int("mapping", i).Str("label", m.Label).Msg("tunnel failed to come up")
		} else {
			s.handles[i] = h
			s.mappings[i].State = types.StateConnected
			s.mappings[i].Error = ""
			s.mappings[i].LocalPort = h.Mapping().LocalPort
			s.log.Info().Int("mapping", i).Str("label", m.Label).
				Str("local_addr", h.LocalAddr()).Str("remote_addr", m.Address()).
				Msg("tunnel listening")
			go s.watch(i, h)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.stopped {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}

	if len(failures) == 0 {
		s.state = types.StateConnected
		if s.retry.timer != nil {
			s.retry.timer.Stop()
			s.retry.timer = nil
		}
		s.retry = retryState{token: s.retry.token + 1}
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.log.Info().Int("tunnels", len(s.set.Mappings)).Msg("server connected")
		s.bus.Publish(snap)
		return snap
	}

	s.state = types.StateError
	s.lastError = strings.Join(failures, "; ")
	if !s.policy.RetryOnPartial {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.bus.Publish(snap)
		return snap
	}
	return s.scheduleAndPublishLocked(next)
}

// failAttempt marks the whole attempt failed and schedules a reconnect
func (s *Supervisor) failAttempt(next int, err error) types.StatusSnapshot {
	s.mu.Lock()
	s.state = types.StateError
	s.lastError = err.Error()
	for i := range s.mappings {
		if s.handles[i] == nil {
			s.mappings[i].State = types.StateError
			s.mappings[i].Error = err.Error()
		}
	}
	s.log.Error().Err(err).Msg("connect attempt failed")
	return s.scheduleAndPublishLocked(next)
}

// scheduleAndPublishLocked arms the reconnect timer for attempt, publishes the
// error snapshot and, when the retry budget is spent, the terminal snapshot.
// It must be called with s.mu held and releases it.
func (s *Supervisor) scheduleAndPublishLocked(attempt int) types.StatusSnapshot {
	terminal := s.scheduleLocked(attempt)
	snap := s.snapshotLocked()
	if !terminal {
		s.mu.Unlock()
		s.bus.Publish(snap)
		return snap
	}

	s.exhausted = true
	s.err = &RetriesExhaustedError{Limit: s.policy.MaxRetries}
	s.lastError = s.err.Error()
	final := s.snapshotLocked()
	err := s.err
	s.mu.Unlock()

	s.log.Error().Err(err).Int("max_retries", s.policy.MaxRetries).Msg("giving up on reconnecting")
	s.bus.Publish(snap)
	s.bus.Publish(final)
	return final
}

// scheduleLocked arms the reconnect timer. It reports true when attempt is
// past the retry budget, in which case no timer is armed.
func (s *Supervisor) scheduleLocked(attempt int) bool {
	if s.retry.timer != nil {
		s.retry.timer.Stop()
		s.retry.timer = nil
	}
	s.retry.token++
	s.retry.nextAt = time.Time{}
	s.retry.attempt = attempt

	if attempt >= s.policy.MaxRetries {
		return true
	}

	delay := s.policy.Backoff.Delay(attempt)
	token := s.retry.token
	s.retry.nextAt = time.Now().Add(delay)
	s.retry.timer = time.AfterFunc(delay, func() {
		s.fire(token, attempt)
	})

	s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	return false
}

// fire runs a scheduled reconnect unless it was cancelled or superseded
func (s *Supervisor) fire(token uint64, attempt int) {
	s.mu.Lock()
	if s.stopped || s.retry.token != token {
		s.mu.Unlock()
		return
	}
	s.retry.timer = nil
	s.mu.Unlock()

	s.runAttempt(attempt + 1)
}

// watch reports a listener that stops without being closed by the supervisor
func (s *Supervisor) watch(index int, h *ForwarderHandle) {
	select {
	case <-h.Done():
	case <-s.ctx.Done():
		return
	}

	err := h.Err()
	if err == nil {
		return
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.stopped || s.handles[index] != h {
		s.mu.Unlock()
		return
	}
	s.handles[index] = nil
	s.mappings[index].State = types.StateError
	s.mappings[index].Error = err.Error()
	s.state = types.StateError
	s.lastError = err.Error()
	s.log.Warn().Err(err).Int("mapping", index).Msg("tunnel lost")

	if s.retry.timer == nil && !s.exhausted {
		s.scheduleAndPublishLocked(s.retry.attempt)
	} else {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.bus.Publish(snap)
	}

	h.Close()
}

// Stop cancels any pending reconnect, aborts in-flight probes and closes
// every live handle. The supervisor cannot be restarted.
func (s *Supervisor) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.retry.token++
		if s.retry.timer != nil {
			s.retry.timer.Stop()
			s.retry.timer = nil
		}
		s.mu.Unlock()

		s.cancel()

		s.opMu.Lock()
		defer s.opMu.Unlock()

		s.mu.Lock()
		handles := s.handles
		s.handles = make([]*ForwarderHandle, len(s.set.Mappings))
		s.state = types.StateDisconnected
		s.lastError = ""
		s.retry = retryState{token: s.retry.token}
		for i := range s.mappings {
			s.mappings[i].State = types.StateDisconnected
			s.mappings[i].Error = ""
		}
		s.mu.Unlock()

		var errs []error
		for _, h := range handles {
			if h == nil {
				continue
			}
			if err := h.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.stopErr = errors.Join(errs...)
		s.log.Info().Msg("tunnels closed")
	})
	return s.stopErr
}

// Stopped reports whether Stop has been called
func (s *Supervisor) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Exhausted reports whether the supervisor gave up after the retry budget
func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Err returns the terminal error once the supervisor has given up, or
// ErrSupervisorStopped after Stop. It is nil while the supervisor is active.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSupervisorStopped
	}
	return s.err
}

// Status returns a snapshot of the current state
func (s *Supervisor) Status() types.StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Stats returns traffic counters for every live handle
func (s *Supervisor) Stats() []types.MappingStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]types.MappingStats, 0, len(s.handles))
	for i, h := range s.handles {
		if h == nil {
			continue
		}
		fs := h.Stats()
		stats = append(stats, types.MappingStats{
			Index:         i,
			Label:         s.set.Mappings[i].Label,
			LocalAddr:     h.LocalAddr(),
			RemoteAddr:    s.set.Mappings[i].Address(),
			BytesSent:     fs.BytesSent,
			BytesReceived: fs.BytesReceived,
			Connections:   fs.Connections,
			ActiveConns:   fs.ActiveConns,
			Errors:        fs.Errors,
			StartedAt:     fs.StartedAt,
			LastActivity:  fs.LastActivity,
		})
	}
	return stats
}

func (s *Supervisor) snapshotLocked() types.StatusSnapshot {
	mappings := make([]types.MappingStatus, len(s.mappings))
	copy(mappings, s.mappings)

	snap := types.StatusSnapshot{
		ServerID:     s.set.ServerID,
		State:        s.state,
		Mappings:     mappings,
		LastError:    s.lastError,
		RetryAttempt: s.retry.attempt,
		Timestamp:    time.Now(),
	}
	if !s.retry.nextAt.IsZero() {
		next := s.retry.nextAt
		snap.NextRetryAt = &next
	}
	return snap
}
