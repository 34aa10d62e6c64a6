package tunnel

import (
	"errors"
	"fmt"

	"github.com/craigderington/realmtunnel/pkg/types"
)

var (
	// ErrRemoteUnreachable means the pre-flight probe to the remote endpoint failed
	ErrRemoteUnreachable = errors.New("remote unreachable")
	// ErrBindFailed means the local listener could not be opened
	ErrBindFailed = errors.New("bind failed")
	// ErrAlreadyConnected means the server already has an active supervisor
	ErrAlreadyConnected = errors.New("already connected")
	// ErrMaxRetriesExceeded is terminal: no further automatic reconnects happen
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrServerNotFound     = errors.New("server not found")
	ErrInvalidServer      = errors.New("invalid server config")
	ErrInvalidTunnelSet   = errors.New("invalid tunnel set")
	ErrManagerClosed      = errors.New("manager closed")
	// ErrSupervisorStopped is returned when a stopped supervisor is asked to connect
	ErrSupervisorStopped = errors.New("supervisor stopped")
)

// MappingError records why a single mapping failed to come up
type MappingError struct {
	Kind    error
	Mapping types.PortMapping
	Err     error
}

func (e *MappingError) Error() string {
	switch e.Kind {
	case ErrRemoteUnreachable:
		return fmt.Sprintf("cannot reach %s: %v", e.Mapping.Address(), e.Err)
	case ErrBindFailed:
		return fmt.Sprintf("cannot bind local port %d: %v", e.Mapping.LocalPort, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Mapping, e.Err)
}

// Unwrap exposes both the failure kind and the underlying cause
func (e *MappingError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func unreachable(m types.PortMapping, err error) *MappingError {
	return &MappingError{Kind: ErrRemoteUnreachable, Mapping: m, Err: err}
}

func bindFailed(m types.PortMapping, err error) *MappingError {
	return &MappingError{Kind: ErrBindFailed, Mapping: m, Err: err}
}

// RetriesExhaustedError is the terminal error of a supervisor that gave up
type RetriesExhaustedError struct {
	Limit int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("Max retries (%d) exceeded", e.Limit)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return ErrMaxRetriesExceeded
}
