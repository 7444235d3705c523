package dispatcher

import (
	"sync"
	"time"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
)

// State is one stage in a mount's life.
type State int

const (
	// StateInit is set before the dispatcher has accepted its first
	// operation.
	StateInit State = iota
	// StateActive is the normal operating state.
	StateActive
	// StateDraining rejects new operations while in-flight ones and
	// the background uploader finish.
	StateDraining
	// StateShutdown is terminal; the dispatcher has flushed everything
	// it can and released the mount-exclusion marker.
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Lifecycle tracks the dispatcher's coarse operating state, giving
// in-flight operations a single place to check whether new work is
// still accepted (§5's "shutdown sets a drain flag; new operations
// receive shutting-down").
type Lifecycle struct {
	mu             sync.RWMutex
	state          State
	lastTransition time.Time
}

// NewLifecycle returns a Lifecycle in StateInit.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateInit, lastTransition: time.Now()}
}

// Current returns the lifecycle's current state.
func (l *Lifecycle) Current() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Enter transitions to state, regardless of the current state. Callers
// are expected to only move forward through Init -> Active -> Draining
// -> Shutdown, but Enter does not itself enforce that ordering.
func (l *Lifecycle) Enter(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
	l.lastTransition = time.Now()
}

// CheckAcceptingOps returns ErrCodeShuttingDown once the lifecycle has
// left StateActive, letting a dispatcher method bail out before doing
// any work.
func (l *Lifecycle) CheckAcceptingOps() error {
	l.mu.RLock()
	state := l.state
	l.mu.RUnlock()

	if state == StateActive {
		return nil
	}
	if state == StateInit {
		return nil
	}
	return s3errors.New(s3errors.ErrCodeShuttingDown, "dispatcher", "CheckAcceptingOps",
		"filesystem is "+state.String())
}
