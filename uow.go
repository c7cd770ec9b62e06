package xcqrs

import (
	"fmt"
	"sync"
)

// UnitState is the lifecycle state of a UnitOfWork.
type UnitState uint8

const (
	UnitOpen UnitState = iota
	UnitCommitted
	UnitRolledBack
)

func (s UnitState) String() string {
	switch s {
	case UnitOpen:
		return "open"
	case UnitCommitted:
		return "committed"
	case UnitRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// UnitOfWork is the transactional scope of one command dispatch. It captures the
// events a handler records and makes them visible only on Commit. It performs no
// I/O; handlers bind domain storage to its outcome with AfterCommit/AfterRollback.
//
// A unit leaves UnitOpen exactly once. Record may be called from multiple
// goroutines of the same handler.
type UnitOfWork struct {
	cmd Envelope

	mu         sync.Mutex
	state      UnitState
	pending    []any
	onCommit   []func()
	onRollback []func(error)
}

// OpenUnitOfWork returns a fresh unit bound to cmd.
func OpenUnitOfWork(cmd Envelope) *UnitOfWork {
	return &UnitOfWork{cmd: cmd, state: UnitOpen}
}

// Command returns the envelope this unit is bound to.
func (u *UnitOfWork) Command() Envelope { return u.cmd }

// State returns the current state.
func (u *UnitOfWork) State() UnitState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Len returns the number of recorded, uncommitted events.
func (u *UnitOfWork) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// Record appends an event payload to the pending sequence.
func (u *UnitOfWork) Record(event any) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidPayload)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != UnitOpen {
		return fmt.Errorf("%w: record on %s unit", ErrInvalidState, u.state)
	}
	u.pending = append(u.pending, event)
	return nil
}

// AfterCommit registers fn to run once the unit commits.
func (u *UnitOfWork) AfterCommit(fn func()) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != UnitOpen {
		return fmt.Errorf("%w: hook on %s unit", ErrInvalidState, u.state)
	}
	u.onCommit = append(u.onCommit, fn)
	return nil
}

// AfterRollback registers fn to run with the cause once the unit rolls back.
func (u *UnitOfWork) AfterRollback(fn func(cause error)) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != UnitOpen {
		return fmt.Errorf("%w: hook on %s unit", ErrInvalidState, u.state)
	}
	u.onRollback = append(u.onRollback, fn)
	return nil
}

// Commit transitions to UnitCommitted and returns the result together with the
// frozen events, in capture order, derived from the bound command.
// Envelope IDs and timestamps are assigned by the bus at publication.
func (u *UnitOfWork) Commit(result any) (any, []Envelope, error) {
	u.mu.Lock()
	if u.state != UnitOpen {
		st := u.state
		u.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: commit on %s unit", ErrInvalidState, st)
	}
	u.state = UnitCommitted
	pending := u.pending
	hooks := u.onCommit
	u.pending, u.onCommit, u.onRollback = nil, nil, nil
	u.mu.Unlock()

	events := make([]Envelope, len(pending))
	for i, p := range pending {
		events[i] = u.cmd.Derive(KindEvent, p)
	}
	for _, fn := range hooks {
		fn()
	}
	return result, events, nil
}

// Rollback transitions to UnitRolledBack, discards pending events and returns cause.
func (u *UnitOfWork) Rollback(cause error) error {
	u.mu.Lock()
	if u.state != UnitOpen {
		st := u.state
		u.mu.Unlock()
		return fmt.Errorf("%w: rollback on %s unit", ErrInvalidState, st)
	}
	u.state = UnitRolledBack
	hooks := u.onRollback
	u.pending, u.onCommit, u.onRollback = nil, nil, nil
	u.mu.Unlock()

	for _, fn := range hooks {
		fn(cause)
	}
	return cause
}
