package suggest

import (
	"context"
	"time"
)

// Timing defaults.
const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultCooldown = 2 * time.Second
)

// Completer is the remote completion call. It is invoked with the settled text
// and must honor ctx.
type Completer interface {
	Complete(ctx context.Context, text string) (string, error)
}

// Sink renders scheduler output. Methods are called from the scheduler
// goroutine and must not block.
type Sink interface {
	ShowDefault()
	ShowLoading()
	ShowResult(text string)
	ShowError(msg string)
	Clear()
}

// UserMessager is implemented by errors that carry a short text fit for display.
type UserMessager interface {
	UserMessage() string
}

type State int

const (
	StateDisabled State = iota
	StateIdle
	StateDebouncing
	StateCooldown
	StateInFlight
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateCooldown:
		return "cooldown"
	case StateInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Request is one dispatched completion.
type Request struct {
	ID        string
	Text      string
	StartedAt time.Time
}

// Result is the outcome of a Request as seen by the scheduler.
type Result struct {
	Text string
	Err  error
	Took time.Duration
}

// Hooks observe dispatch lifecycle. They run on the scheduler goroutine.
type Hooks struct {
	OnDispatch func(req Request)
	OnComplete func(req Request, res Result)
	// OnDiscard fires for results that arrive after Disable or a re-Enable.
	OnDiscard func(req Request, res Result)
}

// Snapshot is a point-in-time view of the scheduler state.
type Snapshot struct {
	State        State
	Active       bool
	Pending      string
	InFlight     bool
	InFlightText string
	Debouncing   bool
	WakeAt       time.Time
	LastDispatch time.Time
	Dispatches   uint64
}
