// Package supervisor implements the in-sandbox autonomous turn-driver: a
// single-threaded cooperative state machine that keeps the agent
// productively engaged when no human is present, enforces the active
// task's limits and verification, and escalates recovery prompts when the
// agent goes quiet.
package supervisor

// State is the Supervisor's primary position in its turn cycle.
type State string

const (
	StateInit      State = "init"
	StatePrompting State = "prompting"
	StateWaiting   State = "waiting"
	StateDelay     State = "delay"
)

// Orthogonal is a state that can be true alongside any primary State.
type Orthogonal string

const (
	OrthogonalNone       Orthogonal = ""
	OrthogonalPaused     Orthogonal = "paused"
	OrthogonalNeedsInput Orthogonal = "needs_input"
	OrthogonalCompleted  Orthogonal = "completed"
)
