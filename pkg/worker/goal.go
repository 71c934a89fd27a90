// Package worker implements the build coordinator: the goal graph, the
// single-threaded cooperative event loop that drives it, the
// query_missing planner, and per-build-user lock allocation.
package worker

import "context"

// ExitCode is a goal's terminal (or in-flight) state.
type ExitCode int

const (
	ExitBusy ExitCode = iota
	ExitSuccess
	ExitFailed
	ExitNoSubstituters
	ExitUnsupported
)

// GoalID identifies a goal within a single Worker's arena. IDs are
// assigned sequentially and never reused for the lifetime of a Worker;
// the arena owns the only strong reference, everything else (waitees,
// waiters, the awake set) refers to goals by ID rather than by pointer,
// the Go analogue of spec's "weak backref" requirement.
type GoalID int

// Goal is one unit of work in the build coordinator: realize a
// derivation output (DerivationGoal) or substitute a path
// (SubstitutionGoal).
type Goal interface {
	// Key orders goals for stable scheduling: derivation goals sort as
	// "b$name$path", substitution goals sort before any "b$" key.
	Key() string

	// ExitCode reports this goal's current state. ExitBusy means still
	// in flight.
	ExitCode() ExitCode

	// Waitees lists goals this goal is blocked on.
	Waitees() []GoalID

	// AddWaiter records that waiter depends on this goal's completion.
	AddWaiter(waiter GoalID)

	// Waiters lists goals blocked on this one.
	Waiters() []GoalID

	// StartWork advances the goal's state machine by one step. Called
	// whenever the goal is in the awake set and still busy.
	StartWork(ctx context.Context, w *Worker) error
}

// baseGoal is embedded by both goal kinds for the waitee/waiter
// bookkeeping shared between them.
type baseGoal struct {
	id      GoalID
	exit    ExitCode
	waitees []GoalID
	waiters []GoalID
}

func (g *baseGoal) setID(id GoalID) { g.id = id }

func (g *baseGoal) ExitCode() ExitCode { return g.exit }
func (g *baseGoal) Waitees() []GoalID  { return g.waitees }
func (g *baseGoal) Waiters() []GoalID  { return g.waiters }

func (g *baseGoal) AddWaiter(waiter GoalID) {
	g.waiters = append(g.waiters, waiter)
}

func (g *baseGoal) addWaitee(id GoalID) {
	g.waitees = append(g.waitees, id)
}

// removeWaitee drops id from waitees once that goal has finished,
// matching "waitees" shrinking as dependencies resolve.
func (g *baseGoal) removeWaitee(id GoalID) {
	out := g.waitees[:0]

	for _, w := range g.waitees {
		if w != id {
			out = append(out, w)
		}
	}

	g.waitees = out
}
