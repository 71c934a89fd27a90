package worker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/nixcore/nixd/pkg/store"
	"github.com/sirupsen/logrus"
)

// NarFetcher is the subset of pkg/substituter.Substituter a
// SubstitutionGoal needs: narinfo lookup plus the actual NAR byte
// stream. Declared here, rather than depending on the concrete type, so
// worker tests can fake it.
type NarFetcher interface {
	store.ReadStore

	FetchNar(ctx context.Context, info *store.ValidPathInfo) (io.ReadCloser, error)
}

// Worker drives a goal graph to completion. It is single-threaded
// cooperative: StartWork calls never overlap, even though the builder
// child processes they spawn run concurrently as separate OS
// processes. One Worker is created per build-paths (or query-missing)
// request and discarded once run returns.
type Worker struct {
	log          *logrus.Entry
	store        store.BuildStore
	substituters []NarFetcher

	mu       sync.Mutex
	goals    map[GoalID]Goal
	topGoals map[GoalID]struct{}
	awake    map[GoalID]struct{}
	nextID   GoalID

	// wake is signalled whenever a child event (process exit, timer,
	// explicit Wake call) adds an entry to awake while Run is blocked.
	wake chan struct{}
}

// NewWorker constructs an empty Worker bound to the given store and
// substituters, consulted in priority order by SubstitutionGoal.
func NewWorker(st store.BuildStore, substituters []NarFetcher, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Worker{
		log:          log,
		store:        st,
		substituters: substituters,
		goals:        make(map[GoalID]Goal),
		topGoals:     make(map[GoalID]struct{}),
		awake:        make(map[GoalID]struct{}),
		wake:         make(chan struct{}, 1),
	}
}

// fetchNarInto fetches path's NAR from sub and feeds it through
// AddToStore, completing a substitution. Compressed transports (xz,
// bzip2) are out of scope: no decompression library for either format
// exists anywhere in the retrieved example pack, so only
// Compression == "none" (or unset) narinfos can be substituted this
// way; others fail here and the caller's loop tries the next
// substituter.
func (w *Worker) fetchNarInto(ctx context.Context, sub NarFetcher, info *store.ValidPathInfo) error {
	if info.BinaryCache != nil && info.BinaryCache.Compression != "" && info.BinaryCache.Compression != "none" {
		return fmt.Errorf("worker: substituting %s: unsupported compression %q", info.Path, info.BinaryCache.Compression)
	}

	body, err := sub.FetchNar(ctx, info)
	if err != nil {
		return err
	}
	defer body.Close()

	_, err = w.store.AddToStore(ctx, info, false, true, body)

	return err
}

// Store returns the build store this worker coordinates against.
func (w *Worker) Store() store.BuildStore { return w.store }

// idSetter is implemented by baseGoal; AddGoal uses it so every goal's
// own notion of its ID always matches the arena's, without every call
// site having to remember to assign it back.
type idSetter interface {
	setID(id GoalID)
}

// AddGoal inserts g into the arena and returns its ID. The caller
// decides separately whether to register it as a top-level goal (via
// AddTopGoal) or as another goal's waitee.
func (w *Worker) AddGoal(g Goal) GoalID {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextID
	w.nextID++
	w.goals[id] = g
	w.awake[id] = struct{}{}

	if s, ok := g.(idSetter); ok {
		s.setID(id)
	}

	return id
}

// AddTopGoal marks id as a top-level goal: run(top_goals) keeps looping
// until every top-level goal has left ExitBusy.
func (w *Worker) AddTopGoal(id GoalID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.topGoals[id] = struct{}{}
}

// Wake adds id to the awake set and, if Run is currently blocked,
// unblocks it. Safe to call from a child-process reaper goroutine.
func (w *Worker) Wake(id GoalID) {
	w.mu.Lock()
	w.awake[id] = struct{}{}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Goal returns the goal registered under id, or nil if it isn't (or is
// no longer) present.
func (w *Worker) Goal(id GoalID) Goal {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.goals[id]
}

// Run is the worker's event loop, matching the sort-seed-drain-dispatch
// cycle: seed every top-level goal onto the awake set sorted by key,
// then repeatedly drain the awake set, call StartWork on each entry
// still live, and block for more child/timer activity until no
// top-level goal remains busy.
func (w *Worker) Run(ctx context.Context) error {
	w.seedTopGoals()

	const pollInterval = 200 * time.Millisecond

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := w.runOnce(ctx); err != nil {
			return err
		}

		if w.topGoalsEmpty() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// seedTopGoals sorts the current top-level goals by key and marks them
// all awake, giving run its initial scratch list a deterministic order.
func (w *Worker) seedTopGoals() {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]GoalID, 0, len(w.topGoals))
	for id := range w.topGoals {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return w.goals[ids[i]].Key() < w.goals[ids[j]].Key()
	})

	for _, id := range ids {
		w.awake[id] = struct{}{}
	}
}

// runOnce drains the awake set into a scratch list and calls StartWork
// on each goal still live, exactly once per entry.
func (w *Worker) runOnce(ctx context.Context) error {
	scratch := w.drainAwake()

	for _, id := range scratch {
		g := w.Goal(id)
		if g == nil || g.ExitCode() != ExitBusy {
			continue
		}

		if err := g.StartWork(ctx, w); err != nil {
			w.log.WithError(err).WithField("goal", id).Error("goal failed")
		}

		w.retireIfDone(id, g)
	}

	return nil
}

func (w *Worker) drainAwake() []GoalID {
	w.mu.Lock()
	defer w.mu.Unlock()

	scratch := make([]GoalID, 0, len(w.awake))
	for id := range w.awake {
		scratch = append(scratch, id)
	}

	sort.Slice(scratch, func(i, j int) bool {
		return w.goals[scratch[i]].Key() < w.goals[scratch[j]].Key()
	})

	w.awake = make(map[GoalID]struct{})

	return scratch
}

// retireIfDone removes a goal from the top set and wakes its waiters
// once its exit code has left ExitBusy.
func (w *Worker) retireIfDone(id GoalID, g Goal) {
	if g.ExitCode() == ExitBusy {
		return
	}

	w.mu.Lock()
	delete(w.topGoals, id)
	w.mu.Unlock()

	for _, waiter := range g.Waiters() {
		if wg := w.Goal(waiter); wg != nil {
			if bg, ok := wg.(waiteeRemover); ok {
				bg.removeWaitee(id)
			}
		}

		w.Wake(waiter)
	}
}

func (w *Worker) topGoalsEmpty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.topGoals) == 0
}

// waiteeRemover is implemented by baseGoal; used internally to shrink a
// waiting goal's waitee list once a dependency finishes.
type waiteeRemover interface {
	removeWaitee(id GoalID)
}
