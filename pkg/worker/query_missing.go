package worker

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/nixcore/nixd/pkg/derivation"
	"github.com/nixcore/nixd/pkg/store"
	"github.com/nixcore/nixd/pkg/storepath"
	"github.com/sirupsen/logrus"
)

// Planner answers "what would happen if build_paths ran against these
// paths": which outputs would substitute, which would have to build,
// and which are simply unknown (no substituter has them and they
// aren't a derivation we can build).
type Planner struct {
	store     store.BuildStore
	substores []store.ReadStore
	log       *logrus.Entry

	// concurrency bounds the number of path checks in flight, matching
	// "in parallel over a bounded pool".
	concurrency int
}

// NewPlanner constructs a Planner. substitutes is consulted in order
// for each path not already valid locally; concurrency <= 0 defaults to
// 16.
func NewPlanner(st store.BuildStore, substitutes []store.ReadStore, log *logrus.Entry, concurrency int) *Planner {
	if concurrency <= 0 {
		concurrency = 16
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Planner{store: st, substores: substitutes, log: log, concurrency: concurrency}
}

// planState is the mutable accumulator threaded through the bounded
// worker pool; all fields are guarded by mu.
type planState struct {
	mu      sync.Mutex
	visited map[string]struct{}
	info    store.MissingInfo
}

func (s *planState) markVisited(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.visited[key]; ok {
		return false
	}

	s.visited[key] = struct{}{}

	return true
}

// QueryMissing implements the query_missing planner: for each
// path-with-outputs, in parallel over a bounded pool, decide whether it
// will substitute, will build, or is unknown, recursing into
// derivation inputs that themselves need work.
//
// The work queue is an unbounded slice behind a mutex rather than a
// channel: visiting one path can enqueue several more (a derivation's
// invalid outputs, an input derivation's wanted outputs), and a bounded
// channel sized for the initial batch would risk every pool goroutine
// blocking on a full queue with nothing left to drain it.
func (p *Planner) QueryMissing(ctx context.Context, topPaths []storepath.WithOutputs) (*store.MissingInfo, error) {
	state := &planState{visited: make(map[string]struct{})}

	wq := newWorkQueue()
	for _, wp := range topPaths {
		wq.push(wp)
	}

	var (
		mu       sync.Mutex
		firstErr error
	)

	submit := func(wp storepath.WithOutputs) {
		wq.push(wp)
	}

	n := p.concurrency
	if n > len(topPaths)+1 && len(topPaths) > 0 {
		n = len(topPaths) + 1
	}

	if n < 1 {
		n = 1
	}

	var wg sync.WaitGroup

	wg.Add(n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()

			for {
				wp, ok := wq.pop()
				if !ok {
					return
				}

				if ctx.Err() == nil {
					if _, err := p.visitOne(ctx, state, wp, submit); err != nil {
						mu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						mu.Unlock()
					}
				} else {
					mu.Lock()
					if firstErr == nil {
						firstErr = ctx.Err()
					}
					mu.Unlock()
				}

				wq.done()
			}
		}()
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	p.log.WithFields(logrus.Fields{
		"will_build":      len(state.info.WillBuild),
		"will_substitute": len(state.info.WillSubstitute),
		"unknown":         len(state.info.Unknown),
		"download_size":   humanize.Bytes(state.info.DownloadSize),
		"nar_size":        humanize.Bytes(state.info.NarSize),
	}).Debug("query_missing plan complete")

	return &state.info, nil
}

// visitOne handles a single path-with-outputs. submit is called to push
// newly discovered dependency paths back onto the work queue.
func (p *Planner) visitOne(ctx context.Context, state *planState, wp storepath.WithOutputs, submit func(storepath.WithOutputs)) (bool, error) {
	key := wp.Path.String()
	if !state.markVisited(key) {
		return false, nil
	}

	valid, err := p.store.IsValidPath(ctx, wp.Path)
	if err != nil {
		return false, err
	}

	isDrv := wp.Path.IsDerivation()

	if isDrv {
		if !valid {
			state.mu.Lock()
			state.info.Unknown = append(state.info.Unknown, wp.Path)
			state.mu.Unlock()

			return false, nil
		}

		return p.visitDerivation(ctx, state, wp, submit)
	}

	if valid {
		return false, nil
	}

	for _, sub := range p.substores {
		info, err := sub.QueryPathInfo(ctx, wp.Path)
		if err != nil {
			continue
		}

		if info == nil {
			continue
		}

		state.mu.Lock()
		state.info.WillSubstitute = append(state.info.WillSubstitute, wp.Path)
		state.info.DownloadSize += info.NarSize
		state.info.NarSize += info.NarSize
		state.mu.Unlock()

		return false, nil
	}

	state.mu.Lock()
	state.info.Unknown = append(state.info.Unknown, wp.Path)
	state.mu.Unlock()

	return false, nil
}

// visitDerivation parses a valid .drv's content, finds which of its
// wanted outputs are still invalid, and either queues them for build or
// pushes them as substitution candidates depending on allow-substitutes.
func (p *Planner) visitDerivation(ctx context.Context, state *planState, wp storepath.WithOutputs, submit func(storepath.WithOutputs)) (bool, error) {
	data, err := p.readDerivation(ctx, wp.Path)
	if err != nil {
		state.mu.Lock()
		state.info.Unknown = append(state.info.Unknown, wp.Path)
		state.mu.Unlock()

		return false, nil
	}

	drv, err := derivation.ParseDerivation(data, p.store.StoreDir())
	if err != nil {
		state.mu.Lock()
		state.info.Unknown = append(state.info.Unknown, wp.Path)
		state.mu.Unlock()

		return false, nil
	}

	wanted := wp.Outputs
	if len(wanted) == 0 {
		wanted = allOutputNames(drv.Outputs)
	}

	var invalidOutputs []storepath.Path

	for _, out := range drv.Outputs {
		if !containsStr(wanted, out.Name) {
			continue
		}

		ok, err := p.store.IsValidPath(ctx, out.Path)
		if err != nil {
			return false, err
		}

		if !ok {
			invalidOutputs = append(invalidOutputs, out.Path)
		}
	}

	if len(invalidOutputs) == 0 {
		return false, nil
	}

	parsed := derivation.NewParsedDerivation(drv)

	if parsed.SubstitutesAllowed() {
		for _, out := range invalidOutputs {
			submit(storepath.WithOutputs{Path: out})
		}

		return true, nil
	}

	state.mu.Lock()
	state.info.WillBuild = append(state.info.WillBuild, wp.Path)
	state.mu.Unlock()

	for _, in := range drv.InputDerivations {
		submit(storepath.WithOutputs{Path: in.Path, Outputs: in.Outputs})
	}

	return true, nil
}

// readDerivation fetches a .drv's raw text content from the store so it
// can be reparsed. LocalStore exposes no direct "read file" capability
// on the interface boundary query_missing is built against, so this
// reads it from the store directory on disk directly.
func (p *Planner) readDerivation(ctx context.Context, path storepath.Path) ([]byte, error) {
	return readStoreFile(p.store.StoreDir(), path)
}

func allOutputNames(outs []derivation.DerivationOutput) []string {
	names := make([]string, len(outs))
	for i, o := range outs {
		names[i] = o.Name
	}

	return names
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}

	return false
}

// workQueue is an unbounded FIFO shared by the bounded pool of
// query_missing workers. outstanding counts items pushed but not yet
// marked done via done(); pop returns ok=false once the queue is empty
// and outstanding has dropped to zero, which is how the pool learns
// there is no more work coming (a worker processing an item may still
// push more before calling done on it).
type workQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       []storepath.WithOutputs
	outstanding int
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)

	return q
}

func (q *workQueue) push(wp storepath.WithOutputs) {
	q.mu.Lock()
	q.outstanding++
	q.items = append(q.items, wp)
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *workQueue) pop() (storepath.WithOutputs, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.outstanding == 0 {
			return storepath.WithOutputs{}, false
		}

		q.cond.Wait()
	}

	wp := q.items[0]
	q.items = q.items[1:]

	return wp, true
}

// done marks one previously-popped item fully processed (including any
// further items it pushed), decrementing outstanding.
func (q *workQueue) done() {
	q.mu.Lock()
	q.outstanding--
	empty := q.outstanding == 0
	q.mu.Unlock()

	if empty {
		q.cond.Broadcast()
	}
}
