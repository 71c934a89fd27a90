package worker

import (
	"context"
	"fmt"

	"github.com/nixcore/nixd/pkg/storepath"
)

// SubstitutionGoal realizes a single store path by fetching it from the
// first substituter that has it, falling back to failure (not to a
// build: turning a substitution miss into a build is the owning
// derivation-goal's decision, made in stepHaveDerivation/
// stepOutputsSubstitutionTried) when none do.
type SubstitutionGoal struct {
	baseGoal

	path    storepath.Path
	fetched bool
}

// Key implements Goal: substitution goals sort before any derivation
// goal's "b$"-prefixed key.
func (g *SubstitutionGoal) Key() string {
	return "a$" + g.path.String()
}

// StartWork fetches the path from the first substituter willing to
// serve it and streams it into the local store via AddToStore.
func (g *SubstitutionGoal) StartWork(ctx context.Context, w *Worker) error {
	if g.fetched {
		g.exit = ExitSuccess

		return nil
	}

	valid, err := w.Store().IsValidPath(ctx, g.path)
	if err != nil {
		g.exit = ExitFailed

		return err
	}

	if valid {
		g.fetched = true
		g.exit = ExitSuccess

		return nil
	}

	for _, sub := range w.substituters {
		info, err := sub.QueryPathInfo(ctx, g.path)
		if err != nil || info == nil {
			continue
		}

		if err := w.fetchNarInto(ctx, sub, info); err != nil {
			continue
		}

		g.fetched = true
		g.exit = ExitSuccess

		return nil
	}

	g.exit = ExitNoSubstituters

	return fmt.Errorf("worker: no substituter has %s", g.path)
}
