package worker

import (
	"context"
	"fmt"

	"github.com/nixcore/nixd/pkg/config"
	"github.com/nixcore/nixd/pkg/store"
	"github.com/nixcore/nixd/pkg/storepath"
	"github.com/sirupsen/logrus"
)

// CoordinatingStore completes store.BuildStore on top of a plain
// store.WriteStore (LocalStore implements only that much): it adds
// BuildPaths and QueryMissing by constructing a fresh Worker/Planner per
// call against the wrapped store and the configured substituters.
type CoordinatingStore struct {
	store.WriteStore

	substituters []NarFetcher
	settings     *config.Settings
	log          *logrus.Entry
}

// NewCoordinatingStore wraps base, consulting substituters (in the
// given priority order) for both query_missing and build substitution.
func NewCoordinatingStore(base store.WriteStore, substituters []NarFetcher, settings *config.Settings, log *logrus.Entry) *CoordinatingStore {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &CoordinatingStore{WriteStore: base, substituters: substituters, settings: settings, log: log}
}

// CoordinatingStore satisfies store.BuildStore, which embeds WriteStore
// plus the two methods defined below.
var _ store.BuildStore = (*CoordinatingStore)(nil)

// QueryMissing runs the bounded-parallel planner against the wrapped
// store and this coordinator's substituters.
func (c *CoordinatingStore) QueryMissing(ctx context.Context, paths []storepath.WithOutputs) (*store.MissingInfo, error) {
	readers := make([]store.ReadStore, len(c.substituters))
	for i, s := range c.substituters {
		readers[i] = s
	}

	planner := NewPlanner(c, readers, c.log, 16)

	return planner.QueryMissing(ctx, paths)
}

// BuildPaths constructs one DerivationGoal or SubstitutionGoal per
// requested path, runs them to completion on a fresh Worker, and
// reports the first failure (if keep-going is off) or every failure
// (if it's on).
func (c *CoordinatingStore) BuildPaths(ctx context.Context, paths []storepath.WithOutputs, mode store.BuildMode) error {
	if c.settings.MaxJobs == 0 {
		missing, err := c.QueryMissing(ctx, paths)
		if err != nil {
			return err
		}

		if len(missing.WillBuild) > 0 {
			return &NoBuildJobsError{Jobs: 0}
		}
	}

	w := NewWorker(c, c.substituters, c.log)
	settings := c.goalSettings()

	var failures []error

	for _, wp := range paths {
		var top GoalID

		if wp.Path.IsDerivation() {
			g := newDerivationGoal(wp.Path, wp.Outputs, c.StoreDir(), settings)
			top = w.AddGoal(g)
		} else {
			g := &SubstitutionGoal{path: wp.Path}
			top = w.AddGoal(g)
		}

		w.AddTopGoal(top)
	}

	if err := w.Run(ctx); err != nil {
		return err
	}

	for id, g := range w.goals {
		if g.ExitCode() != ExitSuccess && g.ExitCode() != ExitBusy {
			failures = append(failures, fmt.Errorf("worker: goal %d (%s) failed: exit code %v", id, g.Key(), g.ExitCode()))

			if !c.settings.KeepGoing {
				break
			}
		}
	}

	if len(failures) > 0 {
		err := failures[0]
		for _, f := range failures[1:] {
			err = fmt.Errorf("%w; %v", err, f)
		}

		return fmt.Errorf("worker: build_paths failed: %w", err)
	}

	return nil
}

func (c *CoordinatingStore) goalSettings() buildSettings {
	return buildSettings{
		LocalSystem:        c.settings.System,
		ExtraPlatforms:     c.settings.ExtraPlatforms,
		SystemFeatures:     c.settings.SystemFeatures,
		UseSandbox:         c.settings.Sandbox != config.SandboxOff,
		SandboxFallback:    c.settings.SandboxFallback,
		BuildUsersGroup:    c.settings.BuildUsersGroup,
		NixStateDir:        c.settings.NixStateDir,
		BuildRepeat:        c.settings.BuildRepeat,
		EnforceDeterminism: c.settings.EnforceDeterminism,
	}
}

// NoBuildJobsError is returned when build_paths would need to build
// something but max-jobs is 0.
type NoBuildJobsError struct {
	Jobs int
}

func (e *NoBuildJobsError) Error() string {
	return fmt.Sprintf("worker: no build jobs available (max-jobs=%d) but a build is required", e.Jobs)
}
