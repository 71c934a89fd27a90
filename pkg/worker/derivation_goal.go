package worker

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/nixcore/nixd/pkg/derivation"
	"github.com/nixcore/nixd/pkg/storepath"
	"github.com/nsf/jsondiff"
)

// DerivationState is one step of the derivation-goal state machine.
type DerivationState int

const (
	StateInit DerivationState = iota
	StateHaveDerivation
	StateOutputsSubstitutionTried
	StateInputsRealised
	StateTryToBuild
	StateBuilding
	StateBuildDone
)

func (s DerivationState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateHaveDerivation:
		return "HaveDerivation"
	case StateOutputsSubstitutionTried:
		return "OutputsSubstitutionTried"
	case StateInputsRealised:
		return "InputsRealised"
	case StateTryToBuild:
		return "TryToBuild"
	case StateBuilding:
		return "Building"
	case StateBuildDone:
		return "BuildDone"
	default:
		return "Unknown"
	}
}

// DerivationGoal realizes one derivation's wanted outputs. Sandbox
// construction (the Linux namespace clone/chroot dance) is deliberately
// not implemented here: CanBuildLocally and the rest of the state
// machine that leads up to it are real, but TryToBuild/Building run the
// builder directly on the host rather than inside a namespace. This
// mirrors the mount-namespace placeholder already documented on
// LocalStore: the interface the spec describes is present, its sandbox
// enforcement is not.
type DerivationGoal struct {
	baseGoal

	drvPath       storepath.Path
	wantedOutputs []string
	storeDir      string

	drv    *derivation.Derivation
	parsed *derivation.ParsedDerivation

	state DerivationState

	scratchDir string
	lock       *UserLock
	buildRound int

	// lastRoundHashes records each output's content hash from the
	// previous build round, consulted by BuildDone when build-repeat
	// and enforce-determinism together call for a comparison.
	lastRoundHashes map[string]string

	settings buildSettings
}

// buildSettings is the subset of config.Settings a derivation goal
// consults; kept narrow and passed in explicitly so goals never read
// config.Settings themselves (CoordinatingStore.goalSettings fills it in).
type buildSettings struct {
	LocalSystem     string
	ExtraPlatforms  []string
	SystemFeatures  []string
	BuiltinBuilders []string
	UseSandbox      bool
	SandboxFallback bool
	BuildUsersGroup string
	NixStateDir     string
	BuildRepeat     int
	EnforceDeterminism bool
}

// Key implements Goal: derivation goals sort as "b$name$path".
func (g *DerivationGoal) Key() string {
	name := g.drvPath.Name()

	return "b$" + name + "$" + g.drvPath.String()
}

// StartWork advances the state machine by exactly one step.
func (g *DerivationGoal) StartWork(ctx context.Context, w *Worker) error {
	switch g.state {
	case StateInit:
		return g.stepInit(ctx, w)
	case StateHaveDerivation:
		return g.stepHaveDerivation(ctx, w)
	case StateOutputsSubstitutionTried:
		return g.stepOutputsSubstitutionTried(ctx, w)
	case StateInputsRealised:
		return g.stepInputsRealised(ctx, w)
	case StateTryToBuild:
		return g.stepTryToBuild(ctx, w)
	case StateBuilding:
		return g.stepBuilding(ctx, w)
	case StateBuildDone:
		return g.stepBuildDone(ctx, w)
	default:
		return fmt.Errorf("worker: unknown derivation-goal state %v", g.state)
	}
}

// stepInit loads the drv, validates it can build locally, creates a
// scratch directory, and advances to HaveDerivation.
func (g *DerivationGoal) stepInit(ctx context.Context, w *Worker) error {
	if g.drv == nil {
		data, err := readStoreFile(g.storeDir, g.drvPath)
		if err != nil {
			g.exit = ExitFailed

			return fmt.Errorf("worker: reading %s: %w", g.drvPath, err)
		}

		drv, err := derivation.ParseDerivation(data, g.storeDir)
		if err != nil {
			g.exit = ExitFailed

			return fmt.Errorf("worker: parsing %s: %w", g.drvPath, err)
		}

		g.drv = drv
		g.parsed = derivation.NewParsedDerivation(drv)
	}

	if err := g.parsed.CheckSupported(); err != nil {
		g.exit = ExitUnsupported

		return err
	}

	if !g.parsed.CanBuildLocally(g.settings.LocalSystem, g.settings.ExtraPlatforms, g.settings.SystemFeatures, g.settings.BuiltinBuilders) {
		g.exit = ExitUnsupported

		return fmt.Errorf("worker: %s cannot build on this system (%s)", g.drvPath, g.drv.Platform)
	}

	dir, err := os.MkdirTemp("", "nixd-build-*")
	if err != nil {
		g.exit = ExitFailed

		return err
	}

	g.scratchDir = dir
	g.state = StateHaveDerivation
	w.Wake(g.id)

	return nil
}

// stepHaveDerivation, when the derivation allows substitutes, enqueues a
// substitution sub-goal for each wanted output and waits on them;
// otherwise it proceeds straight to realizing inputs.
func (g *DerivationGoal) stepHaveDerivation(ctx context.Context, w *Worker) error {
	if !g.parsed.SubstitutesAllowed() {
		g.state = StateInputsRealised
		w.Wake(g.id)

		return nil
	}

	for _, out := range g.wantedOutputsOrAll() {
		path, ok := g.outputPath(out)
		if !ok {
			continue
		}

		sub := &SubstitutionGoal{path: path}
		w.AddGoal(sub)
		g.addWaitee(sub.id)
		sub.AddWaiter(g.id)
	}

	g.state = StateOutputsSubstitutionTried
	w.Wake(g.id)

	return nil
}

func (g *DerivationGoal) stepOutputsSubstitutionTried(ctx context.Context, w *Worker) error {
	if len(g.waitees) > 0 {
		return nil
	}

	allValid := true

	for _, out := range g.wantedOutputsOrAll() {
		path, ok := g.outputPath(out)
		if !ok {
			continue
		}

		valid, err := w.Store().IsValidPath(ctx, path)
		if err != nil {
			return err
		}

		if !valid {
			allValid = false

			break
		}
	}

	if allValid {
		g.state = StateBuildDone
		w.Wake(g.id)

		return nil
	}

	g.state = StateInputsRealised
	w.Wake(g.id)

	return nil
}

// stepInputsRealised enqueues a sub-goal per input derivation and waits
// for all of them before proceeding to TryToBuild.
func (g *DerivationGoal) stepInputsRealised(ctx context.Context, w *Worker) error {
	if len(g.waitees) == 0 && g.buildRound == 0 {
		for _, in := range g.drv.InputDerivations {
			sub := newDerivationGoal(in.Path, in.Outputs, g.storeDir, g.settings)
			w.AddGoal(sub)
			w.AddTopGoal(sub.id)
			g.addWaitee(sub.id)
			sub.AddWaiter(g.id)
		}

		g.buildRound = -1 // sentinel: "sub-goals enqueued"

		if len(g.waitees) == 0 {
			g.buildRound = 0
			g.state = StateTryToBuild
		}

		w.Wake(g.id)

		return nil
	}

	if len(g.waitees) > 0 {
		return nil
	}

	g.buildRound = 0
	g.state = StateTryToBuild
	w.Wake(g.id)

	return nil
}

// ErrSandboxUnavailable is returned by stepTryToBuild when sandboxing is
// enabled in the settings and sandbox-fallback is off: this
// implementation never constructs one (see the DerivationGoal doc
// comment), so no derivation can build here under those settings.
var ErrSandboxUnavailable = fmt.Errorf("worker: sandboxed builds are not available")

// stepTryToBuild acquires a build-user lock. If none is free the goal
// returns without advancing state and schedules its own wake-up after a
// short delay, so StartWork runs again then, matching the spec's "park
// in waiting-for-build-slot" behavior without a distinct parked state.
func (g *DerivationGoal) stepTryToBuild(ctx context.Context, w *Worker) error {
	if g.settings.UseSandbox && !g.settings.SandboxFallback {
		g.exit = ExitUnsupported

		return ErrSandboxUnavailable
	}

	if g.lock == nil {
		lock, err := AcquireUserLock(g.settings.BuildUsersGroup, g.settings.NixStateDir)
		if err != nil {
			return err
		}

		if lock == nil {
			// No free build user; retry after a short delay.
			time.AfterFunc(200*time.Millisecond, func() { w.Wake(g.id) })

			return nil
		}

		g.lock = lock
	}

	g.state = StateBuilding
	w.Wake(g.id)

	return nil
}

// stepBuilding invokes the builder directly (no sandbox; see the
// DerivationGoal doc comment) and blocks until it exits.
func (g *DerivationGoal) stepBuilding(ctx context.Context, w *Worker) error {
	defer func() {
		if g.lock != nil {
			g.lock.Release()
			g.lock = nil
		}
	}()

	env := g.buildEnv()

	cmd := exec.CommandContext(ctx, g.drv.Builder, g.drv.Args...)
	cmd.Env = env
	cmd.Dir = g.scratchDir

	out, err := cmd.CombinedOutput()
	if err != nil {
		g.exit = ExitFailed

		return fmt.Errorf("worker: building %s: %w: %s", g.drvPath, err, out)
	}

	g.buildRound++
	g.state = StateBuildDone
	w.Wake(g.id)

	return nil
}

// stepBuildDone verifies the declared outputs exist and, when
// build-repeat calls for more than one round, compares this round's
// output hashes against the previous round's before either repeating
// the build or declaring success.
func (g *DerivationGoal) stepBuildDone(ctx context.Context, w *Worker) error {
	hashes := make(map[string]string, len(g.drv.Outputs))

	for _, out := range g.wantedOutputsOrAll() {
		path, ok := g.outputPath(out)
		if !ok {
			continue
		}

		h, err := hashOutputPath(g.storeDir, path)
		if err != nil {
			g.exit = ExitFailed

			return fmt.Errorf("worker: output %s missing after build: %w", path, err)
		}

		hashes[out] = h
	}

	if g.buildRound > 1 && g.settings.EnforceDeterminism {
		match, report := verifyDeterminism(g.lastRoundHashes, hashes)
		if !match {
			g.exit = ExitFailed

			return fmt.Errorf("worker: %s is not deterministic across build rounds: %s", g.drvPath, report)
		}
	}

	if g.buildRound <= g.settings.BuildRepeat {
		g.lastRoundHashes = hashes
		g.state = StateBuilding
		w.Wake(g.id)

		return nil
	}

	g.exit = ExitSuccess

	return nil
}

// hashOutputPath hashes an output's on-disk content for the
// build-repeat determinism comparison. This is deliberately simple: the
// real content-addressing hash (over the NAR serialization) is
// pkg/store's job at registration time, this is only a same-process
// round-to-round comparison.
func hashOutputPath(storeDir string, path storepath.Path) (string, error) {
	data, err := readStoreFile(storeDir, path)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)

	return fmt.Sprintf("%x", sum), nil
}

func (g *DerivationGoal) buildEnv() []string {
	env := make([]string, 0, len(g.drv.EnvOrder)+1)

	for _, k := range g.drv.EnvOrder {
		env = append(env, k+"="+g.drv.Env[k])
	}

	sort.Strings(env)

	return append(env, "NIX_BUILD_TOP="+g.scratchDir)
}

func (g *DerivationGoal) wantedOutputsOrAll() []string {
	if len(g.wantedOutputs) > 0 {
		return g.wantedOutputs
	}

	names := make([]string, len(g.drv.Outputs))
	for i, o := range g.drv.Outputs {
		names[i] = o.Name
	}

	return names
}

func (g *DerivationGoal) outputPath(name string) (storepath.Path, bool) {
	for _, o := range g.drv.Outputs {
		if o.Name == name {
			return o.Path, true
		}
	}

	return storepath.Path{}, false
}

// newDerivationGoal constructs a DerivationGoal in the Init state.
func newDerivationGoal(drvPath storepath.Path, wantedOutputs []string, storeDir string, settings buildSettings) *DerivationGoal {
	return &DerivationGoal{
		drvPath:       drvPath,
		wantedOutputs: wantedOutputs,
		storeDir:      storeDir,
		settings:      settings,
	}
}

// verifyDeterminism compares this round's output manifest against the
// previous round's when enforce-determinism and build-repeat together
// call for a second round; jsondiff reports exact mismatches for the
// log rather than a bare boolean.
func verifyDeterminism(prev, cur map[string]string) (bool, string) {
	prevJSON, _ := json.Marshal(prev)
	curJSON, _ := json.Marshal(cur)

	diff, report := jsondiff.Compare(prevJSON, curJSON, &jsondiff.Options{})

	return diff == jsondiff.FullMatch, report
}
