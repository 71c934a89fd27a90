package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstitutionGoalAlreadyValid(t *testing.T) {
	dir := t.TempDir()
	st := newFakeBuildStore(dir)

	p := mkTestPath(t, "sg-valid")
	st.markValid(p)

	w := NewWorker(st, nil, nil)
	g := &SubstitutionGoal{path: p}
	top := w.AddGoal(g)
	w.AddTopGoal(top)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, ExitSuccess, g.ExitCode())
}

func TestSubstitutionGoalFetchesFromSubstituter(t *testing.T) {
	dir := t.TempDir()
	st := newFakeBuildStore(dir)

	p := mkTestPath(t, "sg-fetch")
	sub := newFakeSubstituter(dir)
	sub.offer(p, "none", []byte("fetched bytes"))

	w := NewWorker(st, []NarFetcher{sub}, nil)
	g := &SubstitutionGoal{path: p}
	top := w.AddGoal(g)
	w.AddTopGoal(top)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, ExitSuccess, g.ExitCode())

	valid, err := st.IsValidPath(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestSubstitutionGoalRejectsUnsupportedCompression(t *testing.T) {
	dir := t.TempDir()
	st := newFakeBuildStore(dir)

	p := mkTestPath(t, "sg-xz")
	sub := newFakeSubstituter(dir)
	sub.offer(p, "xz", []byte("would need decompression"))

	w := NewWorker(st, []NarFetcher{sub}, nil)
	g := &SubstitutionGoal{path: p}
	top := w.AddGoal(g)
	w.AddTopGoal(top)

	// Run still returns nil at the event-loop level (goal failures are
	// logged, not bubbled up through Run), but the goal itself reports
	// failure and the path never becomes valid.
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, ExitNoSubstituters, g.ExitCode())

	valid, err := st.IsValidPath(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestSubstitutionGoalNoSubstitutersAvailable(t *testing.T) {
	dir := t.TempDir()
	st := newFakeBuildStore(dir)

	p := mkTestPath(t, "sg-none")

	w := NewWorker(st, nil, nil)
	g := &SubstitutionGoal{path: p}
	top := w.AddGoal(g)
	w.AddTopGoal(top)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, ExitNoSubstituters, g.ExitCode())
}
