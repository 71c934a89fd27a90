package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseGoalAddAndRemoveWaitee(t *testing.T) {
	g := &baseGoal{}

	g.addWaitee(3)
	g.addWaitee(5)
	assert.Len(t, g.Waitees(), 2)

	g.removeWaitee(3)
	assert.Equal(t, []GoalID{5}, g.Waitees())
}

func TestBaseGoalSetID(t *testing.T) {
	g := &baseGoal{}
	g.setID(42)
	assert.Equal(t, GoalID(42), g.id)
}

func TestBaseGoalAddWaiter(t *testing.T) {
	g := &baseGoal{}
	g.AddWaiter(7)
	g.AddWaiter(9)
	assert.Equal(t, []GoalID{7, 9}, g.Waiters())
}

func TestExitCodeDefaultsToBusy(t *testing.T) {
	g := &baseGoal{}
	assert.Equal(t, ExitBusy, g.ExitCode())
}
