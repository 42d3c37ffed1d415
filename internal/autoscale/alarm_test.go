package autoscale

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAlarm(t *testing.T, threshold float64, op Operator, periods int) *Alarm {
	t.Helper()
	a, err := NewAlarm("cpu-high", threshold, op, periods)
	require.NoError(t, err)
	return a
}

func TestAlarm_RequiresConsecutiveBreaches(t *testing.T) {
	a := mustAlarm(t, 70, GreaterOrEqual, 2)
	assert.Equal(t, StatusInsufficientData, a.Status())

	tr := a.Observe(65)
	assert.Equal(t, Transition{From: StatusInsufficientData, To: StatusOK}, tr)

	tr = a.Observe(75)
	assert.False(t, tr.Changed(), "one breach is not enough")
	assert.Equal(t, StatusOK, a.Status())
	assert.Equal(t, 1, a.BreachStreak())

	tr = a.Observe(80)
	assert.True(t, tr.Entered(StatusAlarm))
	assert.Equal(t, 2, a.BreachStreak())
	assert.Equal(t, []float64{75, 80}, a.Window())
}

func TestAlarm_InterruptedStreakStartsOver(t *testing.T) {
	a := mustAlarm(t, 70, GreaterOrEqual, 3)
	for _, v := range []float64{71, 72, 50, 90, 91} {
		a.Observe(v)
	}
	assert.Equal(t, StatusOK, a.Status())
	assert.Equal(t, 2, a.BreachStreak())

	tr := a.Observe(92)
	assert.True(t, tr.Entered(StatusAlarm))
}

func TestAlarm_ReturnsToOKAfterConsecutiveCompliance(t *testing.T) {
	a := mustAlarm(t, 70, GreaterOrEqual, 2)
	a.Observe(80)
	a.Observe(80)
	require.Equal(t, StatusAlarm, a.Status())

	assert.False(t, a.Observe(40).Changed())
	assert.Equal(t, 1, a.OKStreak())
	assert.False(t, a.Observe(90).Changed(), "a breach resets the compliant streak")
	assert.Equal(t, 0, a.OKStreak())
	assert.False(t, a.Observe(40).Changed())
	assert.True(t, a.Observe(40).Entered(StatusOK))
}

func TestAlarm_StaysInAlarmWithoutRetransition(t *testing.T) {
	a := mustAlarm(t, 70, GreaterOrEqual, 1)
	assert.True(t, a.Observe(80).Entered(StatusAlarm))
	for i := 0; i < 3; i++ {
		assert.False(t, a.Observe(85).Changed())
	}
	assert.Equal(t, 4, a.BreachStreak())
	assert.Len(t, a.Window(), 1)
}

func TestAlarm_LessOrEqual(t *testing.T) {
	a := mustAlarm(t, 20, LessOrEqual, 2)
	assert.True(t, a.Breaches(20))
	assert.False(t, a.Breaches(21))

	a.Observe(10)
	assert.Equal(t, StatusInsufficientData, a.Status())
	assert.True(t, a.Observe(15).Entered(StatusAlarm))
}

func TestAlarm_MissingPeriodResetsStreaks(t *testing.T) {
	a := mustAlarm(t, 70, GreaterOrEqual, 2)
	a.Observe(50)
	a.Observe(80)
	require.Equal(t, 1, a.BreachStreak())

	tr := a.ObserveMissing()
	assert.False(t, tr.Changed())
	assert.Equal(t, StatusOK, a.Status())
	assert.Equal(t, 0, a.BreachStreak())

	assert.False(t, a.Observe(80).Changed(), "the streak restarted after the gap")
	assert.True(t, a.Observe(80).Entered(StatusAlarm))
}

func TestNewAlarm_Validation(t *testing.T) {
	_, err := NewAlarm("", 1, GreaterOrEqual, 1)
	assert.Error(t, err)
	_, err = NewAlarm("x", 1, ">", 1)
	assert.Error(t, err)
	_, err = NewAlarm("x", 1, LessOrEqual, 0)
	assert.Error(t, err)
}
