package autoscale

import (
	"fmt"
)

// Operator compares a period aggregate against an alarm threshold.
type Operator string

const (
	GreaterOrEqual Operator = ">="
	LessOrEqual    Operator = "<="
)

// AlarmStatus is the evaluated state of an alarm.
type AlarmStatus string

const (
	StatusOK               AlarmStatus = "OK"
	StatusAlarm            AlarmStatus = "ALARM"
	StatusInsufficientData AlarmStatus = "INSUFFICIENT_DATA"
)

// Alarm watches one metric aggregate per evaluation period. It enters ALARM
// after Periods consecutive breaching periods and returns to OK after
// Periods consecutive compliant ones. The streak counters and the window are
// exported through accessors so callers can inspect the hysteresis state.
//
// An Alarm is not safe for concurrent use.
type Alarm struct {
	Name      string
	Threshold float64
	Operator  Operator
	Periods   int

	status    AlarmStatus
	breaches  int
	compliant int
	window    []float64
}

// NewAlarm returns an alarm in INSUFFICIENT_DATA.
func NewAlarm(name string, threshold float64, op Operator, periods int) (*Alarm, error) {
	if name == "" {
		return nil, fmt.Errorf("alarm name is required")
	}
	if op != GreaterOrEqual && op != LessOrEqual {
		return nil, fmt.Errorf("alarm %s: unsupported operator %q", name, op)
	}
	if periods < 1 {
		return nil, fmt.Errorf("alarm %s: periods must be at least 1, got %d", name, periods)
	}
	return &Alarm{
		Name:      name,
		Threshold: threshold,
		Operator:  op,
		Periods:   periods,
		status:    StatusInsufficientData,
	}, nil
}

// Transition is the status change caused by one period.
type Transition struct {
	From AlarmStatus
	To   AlarmStatus
}

func (t Transition) Changed() bool { return t.From != t.To }

// Entered reports whether the period moved the alarm into s.
func (t Transition) Entered(s AlarmStatus) bool { return t.Changed() && t.To == s }

// Breaches reports whether value violates the threshold.
func (a *Alarm) Breaches(value float64) bool {
	if a.Operator == LessOrEqual {
		return value <= a.Threshold
	}
	return value >= a.Threshold
}

// Observe feeds the aggregate of one evaluation period.
func (a *Alarm) Observe(value float64) Transition {
	from := a.status

	a.window = append(a.window, value)
	if len(a.window) > a.Periods {
		a.window = a.window[len(a.window)-a.Periods:]
	}

	if a.Breaches(value) {
		a.breaches++
		a.compliant = 0
		if a.status != StatusAlarm && a.breaches >= a.Periods {
			a.status = StatusAlarm
		}
	} else {
		a.compliant++
		a.breaches = 0
		switch {
		case a.status == StatusInsufficientData:
			a.status = StatusOK
		case a.status == StatusAlarm && a.compliant >= a.Periods:
			a.status = StatusOK
		}
	}
	return Transition{From: from, To: a.status}
}

// ObserveMissing records a period without data. Both streaks restart; the
// status is kept.
func (a *Alarm) ObserveMissing() Transition {
	a.breaches = 0
	a.compliant = 0
	return Transition{From: a.status, To: a.status}
}

func (a *Alarm) Status() AlarmStatus { return a.status }

// BreachStreak is the number of consecutive breaching periods.
func (a *Alarm) BreachStreak() int { return a.breaches }

// OKStreak is the number of consecutive compliant periods.
func (a *Alarm) OKStreak() int { return a.compliant }

// Window returns the aggregates of the last Periods periods, oldest first.
func (a *Alarm) Window() []float64 {
	return append([]float64(nil), a.window...)
}
