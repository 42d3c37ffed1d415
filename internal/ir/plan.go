package ir

// Action is the convergence decision for one node.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionNoOp   Action = "NOOP"
)

// Plan is a read-only preview of a convergence run.
type Plan struct {
	Changes []*ResourceChange
	Summary *PlanSummary
}

type ResourceChange struct {
	ID          string
	Action      Action
	Desired     *Resource
	Prior       *ActualState
	Fingerprint string
	Diff        map[string]*PropertyDiff
}

type PropertyDiff struct {
	Before any
	After  any
	Action string // "create", "update", "delete"
}

type PlanSummary struct {
	Create int
	Update int
	Delete int
	NoOp   int
}

// Count records one change in the summary.
func (s *PlanSummary) Count(a Action) {
	switch a {
	case ActionCreate:
		s.Create++
	case ActionUpdate:
		s.Update++
	case ActionDelete:
		s.Delete++
	default:
		s.NoOp++
	}
}
