package potential

import "fmt"

// State is the evaluator's position in a step.
type State uint8

const (
	Idle State = iota
	BuildingTopology
	Exchanging
	ComputingLayer
	ReducingGradients
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case BuildingTopology:
		return "building-topology"
	case Exchanging:
		return "exchanging"
	case ComputingLayer:
		return "computing-layer"
	case ReducingGradients:
		return "reducing-gradients"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Status is a state together with the layer it applies to. Layer is -1
// for states without one.
type Status struct {
	State State
	Layer int
}

func (s Status) String() string {
	if s.State == Exchanging || s.State == ComputingLayer {
		return fmt.Sprintf("%s(%d)", s.State, s.Layer)
	}
	return s.State.String()
}
