package domain

// Node groups used in ambiance levels
const (
	GroupPipeline = "PIPELINE"
	GroupStage    = "STAGE"
	GroupStep     = "STEP"
)

// Level is one entry of the ambiance stack: the plan node being executed
// and the runtime id of its execution
type Level struct {
	SetupID    string `json:"setup_id"`
	RuntimeID  string `json:"runtime_id"`
	Identifier string `json:"identifier"`
	StepType   string `json:"step_type"`
	Group      string `json:"group,omitempty"`
}

// Ambiance locates a node execution within its plan execution
type Ambiance struct {
	PlanExecutionID   string            `json:"plan_execution_id"`
	Levels            []Level           `json:"levels"`
	SetupAbstractions map[string]string `json:"setup_abstractions,omitempty"`
}

// Clone returns a deep copy
func (a Ambiance) Clone() Ambiance {
	out := Ambiance{PlanExecutionID: a.PlanExecutionID}
	if a.Levels != nil {
		out.Levels = make([]Level, len(a.Levels))
		copy(out.Levels, a.Levels)
	}
	if a.SetupAbstractions != nil {
		out.SetupAbstractions = make(map[string]string, len(a.SetupAbstractions))
		for k, v := range a.SetupAbstractions {
			out.SetupAbstractions[k] = v
		}
	}
	return out
}

// WithLevel returns a copy with level pushed on top
func (a Ambiance) WithLevel(level Level) Ambiance {
	out := a.Clone()
	out.Levels = append(out.Levels, level)
	return out
}

// CurrentLevel returns the innermost level
func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

// NodeExecutionID is the runtime id of the innermost level
func (a Ambiance) NodeExecutionID() string {
	l, _ := a.CurrentLevel()
	return l.RuntimeID
}

// StageLevel returns the innermost STAGE level, if any
func (a Ambiance) StageLevel() (Level, bool) {
	for i := len(a.Levels) - 1; i >= 0; i-- {
		if a.Levels[i].Group == GroupStage {
			return a.Levels[i], true
		}
	}
	return Level{}, false
}

// StageExecutionID is the runtime id of the enclosing stage
func (a Ambiance) StageExecutionID() string {
	l, _ := a.StageLevel()
	return l.RuntimeID
}
