package models

type StepType string

const (
	StepTypeModule StepType = "module"
	StepTypeUI     StepType = "ui"
)

type WorkflowTemplate struct {
	Name  string
	Path  string
	Steps []WorkflowStep
}

type WorkflowStep struct {
	Type            StepType
	AgentID         string
	AgentName       string
	PromptPath      string
	Model           string
	Engine          string
	ExecuteOnce     bool
	FallbackAgentID string
	Text            string // ui steps only
	Module          *StepModule
}

type StepModule struct {
	ID       string
	Behavior *Behavior
}

type BehaviorType string

const (
	BehaviorLoop       BehaviorType = "loop"
	BehaviorCheckpoint BehaviorType = "checkpoint"
	BehaviorTrigger    BehaviorType = "trigger"
)

// Behavior is a tagged variant: exactly one of Loop, Checkpoint, Trigger is
// set, matching Type.
type Behavior struct {
	Type       BehaviorType
	Loop       *LoopBehavior
	Checkpoint *CheckpointBehavior
	Trigger    *TriggerBehavior
}

type LoopBehavior struct {
	Trigger       string
	StepsBack     int
	MaxIterations int // 0 = unbounded
	Skip          []string
}

type CheckpointBehavior struct {
	Trigger   string
	Condition string // Lua chunk
}

type TriggerBehavior struct {
	Trigger   string
	Condition string // Lua chunk
	AgentID   string
}

// Behavior returns the step's behavior, or nil.
func (s *WorkflowStep) Behavior() *Behavior {
	if s.Module == nil {
		return nil
	}
	return s.Module.Behavior
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowStopped   WorkflowStatus = "stopped"
	WorkflowFailed    WorkflowStatus = "failed"
)
