package models

type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
)

type AgentCommand struct {
	Name    string
	Prompt  string
	Input   []string
	Tail    int // 0 = no truncation
	Options map[string]any
}

type CommandGroup struct {
	Mode     ExecutionMode
	Commands []AgentCommand
}

type CoordinationPlan struct {
	Groups []CommandGroup
}

// Commands returns every command in plan order.
func (p *CoordinationPlan) Commands() []AgentCommand {
	var out []AgentCommand
	for _, g := range p.Groups {
		out = append(out, g.Commands...)
	}
	return out
}

type AgentExecutionResult struct {
	Name        string
	AgentID     int64 // 0 when no monitor record could be found
	Success     bool
	Prompt      string
	Input       []string
	Output      string
	Error       string
	TailApplied int
}

type CoordinationResult struct {
	Success bool
	Halted  bool
	Results []AgentExecutionResult
}

// FirstFailure returns the first failed result, or nil.
func (r *CoordinationResult) FirstFailure() *AgentExecutionResult {
	for i := range r.Results {
		if !r.Results[i].Success {
			return &r.Results[i]
		}
	}
	return nil
}
