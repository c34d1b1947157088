package pipeline

import "fmt"

// Step names a pipeline stage.
type Step string

const (
	StepLoad    Step = "load"
	StepResolve Step = "resolve"
	StepFreeze  Step = "freeze"
	StepConvert Step = "convert"
	StepWrite   Step = "write"
)

// StepError reports the stage a run stopped at. The stage's own typed error
// is kept for errors.Is and errors.As.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline: %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
