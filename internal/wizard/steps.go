package wizard

import "fmt"

type StepName string

const (
	StepSpeaker       StepName = "speaker"
	StepCategory      StepName = "category"
	StepRecord        StepName = "record"
	StepTranscription StepName = "transcription"
	StepDetails       StepName = "details"
	StepReview        StepName = "review"
)

// StepTable is the ordered list of active steps plus its name->index lookup.
// Every index comparison in the wizard goes through a table so toggling the
// optional category step can never skew positions.
type StepTable struct {
	steps []StepName
	index map[StepName]int
}

// BuildSteps computes the active steps. The category prompts step, when
// included, sits right after the speaker step.
func BuildSteps(includeCategoryPrompts bool) StepTable {
	steps := []StepName{StepSpeaker}
	if includeCategoryPrompts {
		steps = append(steps, StepCategory)
	}
	steps = append(steps, StepRecord, StepTranscription, StepDetails, StepReview)
	index := make(map[StepName]int, len(steps))
	for i, s := range steps {
		index[s] = i
	}
	return StepTable{steps: steps, index: index}
}

// Len is the number of visible steps.
func (t StepTable) Len() int { return len(t.steps) }

// Steps returns a copy of the ordered step names.
func (t StepTable) Steps() []StepName {
	return append([]StepName(nil), t.steps...)
}

// Index returns the position of a step, or false when it is not active.
func (t StepTable) Index(name StepName) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// At returns the step at position i.
func (t StepTable) At(i int) (StepName, error) {
	if i < 0 || i >= len(t.steps) {
		return "", fmt.Errorf("step index %d out of range [0,%d)", i, len(t.steps))
	}
	return t.steps[i], nil
}

// Has reports whether the step is active.
func (t StepTable) Has(name StepName) bool {
	_, ok := t.index[name]
	return ok
}

// Next returns the step after name.
func (t StepTable) Next(name StepName) (StepName, bool) {
	i, ok := t.index[name]
	if !ok || i+1 >= len(t.steps) {
		return "", false
	}
	return t.steps[i+1], true
}

// Prev returns the step before name.
func (t StepTable) Prev(name StepName) (StepName, bool) {
	i, ok := t.index[name]
	if !ok || i == 0 {
		return "", false
	}
	return t.steps[i-1], true
}

// Before reports whether a comes strictly before b.
func (t StepTable) Before(a, b StepName) bool {
	ia, okA := t.index[a]
	ib, okB := t.index[b]
	return okA && okB && ia < ib
}
