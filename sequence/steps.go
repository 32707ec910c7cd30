package sequence

import (
	"fmt"

	"loumass/engine"
	"loumass/models"
	"loumass/utils"
)

// Step is one decoded sequence step. The set of implementations is closed;
// callers switch over the concrete types.
type Step interface {
	StepID() string
	isStep()
}

type EmailStep struct {
	ID              string
	Subject         string
	BodyTemplate    string
	ReplyToThread   bool
	TrackingEnabled *bool
}

// Tracks reports whether opens and clicks are tracked for this step.
func (s EmailStep) Tracks(sequenceTracking bool) bool {
	return sequenceTracking && (s.TrackingEnabled == nil || *s.TrackingEnabled)
}

type DelayStep struct {
	ID    string
	Delay engine.DelaySpec
}

// ConditionStep branches on an engagement predicate. The TRUE branch is the
// next step, the FALSE branch the one after, and both merge at MergeAt.
// Misconfigured is set when the definition fails validation or the reference
// step is missing; ReferenceIndex is then -1.
type ConditionStep struct {
	ID              string
	Predicate       engine.Predicate
	ReferenceStepID string
	ReferenceIndex  int
	MergeAt         int
	Misconfigured   string
}

// InvalidStep stands in for a definition that failed to decode so that
// step positions stay stable.
type InvalidStep struct {
	ID     string
	Reason string
}

func (s EmailStep) StepID() string     { return s.ID }
func (s DelayStep) StepID() string     { return s.ID }
func (s ConditionStep) StepID() string { return s.ID }
func (s InvalidStep) StepID() string   { return s.ID }

func (EmailStep) isStep()     {}
func (DelayStep) isStep()     {}
func (ConditionStep) isStep() {}
func (InvalidStep) isStep()   {}

// Steps is a decoded step list.
type Steps []Step

// DecodeSteps validates raw step definitions and converts them into Steps.
// It never fails; broken definitions become InvalidStep.
func DecodeSteps(defs []models.StepDefinition) Steps {
	steps := make(Steps, len(defs))
	index := make(map[string]int, len(defs))
	for i, def := range defs {
		if def.ID != "" {
			if _, dup := index[def.ID]; !dup {
				index[def.ID] = i
			}
		}
	}

	for i, def := range defs {
		steps[i] = decodeStep(i, def, index, len(defs))
	}
	return steps
}

func decodeStep(i int, def models.StepDefinition, index map[string]int, n int) Step {
	if err := utils.ValidateStruct(def); err != nil {
		if def.Type == "condition" {
			return decodeCondition(i, def, index, n, err.Error())
		}
		return InvalidStep{ID: def.ID, Reason: err.Error()}
	}

	switch def.Type {
	case "email":
		return EmailStep{
			ID:              def.ID,
			Subject:         def.Subject,
			BodyTemplate:    def.Body,
			ReplyToThread:   def.ReplyToThread,
			TrackingEnabled: def.TrackingEnabled,
		}
	case "delay":
		spec, err := engine.NewDelaySpec(def.Amount, def.Unit)
		if err != nil {
			return InvalidStep{ID: def.ID, Reason: err.Error()}
		}
		return DelayStep{ID: def.ID, Delay: spec}
	case "condition":
		return decodeCondition(i, def, index, n, "")
	default:
		return InvalidStep{ID: def.ID, Reason: fmt.Sprintf("unknown step type %q", def.Type)}
	}
}

// decodeCondition keeps a broken condition a ConditionStep so the branch
// layout around it still holds.
func decodeCondition(i int, def models.StepDefinition, index map[string]int, n int, invalid string) ConditionStep {
	mergeAt := i + 3
	if mergeAt > n {
		mergeAt = n
	}
	step := ConditionStep{
		ID:              def.ID,
		Predicate:       engine.Predicate(def.Predicate),
		ReferenceStepID: def.ReferenceStepID,
		ReferenceIndex:  -1,
		MergeAt:         mergeAt,
		Misconfigured:   invalid,
	}
	ref, ok := index[def.ReferenceStepID]
	switch {
	case invalid != "":
	case def.ReferenceStepID == "":
		step.Misconfigured = "condition has no reference step"
	case !ok:
		step.Misconfigured = fmt.Sprintf("reference step %q does not exist", def.ReferenceStepID)
	default:
		step.ReferenceIndex = ref
	}
	return step
}
