package engine

import (
	"context"
	"fmt"
	"time"

	"loumass/models"
)

// Predicate names an engagement test.
type Predicate string

const (
	PredicateOpened     Predicate = "opened"
	PredicateClicked    Predicate = "clicked"
	PredicateReplied    Predicate = "replied"
	PredicateNotOpened  Predicate = "not_opened"
	PredicateNotClicked Predicate = "not_clicked"
)

// Valid reports whether p is a known predicate.
func (p Predicate) Valid() bool {
	_, _, err := p.eventType()
	return err == nil
}

func (p Predicate) eventType() (models.EventType, bool, error) {
	switch p {
	case PredicateOpened:
		return models.EventOpened, false, nil
	case PredicateClicked:
		return models.EventClicked, false, nil
	case PredicateReplied:
		return models.EventReplied, false, nil
	case PredicateNotOpened:
		return models.EventOpened, true, nil
	case PredicateNotClicked:
		return models.EventClicked, true, nil
	default:
		return "", false, fmt.Errorf("unknown predicate %q", p)
	}
}

// ConditionEvaluator answers engagement predicates from the event log.
type ConditionEvaluator struct {
	events EventRepository
}

func NewConditionEvaluator(events EventRepository) *ConditionEvaluator {
	return &ConditionEvaluator{events: events}
}

// Evaluate reports whether the predicate holds for events at or after since.
// since is the owner's LastActionAt so only engagement with the latest send
// counts.
func (ce *ConditionEvaluator) Evaluate(ctx context.Context, scope EventScope, since time.Time, p Predicate) (bool, error) {
	eventType, negate, err := p.eventType()
	if err != nil {
		return false, &ConfigurationError{Where: "condition", Reason: err.Error()}
	}

	events, err := ce.events.QueryEvents(ctx, EventQuery{
		EventScope: scope,
		Types:      []models.EventType{eventType},
		Since:      since,
	})
	if err != nil {
		return false, fmt.Errorf("query %s events: %w", eventType, err)
	}

	found := false
	for _, e := range events {
		if e.Type == eventType && !e.Timestamp.Before(since) {
			found = true
			break
		}
	}
	return found != negate, nil
}
