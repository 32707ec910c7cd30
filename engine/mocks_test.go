package engine

import (
	"context"
	"sort"
	"sync"

	"loumass/models"
	"loumass/utils"
)

// mockEventRepo is an in-memory engagement log honouring EventQuery filters.
type mockEventRepo struct {
	mu       sync.Mutex
	events   []models.EngagementEvent
	queryErr error
}

func (m *mockEventRepo) AppendEvent(ctx context.Context, event *models.EngagementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = uint(len(m.events) + 1)
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventRepo) QueryEvents(ctx context.Context, q EventQuery) ([]models.EngagementEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []models.EngagementEvent
	for _, e := range m.events {
		if q.ContactID != 0 && e.ContactID != q.ContactID {
			continue
		}
		if q.SequenceID != 0 && e.SequenceID != q.SequenceID {
			continue
		}
		if q.AutomationID != 0 && e.AutomationID != q.AutomationID {
			continue
		}
		if q.EnrollmentID != 0 && e.EnrollmentID != q.EnrollmentID {
			continue
		}
		if q.ExecutionID != 0 && e.ExecutionID != q.ExecutionID {
			continue
		}
		if q.NodeID != "" && e.NodeID != q.NodeID {
			continue
		}
		if q.StepIndex != nil && e.StepIndex != *q.StepIndex {
			continue
		}
		if len(q.Types) > 0 && !containsType(q.Types, e.Type) {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func containsType(types []models.EventType, t models.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

type mockHistoryFetcher struct {
	history *utils.ThreadHistory
	err     error
	calls   int
}

func (m *mockHistoryFetcher) FetchThreadHistory(ctx context.Context, userID uint, threadID string) (*utils.ThreadHistory, error) {
	m.calls++
	return m.history, m.err
}
