package sequence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"loumass/engine"
	"loumass/models"
	"loumass/utils"
)

// mockStore is an in-memory implementation of the sequence, enrollment,
// contact and event repositories sharing one lock.
type mockStore struct {
	mu          sync.Mutex
	sequences   map[uint]*models.Sequence
	enrollments map[uint]*models.Enrollment
	contacts    map[uint]*models.Contact
	events      []models.EngagementEvent
	nextID      uint

	// beforeUpdate runs inside UpdateEnrollment before the version check.
	beforeUpdate func(id uint)
	// now decides which pass leases are live.
	now func() time.Time
}

func newMockStore() *mockStore {
	return &mockStore{
		sequences:   make(map[uint]*models.Sequence),
		enrollments: make(map[uint]*models.Enrollment),
		contacts:    make(map[uint]*models.Contact),
		now:         time.Now,
	}
}

func (m *mockStore) addSequence(seq *models.Sequence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[seq.ID] = seq
}

func (m *mockStore) addContact(c *models.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.ID] = c
}

func (m *mockStore) sequence(id uint) models.Sequence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sequences[id]
}

func (m *mockStore) enrollment(id uint) models.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.enrollments[id]
}

func (m *mockStore) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *seq
	return &cp, nil
}

func (m *mockStore) FindByTrigger(ctx context.Context, userID uint, trigger string) ([]models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sequence
	for _, seq := range m.sequences {
		if seq.UserID == userID && seq.TriggerType == trigger {
			out = append(out, *seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockStore) GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockStore) FindAdvanceable(ctx context.Context, status models.EnrollmentStatus, limit int) ([]models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Enrollment
	for _, e := range m.enrollments {
		if e.Status == status && !e.ClaimedAt(m.now()) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) FindDueWaiting(ctx context.Context, now time.Time, limit int) ([]models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Enrollment
	for _, e := range m.enrollments {
		if e.Status == models.EnrollmentWaiting && e.WaitUntil != nil && !e.WaitUntil.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) UpdateEnrollment(ctx context.Context, id uint, expectedVersion int, patch EnrollmentPatch) (*models.Enrollment, error) {
	if m.beforeUpdate != nil {
		m.beforeUpdate(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	if e.Version != expectedVersion {
		return nil, engine.ErrVersionConflict
	}
	patch.Apply(e)
	e.Version++
	if patch.Counters != nil {
		patch.Counters.ApplyTo(m.sequences[e.SequenceID])
	}
	cp := *e
	return &cp, nil
}

func (m *mockStore) CreateEnrollments(ctx context.Context, sequenceID uint, enrollments []*models.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range enrollments {
		m.nextID++
		e.ID = m.nextID
		e.CreatedAt = e.LastActionAt
		cp := *e
		m.enrollments[e.ID] = &cp
	}
	CounterDelta{TotalEnrolled: len(enrollments), CurrentlyActive: len(enrollments)}.ApplyTo(m.sequences[sequenceID])
	return nil
}

func (m *mockStore) FindOpenContactIDs(ctx context.Context, sequenceID uint, contactIDs []uint) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint
	for _, e := range m.enrollments {
		if e.SequenceID == sequenceID && e.Status.IsOpen() {
			out = append(out, e.ContactID)
		}
	}
	return out, nil
}

func (m *mockStore) CancelEnrollments(ctx context.Context, sequenceID uint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.sequences[sequenceID]
	seq.Status = models.SequenceStatusArchived
	n := 0
	for _, e := range m.enrollments {
		if e.SequenceID == sequenceID && e.Status.IsOpen() {
			e.Status = models.EnrollmentCancelled
			e.WaitUntil = nil
			e.Version++
			n++
		}
	}
	CounterDelta{CurrentlyActive: -n, TotalCancelled: n}.ApplyTo(seq)
	return n, nil
}

func (m *mockStore) CountByStatus(ctx context.Context, sequenceID uint) (map[models.EnrollmentStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.EnrollmentStatus]int64)
	for _, e := range m.enrollments {
		if e.SequenceID == sequenceID {
			out[e.Status]++
		}
	}
	return out, nil
}

func (m *mockStore) AppendEvent(ctx context.Context, event *models.EngagementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = uint(len(m.events) + 1)
	m.events = append(m.events, *event)
	return nil
}

func (m *mockStore) QueryEvents(ctx context.Context, q engine.EventQuery) ([]models.EngagementEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EngagementEvent
	for _, e := range m.events {
		if q.ContactID != 0 && e.ContactID != q.ContactID {
			continue
		}
		if q.SequenceID != 0 && e.SequenceID != q.SequenceID {
			continue
		}
		if q.EnrollmentID != 0 && e.EnrollmentID != q.EnrollmentID {
			continue
		}
		if q.StepIndex != nil && e.StepIndex != *q.StepIndex {
			continue
		}
		if len(q.Types) > 0 && !hasType(q.Types, e.Type) {
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

func hasType(types []models.EventType, t models.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func (m *mockStore) eventsOfType(t models.EventType) []models.EngagementEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EngagementEvent
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// mockTransport records sends and hands out sequential ids.
type mockTransport struct {
	mu      sync.Mutex
	sent    []utils.OutgoingEmail
	sendErr error
	onSend  func(email utils.OutgoingEmail)
}

func (m *mockTransport) Send(ctx context.Context, userID uint, from string, email utils.OutgoingEmail) (utils.SentEmail, error) {
	if m.onSend != nil {
		m.onSend(email)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return utils.SentEmail{}, m.sendErr
	}
	m.sent = append(m.sent, email)
	n := len(m.sent)
	threadID := email.ThreadID
	if threadID == "" {
		threadID = fmt.Sprintf("thread-%d", n)
	}
	return utils.SentEmail{
		TransportMessageID: fmt.Sprintf("gm-%d", n),
		ThreadID:           threadID,
		MessageIDHeader:    fmt.Sprintf("<msg-%d@acme.io>", n),
	}, nil
}

func (m *mockTransport) FetchThreadHistory(ctx context.Context, userID uint, threadID string) (*utils.ThreadHistory, error) {
	return nil, nil
}

func (m *mockTransport) subjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, e := range m.sent {
		out[i] = e.Subject
	}
	return out
}

func (m *mockTransport) emails() []utils.OutgoingEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]utils.OutgoingEmail(nil), m.sent...)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires a Scheduler, Service and Interpreter over the mocks.
type harness struct {
	store       *mockStore
	transport   *mockTransport
	clock       *fakeClock
	interpreter *Interpreter
	scheduler   *Scheduler
	service     *Service
}

func newHarness() *harness {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := newMockStore()
	transport := &mockTransport{}
	clock := &fakeClock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	store.now = clock.Now

	composer := engine.NewComposer(engine.NewThreadHistoryResolver(transport, store, logger), "", "", logger)
	interpreter := NewInterpreter(Dependencies{
		Enrollments: store,
		Sequences:   store,
		Contacts:    store,
		Events:      store,
		Transport:   transport,
		Composer:    composer,
		Logger:      logger,
		Now:         clock.Now,
	})
	scheduler := NewScheduler(store, interpreter, 4, 0, logger)
	scheduler.now = clock.Now
	service := NewService(store, store, interpreter, 4, logger)
	service.now = clock.Now

	store.addContact(&models.Contact{Model: gormModel(1), UserID: 1, Email: "ann@example.com", FirstName: "Ann"})
	store.addContact(&models.Contact{Model: gormModel(2), UserID: 1, Email: "bob@example.com", FirstName: "Bob"})

	return &harness{
		store:       store,
		transport:   transport,
		clock:       clock,
		interpreter: interpreter,
		scheduler:   scheduler,
		service:     service,
	}
}
