package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"loumass/engine"
	"loumass/models"
	"loumass/utils"
)

// mockRepo is an in-memory Repository that also serves contacts and the
// engagement log.
type mockRepo struct {
	mu          sync.Mutex
	automations map[uint]*models.Automation
	executions  map[uint]*models.AutomationExecution
	contacts    map[uint]*models.Contact
	events      []models.EngagementEvent
	audit       []models.AutomationExecutionEvent
	nextID      uint
	now         func() time.Time
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		automations: make(map[uint]*models.Automation),
		executions:  make(map[uint]*models.AutomationExecution),
		contacts:    make(map[uint]*models.Contact),
		now:         time.Now,
	}
}

func (m *mockRepo) addAutomation(a *models.Automation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automations[a.ID] = a
}

func (m *mockRepo) addContact(c *models.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.ID] = c
}

func (m *mockRepo) automation(id uint) models.Automation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.automations[id]
}

func (m *mockRepo) execution(id uint) models.AutomationExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.executions[id]
}

func (m *mockRepo) actions(executionID uint) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.audit {
		if ev.ExecutionID == executionID {
			out = append(out, ev.NodeID+":"+ev.Action)
		}
	}
	return out
}

func (m *mockRepo) GetAutomation(ctx context.Context, id uint) (*models.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.automations[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) FindAutomationsByTrigger(ctx context.Context, userID uint, trigger string) ([]models.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Automation
	for _, a := range m.automations {
		if a.UserID == userID && a.TriggerType == trigger {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepo) GetExecution(ctx context.Context, id uint) (*models.AutomationExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, ok := m.executions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *x
	return &cp, nil
}

func (m *mockRepo) FindExecutions(ctx context.Context, status models.ExecutionStatus, limit int) ([]models.AutomationExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AutomationExecution
	for _, x := range m.executions {
		if x.Status == status && !x.ClaimedAt(m.now()) {
			out = append(out, *x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepo) FindDueExecutions(ctx context.Context, now time.Time, limit int) ([]models.AutomationExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AutomationExecution
	for _, x := range m.executions {
		if x.Status == models.ExecutionWaiting && x.WaitUntil != nil && !x.WaitUntil.After(now) {
			out = append(out, *x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepo) UpdateExecution(ctx context.Context, id uint, expectedVersion int, patch ExecutionPatch) (*models.AutomationExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, ok := m.executions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	if x.Version != expectedVersion {
		return nil, engine.ErrVersionConflict
	}
	patch.Apply(x)
	x.Version++
	if patch.Counters != nil {
		applyCounters(m.automations[x.AutomationID], *patch.Counters)
	}
	cp := *x
	return &cp, nil
}

func applyCounters(a *models.Automation, d CounterDelta) {
	if a == nil {
		return
	}
	a.TotalEntered += d.TotalEntered
	a.CurrentlyActive += d.CurrentlyActive
	a.TotalCompleted += d.TotalCompleted
	a.TotalFailed += d.TotalFailed
}

func (m *mockRepo) CreateExecutions(ctx context.Context, automationID uint, executions []*models.AutomationExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range executions {
		m.nextID++
		x.ID = m.nextID
		x.CreatedAt = x.LastActionAt
		cp := *x
		m.executions[x.ID] = &cp
	}
	applyCounters(m.automations[automationID], CounterDelta{TotalEntered: len(executions), CurrentlyActive: len(executions)})
	return nil
}

func (m *mockRepo) FindOpenExecutionContactIDs(ctx context.Context, automationID uint, contactIDs []uint) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint
	for _, x := range m.executions {
		if x.AutomationID == automationID && !x.Status.IsTerminal() {
			out = append(out, x.ContactID)
		}
	}
	return out, nil
}

func (m *mockRepo) CancelExecutions(ctx context.Context, automationID uint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.automations[automationID]
	a.Status = models.AutomationStatusArchived
	n := 0
	for _, x := range m.executions {
		if x.AutomationID == automationID && !x.Status.IsTerminal() {
			x.Status = models.ExecutionCancelled
			x.WaitUntil = nil
			x.Version++
			n++
		}
	}
	applyCounters(a, CounterDelta{CurrentlyActive: -n})
	return n, nil
}

func (m *mockRepo) AppendExecutionEvent(ctx context.Context, event *models.AutomationExecutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = uint(len(m.audit) + 1)
	m.audit = append(m.audit, *event)
	return nil
}

func (m *mockRepo) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockRepo) AppendEvent(ctx context.Context, event *models.EngagementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = uint(len(m.events) + 1)
	m.events = append(m.events, *event)
	return nil
}

func (m *mockRepo) QueryEvents(ctx context.Context, q engine.EventQuery) ([]models.EngagementEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EngagementEvent
	for _, e := range m.events {
		if q.ContactID != 0 && e.ContactID != q.ContactID {
			continue
		}
		if q.AutomationID != 0 && e.AutomationID != q.AutomationID {
			continue
		}
		if q.ExecutionID != 0 && e.ExecutionID != q.ExecutionID {
			continue
		}
		if q.NodeID != "" && e.NodeID != q.NodeID {
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

func (m *mockRepo) addEvent(e models.EngagementEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uint(len(m.events) + 1)
	m.events = append(m.events, e)
}

func (m *mockRepo) sentEvents() []models.EngagementEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EngagementEvent
	for _, e := range m.events {
		if e.Type == models.EventSent {
			out = append(out, e)
		}
	}
	return out
}

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
		MessageIDHeader:    fmt.Sprintf("<auto-%d@acme.io>", n),
	}, nil
}

func (m *mockTransport) FetchThreadHistory(ctx context.Context, userID uint, threadID string) (*utils.ThreadHistory, error) {
	return nil, nil
}

func (m *mockTransport) emails() []utils.OutgoingEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]utils.OutgoingEmail(nil), m.sent...)
}

type webhookCall struct {
	Method  string
	URL     string
	Headers map[string]string
	Payload map[string]interface{}
}

type mockWebhooks struct {
	mu       sync.Mutex
	calls    []webhookCall
	response HTTPResponse
	err      error
}

func (m *mockWebhooks) Call(ctx context.Context, method, url string, headers map[string]string, payload interface{}) (HTTPResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := webhookCall{Method: method, URL: url, Headers: headers}
	if p, ok := payload.(map[string]interface{}); ok {
		call.Payload = p
	}
	if p, ok := payload.(map[string]string); ok {
		call.Payload = make(map[string]interface{}, len(p))
		for k, v := range p {
			call.Payload[k] = v
		}
	}
	m.calls = append(m.calls, call)
	if m.err != nil {
		return HTTPResponse{}, m.err
	}
	return m.response, nil
}

type smsMessage struct {
	To      string
	Message string
}

type mockSMS struct {
	mu   sync.Mutex
	sent []smsMessage
	err  error
}

func (m *mockSMS) SendSMS(ctx context.Context, to, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, smsMessage{To: to, Message: message})
	return fmt.Sprintf("sms-%d", len(m.sent)), nil
}

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

type harness struct {
	repo      *mockRepo
	transport *mockTransport
	webhooks  *mockWebhooks
	sms       *mockSMS
	clock     *fakeClock
	engine    *Engine
	runner    *Runner
	trigger   *Trigger
}

func newHarness() *harness {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	repo := newMockRepo()
	transport := &mockTransport{}
	webhooks := &mockWebhooks{response: HTTPResponse{Status: 200}}
	sms := &mockSMS{}
	clock := &fakeClock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)} // a Monday
	repo.now = clock.Now

	trigger := NewTrigger(repo, nil, 2, logger)
	trigger.now = clock.Now
	composer := engine.NewComposer(engine.NewThreadHistoryResolver(transport, repo, logger), "", "", logger)
	eng := NewEngine(Dependencies{
		Repository: repo,
		Contacts:   repo,
		Events:     repo,
		Transport:  transport,
		Composer:   composer,
		SMS:        sms,
		Webhooks:   webhooks,
		Starter:    trigger,
		Logger:     logger,
		Now:        clock.Now,
	})
	trigger.Processor = eng
	runner := NewRunner(repo, eng, 4, 0, logger)
	runner.now = clock.Now

	repo.addContact(&models.Contact{Model: gorm.Model{ID: 1}, UserID: 1, Email: "ann@example.com", FirstName: "Ann", Phone: "+15550001"})
	repo.addContact(&models.Contact{Model: gorm.Model{ID: 2}, UserID: 1, Email: "bob@example.com", FirstName: "Bob"})

	return &harness{
		repo:      repo,
		transport: transport,
		webhooks:  webhooks,
		sms:       sms,
		clock:     clock,
		engine:    eng,
		runner:    runner,
		trigger:   trigger,
	}
}

func node(id, typ string, data interface{}) models.AutomationNode {
	raw, _ := json.Marshal(data)
	return models.AutomationNode{ID: id, Type: typ, Data: raw}
}

func edge(from, to, condition string) models.AutomationEdge {
	return models.AutomationEdge{ID: from + "-" + to, Source: from, Target: to, Condition: condition}
}

func activeAutomation(id uint, nodes []models.AutomationNode, edges []models.AutomationEdge) *models.Automation {
	return &models.Automation{
		Model:           gorm.Model{ID: id},
		UserID:          1,
		FromEmail:       "sales@acme.io",
		Name:            fmt.Sprintf("automation %d", id),
		Status:          models.AutomationStatusActive,
		TriggerType:     models.TriggerManual,
		TrackingEnabled: false,
		Nodes:           nodes,
		Edges:           edges,
	}
}
