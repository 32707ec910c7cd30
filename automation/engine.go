package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"loumass/engine"
	"loumass/metrics"
	"loumass/models"
	"loumass/utils"
)

// Outcome is the result of one engine pass.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeSent      Outcome = "sent"
	OutcomeWaiting   Outcome = "waiting"
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"

	// outcomeContinue keeps the hop loop going.
	outcomeContinue Outcome = ""
)

const defaultLockTTL = 2 * time.Minute

var errConcurrentChange = errors.New("execution changed concurrently")

// Starter enrolls contacts into another automation, used by moveTo nodes.
type Starter interface {
	Start(ctx context.Context, automationID uint, contactIDs []uint, vars map[string]interface{}) ([]models.AutomationExecution, error)
}

// Dependencies wires an Engine. SMS, Webhooks and Starter may be nil, in
// which case the matching nodes fail.
type Dependencies struct {
	Repository Repository
	Contacts   engine.ContactRepository
	Events     engine.EventRepository
	Transport  utils.MailTransport
	Composer   *engine.Composer
	SMS        SMSTransport
	Webhooks   WebhookCaller
	Starter    Starter
	Locker     engine.Locker
	Logger     logrus.FieldLogger
	LockTTL    time.Duration
	Now        func() time.Time
}

// Engine walks one execution through its automation graph.
type Engine struct {
	repo       Repository
	contacts   engine.ContactRepository
	events     engine.EventRepository
	transport  utils.MailTransport
	composer   *engine.Composer
	conditions *engine.ConditionEvaluator
	sms        SMSTransport
	webhooks   WebhookCaller
	starter    Starter
	locker     engine.Locker
	logger     logrus.FieldLogger
	lockTTL    time.Duration
	now        func() time.Time
}

func NewEngine(deps Dependencies) *Engine {
	e := &Engine{
		repo:       deps.Repository,
		contacts:   deps.Contacts,
		events:     deps.Events,
		transport:  deps.Transport,
		composer:   deps.Composer,
		conditions: engine.NewConditionEvaluator(deps.Events),
		sms:        deps.SMS,
		webhooks:   deps.Webhooks,
		starter:    deps.Starter,
		locker:     deps.Locker,
		logger:     deps.Logger,
		lockTTL:    deps.LockTTL,
		now:        deps.Now,
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger()
	}
	if e.lockTTL <= 0 {
		e.lockTTL = defaultLockTTL
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Process runs one pass over an ACTIVE execution, visiting nodes until an
// email is sent, a wait parks the execution or the graph ends.
func (e *Engine) Process(ctx context.Context, x models.AutomationExecution) (Outcome, error) {
	start := time.Now()
	outcome, err := e.process(ctx, x)
	metrics.ObservePass(metrics.EngineAutomation, string(outcome), time.Since(start))
	return outcome, err
}

func (e *Engine) process(ctx context.Context, x models.AutomationExecution) (Outcome, error) {
	if e.locker != nil {
		unlock, ok, err := e.locker.Lock(ctx, fmt.Sprintf("execution:%d", x.ID), e.lockTTL)
		if err != nil {
			return OutcomeSkipped, fmt.Errorf("lock execution %d: %w", x.ID, err)
		}
		if !ok {
			return OutcomeSkipped, nil
		}
		defer unlock()
	}

	if x.Status != models.ExecutionActive || x.ClaimedAt(e.now()) {
		return OutcomeSkipped, nil
	}

	a, err := e.repo.GetAutomation(ctx, x.AutomationID)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return OutcomeSkipped, fmt.Errorf("load automation %d: %w", x.AutomationID, err)
	}
	if a != nil && a.Status != models.AutomationStatusActive {
		return OutcomeSkipped, nil
	}

	lease := e.now().Add(e.lockTTL)
	claimed, err := e.repo.UpdateExecution(ctx, x.ID, x.Version, ExecutionPatch{ClaimedUntil: &lease})
	if errors.Is(err, engine.ErrVersionConflict) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("claim execution %d: %w", x.ID, err)
	}

	p := &pass{
		e:          e,
		exec:       claimed,
		automation: a,
		log: e.logger.WithFields(logrus.Fields{
			"execution_id":  x.ID,
			"automation_id": x.AutomationID,
			"contact_id":    x.ContactID,
		}),
	}
	if a == nil {
		outcome, err := p.fail(ctx, nil, fmt.Errorf("automation %d: %w", x.AutomationID, engine.ErrNotFound))
		p.release(ctx)
		return outcome, err
	}
	p.graph = NewGraph(a)

	outcome, err := p.run(ctx)
	if errors.Is(err, errConcurrentChange) {
		return p.observeConcurrentChange(ctx)
	}
	p.release(ctx)
	return outcome, err
}

type pass struct {
	e          *Engine
	exec       *models.AutomationExecution
	automation *models.Automation
	graph      *Graph
	contact    *models.Contact
	log        logrus.FieldLogger
}

func (p *pass) run(ctx context.Context) (Outcome, error) {
	contact, err := p.e.contacts.GetContact(ctx, p.exec.ContactID)
	if err != nil {
		return p.fail(ctx, nil, fmt.Errorf("load contact %d: %w", p.exec.ContactID, err))
	}
	if contact.IsSuppressed() {
		p.log.Info("contact suppressed, cancelling execution")
		return p.finish(ctx, models.ExecutionCancelled, CounterDelta{CurrentlyActive: -1})
	}
	p.contact = contact

	for hop := 0; hop <= p.graph.Len(); hop++ {
		if err := ctx.Err(); err != nil {
			return OutcomeSkipped, err
		}

		node, ok := p.graph.Node(p.exec.CurrentNodeID)
		if !ok {
			return p.fail(ctx, nil, &engine.ConfigurationError{
				Where:  "node " + p.exec.CurrentNodeID,
				Reason: "node does not exist",
			})
		}
		p.audit(ctx, node, models.NodeActionEntered, "")

		outcome, err := p.visit(ctx, node)
		if err != nil || outcome != outcomeContinue {
			return outcome, err
		}
	}

	return p.fail(ctx, nil, fmt.Errorf("node loop exceeded %d hops", p.graph.Len()+1))
}

func (p *pass) visit(ctx context.Context, node models.AutomationNode) (Outcome, error) {
	log := p.log.WithFields(logrus.Fields{"node_id": node.ID, "node_type": node.Type})

	data, err := decodeNodeData(node)
	if err != nil {
		log.WithError(err).Warn("skipping invalid node")
		p.audit(ctx, node, models.NodeActionFailed, err.Error())
		return p.follow(ctx, node, "", false)
	}

	switch d := data.(type) {
	case *EmailNodeData:
		return p.sendEmail(ctx, node, d)

	case *WaitNodeData:
		return p.park(ctx, node, func(now time.Time) (time.Time, error) {
			spec, err := engine.NewDelaySpec(d.Amount, d.Unit)
			if err != nil {
				return time.Time{}, err
			}
			return engine.DueAt(now, spec), nil
		})

	case *UntilNodeData:
		return p.park(ctx, node, func(time.Time) (time.Time, error) {
			return time.Parse(time.RFC3339, d.Until)
		})

	case *WhenNodeData:
		return p.park(ctx, node, func(now time.Time) (time.Time, error) {
			return NextWhen(now, *d)
		})

	case *ConditionNodeData:
		result, err := p.e.conditions.Evaluate(ctx, p.scope(), p.exec.LastActionAt, engine.Predicate(d.Predicate))
		var cfgErr *engine.ConfigurationError
		switch {
		case errors.As(err, &cfgErr):
			log.WithError(err).Warn("condition misconfigured, following default edge")
			return p.follow(ctx, node, "", true)
		case err != nil:
			return p.fail(ctx, &node, fmt.Errorf("evaluate condition %s: %w", node.ID, err))
		}
		tag := EdgeNo
		if result {
			tag = EdgeYes
		}
		log.WithFields(logrus.Fields{"predicate": d.Predicate, "result": result}).Debug("condition evaluated")
		return p.follow(ctx, node, tag, true)

	case *WebhookNodeData:
		return p.callWebhook(ctx, node, d)

	case *SMSNodeData:
		return p.sendSMS(ctx, node, d)

	case *MoveToNodeData:
		return p.moveTo(ctx, node, d)

	default:
		return p.fail(ctx, &node, fmt.Errorf("unhandled node data %T", d))
	}
}

// park holds the execution until the instant computed by target on the
// first visit. A resumed visit re-checks the stored instant before moving on.
func (p *pass) park(ctx context.Context, node models.AutomationNode, target func(now time.Time) (time.Time, error)) (Outcome, error) {
	now := p.e.now()

	var until time.Time
	if p.exec.WaitUntil != nil {
		until = *p.exec.WaitUntil
	} else {
		t, err := target(now)
		if err != nil {
			cfgErr := &engine.ConfigurationError{Where: "node " + node.ID, Reason: err.Error()}
			p.log.WithError(cfgErr).Warn("invalid wait, following default edge")
			p.audit(ctx, node, models.NodeActionFailed, cfgErr.Error())
			return p.follow(ctx, node, "", false)
		}
		until = t
	}

	if now.Before(until) {
		status := models.ExecutionWaiting
		if err := p.update(ctx, ExecutionPatch{Status: &status, WaitUntil: &until}); err != nil {
			return OutcomeSkipped, err
		}
		p.audit(ctx, node, models.NodeActionWaiting, until.UTC().Format(time.RFC3339))
		p.log.WithFields(logrus.Fields{"node_id": node.ID, "wait_until": until}).Debug("execution waiting")
		return OutcomeWaiting, nil
	}
	return p.follow(ctx, node, "", true)
}

// follow moves to the node's next target, completing the execution when
// there is none.
func (p *pass) follow(ctx context.Context, node models.AutomationNode, tag string, audit bool) (Outcome, error) {
	if audit {
		p.audit(ctx, node, models.NodeActionCompleted, tag)
	}
	next, ok := p.graph.Next(node.ID, tag)
	if !ok {
		return p.complete(ctx)
	}
	if err := p.update(ctx, ExecutionPatch{CurrentNodeID: &next, ClearWaitUntil: true}); err != nil {
		return OutcomeSkipped, err
	}
	return outcomeContinue, nil
}

func (p *pass) sendEmail(ctx context.Context, node models.AutomationNode, d *EmailNodeData) (Outcome, error) {
	x := p.exec

	// A SENT event newer than the last recorded action means the send went
	// out but the state update was lost.
	prior, err := p.e.events.QueryEvents(ctx, engine.EventQuery{
		ExecutionID: x.ID,
		NodeID:      node.ID,
		Types:       []models.EventType{models.EventSent},
		Since:       x.LastActionAt,
	})
	if err != nil {
		return p.fail(ctx, &node, fmt.Errorf("check prior send: %w", err))
	}
	for i := len(prior) - 1; i >= 0; i-- {
		last := prior[i]
		if !last.Timestamp.After(x.LastActionAt) {
			continue
		}
		p.log.WithField("node_id", node.ID).Warn("node already sent, recovering state without resend")
		return p.afterSend(ctx, node, last.Timestamp, utils.SentEmail{
			TransportMessageID: last.PayloadString("transport_message_id"),
			ThreadID:           last.PayloadString("thread_id"),
			MessageIDHeader:    last.PayloadString("message_id_header"),
		}, last.PayloadString("subject"))
	}

	now := p.e.now()
	composed, err := p.e.composer.Compose(ctx, engine.ComposeRequest{
		UserID:        p.automation.UserID,
		OwnerID:       x.ID,
		Position:      node.ID,
		Index:         x.EmailsSent,
		Contact:       p.contact,
		Variables:     x.Variables,
		Subject:       d.Subject,
		BodyTemplate:  d.Body,
		ReplyToThread: d.ReplyToThread,
		Tracking:      p.automation.TrackingEnabled && (d.TrackingEnabled == nil || *d.TrackingEnabled),
		Thread: engine.ThreadState{
			ThreadID:           x.ThreadID,
			TransportMessageID: x.TransportMessageID,
			MessageIDHeader:    x.MessageIDHeader,
			LastSubject:        x.LastSubject,
		},
		History: engine.EventQuery{ExecutionID: x.ID},
		Now:     now,
	})
	if err != nil {
		return p.fail(ctx, &node, fmt.Errorf("compose node %s: %w", node.ID, err))
	}

	sent, err := p.e.transport.Send(ctx, p.automation.UserID, p.automation.FromEmail, composed.Email)
	if err != nil {
		return p.fail(ctx, &node, &engine.TransportError{Op: "send", Err: err})
	}
	metrics.IncMessagesSent("email")
	if sent.ThreadID == "" {
		sent.ThreadID = x.ThreadID
	}

	event := &models.EngagementEvent{
		ContactID:       x.ContactID,
		Type:            models.EventSent,
		Timestamp:       now,
		AutomationID:    x.AutomationID,
		ExecutionID:     x.ID,
		NodeID:          node.ID,
		TrackingID:      composed.Email.TrackingID,
		MessageIDHeader: sent.MessageIDHeader,
		Payload:         engine.SentPayload(p.automation.FromEmail, composed, sent),
	}
	if err := p.e.events.AppendEvent(ctx, event); err != nil {
		utils.LogError("sent_event_append_failed", err, map[string]interface{}{
			"execution_id": x.ID,
			"node_id":      node.ID,
		})
	} else {
		metrics.IncEngagementEvent(string(models.EventSent))
	}

	p.log.WithFields(logrus.Fields{
		"node_id":           node.ID,
		"message_id_header": sent.MessageIDHeader,
		"thread_id":         sent.ThreadID,
	}).Info("automation email sent")

	return p.afterSend(ctx, node, now, sent, composed.Email.Subject)
}

// afterSend records the send, moves past the node and ends the pass.
func (p *pass) afterSend(ctx context.Context, node models.AutomationNode, at time.Time, sent utils.SentEmail, subject string) (Outcome, error) {
	p.audit(ctx, node, models.NodeActionCompleted, sent.MessageIDHeader)

	patch := ExecutionPatch{
		LastActionAt:   &at,
		LastSubject:    &subject,
		ClearWaitUntil: true,
		EmailsSent:     1,
	}
	if sent.ThreadID != "" {
		patch.ThreadID = &sent.ThreadID
	}
	if sent.TransportMessageID != "" {
		patch.TransportMessageID = &sent.TransportMessageID
	}
	if sent.MessageIDHeader != "" {
		patch.MessageIDHeader = &sent.MessageIDHeader
	}

	next, hasNext := p.graph.Next(node.ID, "")
	if hasNext {
		patch.CurrentNodeID = &next
	}
	if err := p.update(ctx, patch); err != nil {
		return OutcomeSkipped, err
	}
	if !hasNext {
		if _, err := p.complete(ctx); err != nil {
			return OutcomeSent, err
		}
	}
	return OutcomeSent, nil
}

func (p *pass) callWebhook(ctx context.Context, node models.AutomationNode, d *WebhookNodeData) (Outcome, error) {
	if p.e.webhooks == nil {
		return p.fail(ctx, &node, &engine.TransportError{Op: "webhook", Err: errors.New("no webhook client configured")})
	}

	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = engine.Expand(v, p.contact, p.exec.Variables)
	}
	payload := map[string]interface{}{
		"automation_id": p.exec.AutomationID,
		"execution_id":  p.exec.ID,
		"node_id":       node.ID,
		"contact": map[string]interface{}{
			"id":         p.contact.ID,
			"email":      p.contact.Email,
			"first_name": p.contact.FirstName,
			"last_name":  p.contact.LastName,
			"company":    p.contact.Company,
			"phone":      p.contact.Phone,
			"variables":  p.contact.Variables,
		},
		"variables": p.exec.Variables,
	}

	resp, err := p.e.webhooks.Call(ctx, strings.ToUpper(d.Method), d.URL, headers, payload)
	if err != nil {
		return p.fail(ctx, &node, &engine.TransportError{Op: "webhook", Err: err})
	}
	if !resp.OK() {
		return p.fail(ctx, &node, &engine.TransportError{
			Op:  "webhook",
			Err: fmt.Errorf("%s returned %d", d.URL, resp.Status),
		})
	}

	vars := copyVariables(p.exec.Variables)
	key := "webhook." + node.ID
	result := map[string]interface{}{"status": resp.Status}
	vars[key+".status"] = resp.Status
	var body interface{}
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &body) == nil {
		result["body"] = body
		if fields, ok := body.(map[string]interface{}); ok {
			for k, v := range fields {
				vars[key+"."+k] = v
			}
		}
	}
	vars[key] = result

	if err := p.update(ctx, ExecutionPatch{Variables: vars}); err != nil {
		return OutcomeSkipped, err
	}
	p.log.WithFields(logrus.Fields{"node_id": node.ID, "status": resp.Status}).Info("webhook called")
	return p.follow(ctx, node, "", true)
}

func (p *pass) sendSMS(ctx context.Context, node models.AutomationNode, d *SMSNodeData) (Outcome, error) {
	to := strings.TrimSpace(engine.Expand(d.To, p.contact, p.exec.Variables))
	if to == "" {
		to = p.contact.Phone
	}
	if to == "" {
		cfgErr := &engine.ConfigurationError{Where: "node " + node.ID, Reason: "contact has no phone number"}
		p.log.WithError(cfgErr).Warn("skipping sms node")
		p.audit(ctx, node, models.NodeActionFailed, cfgErr.Error())
		return p.follow(ctx, node, "", false)
	}
	if p.e.sms == nil {
		return p.fail(ctx, &node, &engine.TransportError{Op: "sms", Err: ErrSMSNotConfigured})
	}

	id, err := p.e.sms.SendSMS(ctx, to, engine.Expand(d.Message, p.contact, p.exec.Variables))
	if err != nil {
		return p.fail(ctx, &node, &engine.TransportError{Op: "sms", Err: err})
	}
	metrics.IncMessagesSent("sms")
	p.log.WithFields(logrus.Fields{"node_id": node.ID, "gateway_id": id}).Info("automation sms sent")

	now := p.e.now()
	if err := p.update(ctx, ExecutionPatch{LastActionAt: &now}); err != nil {
		return OutcomeSkipped, err
	}
	return p.follow(ctx, node, "", true)
}

func (p *pass) moveTo(ctx context.Context, node models.AutomationNode, d *MoveToNodeData) (Outcome, error) {
	if d.NodeID != "" {
		if _, ok := p.graph.Node(d.NodeID); !ok {
			return p.fail(ctx, &node, &engine.ConfigurationError{
				Where:  "node " + node.ID,
				Reason: fmt.Sprintf("move target %q does not exist", d.NodeID),
			})
		}
		p.audit(ctx, node, models.NodeActionCompleted, d.NodeID)
		target := d.NodeID
		if err := p.update(ctx, ExecutionPatch{CurrentNodeID: &target, ClearWaitUntil: true}); err != nil {
			return OutcomeSkipped, err
		}
		return outcomeContinue, nil
	}

	if p.e.starter == nil {
		return p.fail(ctx, &node, errors.New("moving between automations is not configured"))
	}
	p.audit(ctx, node, models.NodeActionCompleted, fmt.Sprintf("automation %d", d.AutomationID))
	outcome, err := p.complete(ctx)
	if err != nil {
		return outcome, err
	}

	_, err = p.e.starter.Start(ctx, d.AutomationID, []uint{p.exec.ContactID}, copyVariables(p.exec.Variables))
	if err != nil {
		utils.LogError("automation_move_failed", err, map[string]interface{}{
			"execution_id":         p.exec.ID,
			"target_automation_id": d.AutomationID,
		})
		return outcome, fmt.Errorf("start contact %d in automation %d: %w", p.exec.ContactID, d.AutomationID, err)
	}
	p.log.WithField("target_automation_id", d.AutomationID).Info("contact moved to another automation")
	return outcome, nil
}

func (p *pass) complete(ctx context.Context) (Outcome, error) {
	return p.finish(ctx, models.ExecutionCompleted, CounterDelta{CurrentlyActive: -1, TotalCompleted: 1})
}

func (p *pass) finish(ctx context.Context, status models.ExecutionStatus, delta CounterDelta) (Outcome, error) {
	now := p.e.now()
	if err := p.update(ctx, ExecutionPatch{
		Status:         &status,
		ClearWaitUntil: true,
		CompletedAt:    &now,
		Counters:       &delta,
	}); err != nil {
		return OutcomeSkipped, err
	}
	p.log.WithField("status", status).Info("execution finished")
	if status == models.ExecutionCancelled {
		return OutcomeCancelled, nil
	}
	return OutcomeCompleted, nil
}

// fail moves the execution to FAILED and returns cause.
func (p *pass) fail(ctx context.Context, node *models.AutomationNode, cause error) (Outcome, error) {
	if node != nil {
		p.audit(ctx, *node, models.NodeActionFailed, cause.Error())
	}
	status := models.ExecutionFailed
	msg := cause.Error()
	now := p.e.now()
	utils.LogError("automation_node_failed", cause, map[string]interface{}{
		"execution_id":  p.exec.ID,
		"automation_id": p.exec.AutomationID,
		"node_id":       p.exec.CurrentNodeID,
	})
	if err := p.update(ctx, ExecutionPatch{
		Status:         &status,
		LastError:      &msg,
		ClearWaitUntil: true,
		CompletedAt:    &now,
		Counters:       &CounterDelta{CurrentlyActive: -1, TotalFailed: 1},
	}); err != nil {
		if errors.Is(err, errConcurrentChange) {
			return OutcomeSkipped, err
		}
		return OutcomeFailed, fmt.Errorf("%w (persisting failed state: %v)", cause, err)
	}
	return OutcomeFailed, cause
}

func (p *pass) update(ctx context.Context, patch ExecutionPatch) error {
	updated, err := p.e.repo.UpdateExecution(ctx, p.exec.ID, p.exec.Version, patch)
	if errors.Is(err, engine.ErrVersionConflict) {
		return errConcurrentChange
	}
	if err != nil {
		return fmt.Errorf("update execution %d: %w", p.exec.ID, err)
	}
	p.exec = updated
	return nil
}

// release drops the pass lease unless the execution changed after our last
// write, in which case the lease is left to expire.
func (p *pass) release(ctx context.Context) {
	if p.exec.ClaimedUntil == nil {
		return
	}
	updated, err := p.e.repo.UpdateExecution(context.WithoutCancel(ctx), p.exec.ID, p.exec.Version, ExecutionPatch{ReleaseClaim: true})
	switch {
	case errors.Is(err, engine.ErrVersionConflict):
	case err != nil:
		p.log.WithError(err).Warn("failed to release execution lease")
	default:
		p.exec = updated
	}
}

func (p *pass) observeConcurrentChange(ctx context.Context) (Outcome, error) {
	current, err := p.e.repo.GetExecution(ctx, p.exec.ID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("reload execution %d: %w", p.exec.ID, err)
	}
	if current.Status.IsTerminal() {
		p.log.WithField("status", current.Status).Info("execution closed during pass")
		return OutcomeCancelled, nil
	}
	p.log.Debug("execution modified concurrently, leaving it to the next pass")
	return OutcomeSkipped, nil
}

// audit appends a node visit to the execution trail. Failures are logged
// only.
func (p *pass) audit(ctx context.Context, node models.AutomationNode, action, detail string) {
	err := p.e.repo.AppendExecutionEvent(ctx, &models.AutomationExecutionEvent{
		ExecutionID: p.exec.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Action:      action,
		Detail:      detail,
		At:          p.e.now(),
	})
	if err != nil {
		p.log.WithError(err).WithField("node_id", node.ID).Warn("failed to append execution event")
	}
}

func (p *pass) scope() engine.EventScope {
	return engine.EventScope{ContactID: p.exec.ContactID, AutomationID: p.exec.AutomationID}
}

func copyVariables(vars map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(vars)+2)
	for k, v := range vars {
		out[k] = v
	}
	return out
}
