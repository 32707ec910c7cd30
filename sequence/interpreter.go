package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"loumass/engine"
	"loumass/metrics"
	"loumass/models"
	"loumass/utils"
)

// Outcome is the result of one interpreter pass.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeSent      Outcome = "sent"
	OutcomeWaiting   Outcome = "waiting"
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeErrored   Outcome = "errored"
)

const defaultLockTTL = 2 * time.Minute

// errConcurrentChange means another writer bumped the version mid-pass.
var errConcurrentChange = errors.New("enrollment changed concurrently")

// Dependencies wires an Interpreter.
type Dependencies struct {
	Enrollments EnrollmentRepository
	Sequences   SequenceRepository
	Contacts    engine.ContactRepository
	Events      engine.EventRepository
	Transport   utils.MailTransport
	Composer    *engine.Composer
	Locker      engine.Locker
	Logger      logrus.FieldLogger
	LockTTL     time.Duration
	Now         func() time.Time
}

// Interpreter advances one enrollment through its sequence.
type Interpreter struct {
	enrollments EnrollmentRepository
	sequences   SequenceRepository
	contacts    engine.ContactRepository
	events      engine.EventRepository
	transport   utils.MailTransport
	composer    *engine.Composer
	conditions  *engine.ConditionEvaluator
	locker      engine.Locker
	logger      logrus.FieldLogger
	lockTTL     time.Duration
	now         func() time.Time
}

func NewInterpreter(deps Dependencies) *Interpreter {
	in := &Interpreter{
		enrollments: deps.Enrollments,
		sequences:   deps.Sequences,
		contacts:    deps.Contacts,
		events:      deps.Events,
		transport:   deps.Transport,
		composer:    deps.Composer,
		conditions:  engine.NewConditionEvaluator(deps.Events),
		locker:      deps.Locker,
		logger:      deps.Logger,
		lockTTL:     deps.LockTTL,
		now:         deps.Now,
	}
	if in.logger == nil {
		in.logger = logrus.StandardLogger()
	}
	if in.lockTTL <= 0 {
		in.lockTTL = defaultLockTTL
	}
	if in.now == nil {
		in.now = time.Now
	}
	return in
}

// Process runs one pass over an ACTIVE enrollment: it executes steps until
// an email is sent, a delay is not yet due or the sequence ends. Failures
// move the enrollment to ERROR and are also returned.
func (in *Interpreter) Process(ctx context.Context, e models.Enrollment) (Outcome, error) {
	start := time.Now()
	outcome, err := in.process(ctx, e)
	metrics.ObservePass(metrics.EngineSequence, string(outcome), time.Since(start))
	return outcome, err
}

func (in *Interpreter) process(ctx context.Context, e models.Enrollment) (Outcome, error) {
	if in.locker != nil {
		unlock, ok, err := in.locker.Lock(ctx, fmt.Sprintf("enrollment:%d", e.ID), in.lockTTL)
		if err != nil {
			return OutcomeSkipped, fmt.Errorf("lock enrollment %d: %w", e.ID, err)
		}
		if !ok {
			return OutcomeSkipped, nil
		}
		defer unlock()
	}

	if e.Status != models.EnrollmentActive || e.ClaimedAt(in.now()) {
		return OutcomeSkipped, nil
	}

	seq, err := in.sequences.GetSequence(ctx, e.SequenceID)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return OutcomeSkipped, fmt.Errorf("load sequence %d: %w", e.SequenceID, err)
	}
	if seq != nil && seq.Status != models.SequenceStatusActive {
		return OutcomeSkipped, nil
	}

	lease := in.now().Add(in.lockTTL)
	claimed, err := in.enrollments.UpdateEnrollment(ctx, e.ID, e.Version, EnrollmentPatch{ClaimedUntil: &lease})
	if errors.Is(err, engine.ErrVersionConflict) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("claim enrollment %d: %w", e.ID, err)
	}

	p := &pass{
		in:         in,
		enrollment: claimed,
		sequence:   seq,
		log: in.logger.WithFields(logrus.Fields{
			"enrollment_id": e.ID,
			"sequence_id":   e.SequenceID,
			"contact_id":    e.ContactID,
		}),
	}
	if seq == nil {
		outcome, err := p.fail(ctx, fmt.Errorf("sequence %d: %w", e.SequenceID, engine.ErrNotFound))
		p.release(ctx)
		return outcome, err
	}
	p.steps = DecodeSteps(seq.Steps)
	p.branches = NewBranchResolver(p.steps)

	outcome, err := p.run(ctx)
	if errors.Is(err, errConcurrentChange) {
		return p.observeConcurrentChange(ctx)
	}
	p.release(ctx)
	return outcome, err
}

// pass holds the state of one Process call.
type pass struct {
	in         *Interpreter
	enrollment *models.Enrollment
	sequence   *models.Sequence
	steps      Steps
	branches   BranchResolver
	log        logrus.FieldLogger
}

func (p *pass) run(ctx context.Context) (Outcome, error) {
	e := p.enrollment

	contact, err := p.in.contacts.GetContact(ctx, e.ContactID)
	if err != nil {
		return p.fail(ctx, fmt.Errorf("load contact %d: %w", e.ContactID, err))
	}
	if contact.IsSuppressed() {
		p.log.Info("contact suppressed, cancelling enrollment")
		return p.finish(ctx, models.EnrollmentCancelled, CounterDelta{CurrentlyActive: -1, TotalCancelled: 1})
	}

	if p.sequence.StopOnReply {
		replied, err := p.in.events.QueryEvents(ctx, engine.EventQuery{
			EventScope: p.scope(),
			Types:      []models.EventType{models.EventReplied},
			Since:      e.CreatedAt,
		})
		if err != nil {
			return p.fail(ctx, fmt.Errorf("check replies: %w", err))
		}
		if len(replied) > 0 {
			p.log.Info("contact replied, stopping sequence")
			return p.complete(ctx)
		}
	}

	for hop := 0; hop <= len(p.steps); hop++ {
		if err := ctx.Err(); err != nil {
			return OutcomeSkipped, err
		}

		i := p.enrollment.CurrentStepIndex
		if i >= len(p.steps) {
			return p.complete(ctx)
		}
		log := p.log.WithFields(logrus.Fields{"step_index": i, "step_id": p.steps[i].StepID()})

		switch step := p.steps[i].(type) {
		case EmailStep:
			return p.sendEmail(ctx, i, step, contact)

		case DelayStep:
			now := p.in.now()
			if !engine.IsDue(p.enrollment.LastActionAt, step.Delay, now) {
				dueAt := engine.DueAt(p.enrollment.LastActionAt, step.Delay)
				status := models.EnrollmentWaiting
				if err := p.update(ctx, EnrollmentPatch{Status: &status, WaitUntil: &dueAt}); err != nil {
					return OutcomeSkipped, err
				}
				log.WithField("wait_until", dueAt).Debug("delay not due, waiting")
				return OutcomeWaiting, nil
			}
			if err := p.advance(ctx, i+1); err != nil {
				return OutcomeSkipped, err
			}

		case ConditionStep:
			if step.Misconfigured != "" {
				log.WithError(&engine.ConfigurationError{Where: "step " + step.ID, Reason: step.Misconfigured}).
					Warn("skipping misconfigured condition")
				if err := p.advance(ctx, i+1); err != nil {
					return OutcomeSkipped, err
				}
				continue
			}
			result, err := p.in.conditions.Evaluate(ctx, p.scope(), p.enrollment.LastActionAt, step.Predicate)
			next := p.branches.Select(i, result)
			var cfgErr *engine.ConfigurationError
			switch {
			case errors.As(err, &cfgErr):
				log.WithError(err).Warn("skipping misconfigured condition")
				next = i + 1
			case err != nil:
				return p.fail(ctx, fmt.Errorf("evaluate condition %s: %w", step.ID, err))
			default:
				log.WithFields(logrus.Fields{"predicate": step.Predicate, "result": result}).Debug("condition evaluated")
			}
			if err := p.advance(ctx, next); err != nil {
				return OutcomeSkipped, err
			}

		case InvalidStep:
			log.WithError(&engine.ConfigurationError{Where: "step " + step.ID, Reason: step.Reason}).
				Warn("skipping invalid step")
			if err := p.advance(ctx, i+1); err != nil {
				return OutcomeSkipped, err
			}

		default:
			return p.fail(ctx, fmt.Errorf("unhandled step type %T", step))
		}
	}

	return p.fail(ctx, fmt.Errorf("step loop exceeded %d hops", len(p.steps)+1))
}

func (p *pass) sendEmail(ctx context.Context, i int, step EmailStep, contact *models.Contact) (Outcome, error) {
	e := p.enrollment
	next := p.branches.NextAfterEmail(i)

	// A SENT event for this step means the send went out but the state
	// update was lost; advance without sending again.
	stepIndex := i
	prior, err := p.in.events.QueryEvents(ctx, engine.EventQuery{
		EnrollmentID: e.ID,
		StepIndex:    &stepIndex,
		Types:        []models.EventType{models.EventSent},
	})
	if err != nil {
		return p.fail(ctx, fmt.Errorf("check prior send: %w", err))
	}
	if len(prior) > 0 {
		last := prior[len(prior)-1]
		p.log.WithField("step_index", i).Warn("step already sent, recovering state without resend")
		if err := p.recordSend(ctx, next, last.Timestamp, utils.SentEmail{
			TransportMessageID: last.PayloadString("transport_message_id"),
			ThreadID:           last.PayloadString("thread_id"),
			MessageIDHeader:    last.PayloadString("message_id_header"),
		}, last.PayloadString("subject")); err != nil {
			return OutcomeSkipped, err
		}
		return p.afterSend(ctx)
	}

	now := p.in.now()
	composed, err := p.in.composer.Compose(ctx, engine.ComposeRequest{
		UserID:        p.sequence.UserID,
		OwnerID:       e.ID,
		Position:      fmt.Sprintf("%d:%s", i, step.ID),
		Index:         i,
		Contact:       contact,
		Subject:       step.Subject,
		BodyTemplate:  step.BodyTemplate,
		ReplyToThread: step.ReplyToThread,
		Tracking:      step.Tracks(p.sequence.TrackingEnabled),
		Thread: engine.ThreadState{
			ThreadID:           e.ThreadID,
			TransportMessageID: e.TransportMessageID,
			MessageIDHeader:    e.MessageIDHeader,
			LastSubject:        e.LastSubject,
		},
		History: engine.EventQuery{EnrollmentID: e.ID},
		Now:     now,
	})
	if err != nil {
		return p.fail(ctx, fmt.Errorf("compose step %s: %w", step.ID, err))
	}

	sent, err := p.in.transport.Send(ctx, p.sequence.UserID, p.sequence.FromEmail, composed.Email)
	if err != nil {
		return p.fail(ctx, &engine.TransportError{Op: "send", Err: err})
	}
	metrics.IncMessagesSent("email")
	if sent.ThreadID == "" {
		sent.ThreadID = e.ThreadID
	}

	event := &models.EngagementEvent{
		ContactID:       e.ContactID,
		Type:            models.EventSent,
		Timestamp:       now,
		SequenceID:      e.SequenceID,
		EnrollmentID:    e.ID,
		StepIndex:       i,
		TrackingID:      composed.Email.TrackingID,
		MessageIDHeader: sent.MessageIDHeader,
		Payload:         engine.SentPayload(p.sequence.FromEmail, composed, sent),
	}
	if err := p.in.events.AppendEvent(ctx, event); err != nil {
		utils.LogError("sent_event_append_failed", err, map[string]interface{}{
			"enrollment_id": e.ID,
			"step_index":    i,
		})
	} else {
		metrics.IncEngagementEvent(string(models.EventSent))
	}

	p.log.WithFields(logrus.Fields{
		"step_index":        i,
		"message_id_header": sent.MessageIDHeader,
		"thread_id":         sent.ThreadID,
	}).Info("sequence email sent")

	if err := p.recordSend(ctx, next, now, sent, composed.Email.Subject); err != nil {
		return OutcomeSkipped, err
	}
	return p.afterSend(ctx)
}

func (p *pass) recordSend(ctx context.Context, next int, at time.Time, sent utils.SentEmail, subject string) error {
	patch := EnrollmentPatch{
		CurrentStepIndex: &next,
		LastActionAt:     &at,
		LastSubject:      &subject,
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
	return p.update(ctx, patch)
}

// afterSend ends the pass, completing right away when nothing is left.
func (p *pass) afterSend(ctx context.Context) (Outcome, error) {
	if p.enrollment.CurrentStepIndex >= len(p.steps) {
		if _, err := p.complete(ctx); err != nil {
			return OutcomeSent, err
		}
	}
	return OutcomeSent, nil
}

func (p *pass) advance(ctx context.Context, next int) error {
	if next > len(p.steps) {
		next = len(p.steps)
	}
	return p.update(ctx, EnrollmentPatch{CurrentStepIndex: &next})
}

func (p *pass) complete(ctx context.Context) (Outcome, error) {
	return p.finish(ctx, models.EnrollmentCompleted, CounterDelta{CurrentlyActive: -1, TotalCompleted: 1})
}

func (p *pass) finish(ctx context.Context, status models.EnrollmentStatus, delta CounterDelta) (Outcome, error) {
	now := p.in.now()
	patch := EnrollmentPatch{
		Status:         &status,
		ClearWaitUntil: true,
		CompletedAt:    &now,
		Counters:       &delta,
	}
	if err := p.update(ctx, patch); err != nil {
		return OutcomeSkipped, err
	}
	p.log.WithField("status", status).Info("enrollment finished")
	if status == models.EnrollmentCancelled {
		return OutcomeCancelled, nil
	}
	return OutcomeCompleted, nil
}

// fail moves the enrollment to ERROR and returns cause.
func (p *pass) fail(ctx context.Context, cause error) (Outcome, error) {
	status := models.EnrollmentError
	msg := cause.Error()
	now := p.in.now()
	patch := EnrollmentPatch{
		Status:         &status,
		LastError:      &msg,
		ClearWaitUntil: true,
		CompletedAt:    &now,
		Counters:       &CounterDelta{CurrentlyActive: -1, TotalErrored: 1},
	}
	utils.LogError("sequence_step_failed", cause, map[string]interface{}{
		"enrollment_id": p.enrollment.ID,
		"sequence_id":   p.enrollment.SequenceID,
		"step_index":    p.enrollment.CurrentStepIndex,
	})
	if err := p.update(ctx, patch); err != nil {
		if errors.Is(err, errConcurrentChange) {
			return OutcomeSkipped, err
		}
		return OutcomeErrored, fmt.Errorf("%w (persisting error state: %v)", cause, err)
	}
	return OutcomeErrored, cause
}

func (p *pass) update(ctx context.Context, patch EnrollmentPatch) error {
	updated, err := p.in.enrollments.UpdateEnrollment(ctx, p.enrollment.ID, p.enrollment.Version, patch)
	if errors.Is(err, engine.ErrVersionConflict) {
		return errConcurrentChange
	}
	if err != nil {
		return fmt.Errorf("update enrollment %d: %w", p.enrollment.ID, err)
	}
	p.enrollment = updated
	return nil
}

// release drops the pass lease. A conflict means someone else wrote the
// record after our last update; their write wins and the lease expires.
func (p *pass) release(ctx context.Context) {
	if p.enrollment.ClaimedUntil == nil {
		return
	}
	updated, err := p.in.enrollments.UpdateEnrollment(context.WithoutCancel(ctx), p.enrollment.ID, p.enrollment.Version, EnrollmentPatch{ReleaseClaim: true})
	switch {
	case errors.Is(err, engine.ErrVersionConflict):
		p.log.Debug("enrollment changed before lease release")
	case err != nil:
		p.log.WithError(err).Warn("failed to release enrollment lease")
	default:
		p.enrollment = updated
	}
}

// observeConcurrentChange ends a pass that lost a CAS. A terminal record
// (cancelled by an archive) is reported as cancelled.
func (p *pass) observeConcurrentChange(ctx context.Context) (Outcome, error) {
	current, err := p.in.enrollments.GetEnrollment(ctx, p.enrollment.ID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("reload enrollment %d: %w", p.enrollment.ID, err)
	}
	if current.Status.IsTerminal() {
		p.log.WithField("status", current.Status).Info("enrollment closed during pass")
		return OutcomeCancelled, nil
	}
	p.log.Debug("enrollment modified concurrently, leaving it to the next pass")
	return OutcomeSkipped, nil
}

func (p *pass) scope() engine.EventScope {
	return engine.EventScope{ContactID: p.enrollment.ContactID, SequenceID: p.enrollment.SequenceID}
}
