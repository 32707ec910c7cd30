package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"loumass/engine"
	"loumass/models"
	"loumass/utils"
)

func gormModel(id uint) gorm.Model {
	return gorm.Model{ID: id}
}

func emailDef(id, subject string) models.StepDefinition {
	return models.StepDefinition{ID: id, Type: "email", Subject: subject, Body: "Hi {{firstName}}"}
}

func delayDef(id string, amount int, unit string) models.StepDefinition {
	return models.StepDefinition{ID: id, Type: "delay", Amount: amount, Unit: unit}
}

func conditionDef(id, predicate, ref string) models.StepDefinition {
	return models.StepDefinition{ID: id, Type: "condition", Predicate: predicate, ReferenceStepID: ref}
}

func activeSequence(id uint, steps ...models.StepDefinition) *models.Sequence {
	return &models.Sequence{
		Model:     gormModel(id),
		UserID:    1,
		FromEmail: "alice@acme.io",
		Status:    models.SequenceStatusActive,
		Steps:     steps,
	}
}

func (h *harness) enroll(t *testing.T, seqID uint, contactIDs ...uint) []models.Enrollment {
	t.Helper()
	created, err := h.service.EnrollContacts(context.Background(), seqID, contactIDs, EnrollOptions{})
	require.NoError(t, err)
	return created
}

func (h *harness) run(t *testing.T) engine.RunSummary {
	t.Helper()
	summary, err := h.scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	return summary
}

func branchSequence() *models.Sequence {
	return activeSequence(10,
		emailDef("a", "A"),
		conditionDef("cond", "opened", "a"),
		emailDef("b", "B"),
		emailDef("c", "C"),
		emailDef("d", "D"),
	)
}

func TestBranchTakenWhenOpened(t *testing.T) {
	h := newHarness()
	h.store.addSequence(branchSequence())
	e := h.enroll(t, 10, 1)[0]

	h.run(t)
	require.Equal(t, []string{"A"}, h.transport.subjects())

	require.NoError(t, h.store.AppendEvent(context.Background(), &models.EngagementEvent{
		ContactID: 1, SequenceID: 10, EnrollmentID: e.ID, Type: models.EventOpened, Timestamp: h.clock.Now(),
	}))
	h.clock.Advance(time.Hour)

	h.run(t)
	assert.Equal(t, []string{"A", "B"}, h.transport.subjects())
	assert.Equal(t, 4, h.store.enrollment(e.ID).CurrentStepIndex)

	h.run(t)
	assert.Equal(t, []string{"A", "B", "D"}, h.transport.subjects())

	final := h.store.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentCompleted, final.Status)
	assert.Equal(t, 5, final.CurrentStepIndex)
}

func TestBranchTakenWhenNotOpened(t *testing.T) {
	h := newHarness()
	h.store.addSequence(branchSequence())
	e := h.enroll(t, 10, 1)[0]

	h.run(t)
	h.clock.Advance(time.Hour)
	h.run(t)
	assert.Equal(t, []string{"A", "C"}, h.transport.subjects())
	assert.Equal(t, 4, h.store.enrollment(e.ID).CurrentStepIndex)

	h.run(t)
	assert.Equal(t, []string{"A", "C", "D"}, h.transport.subjects())
	assert.Equal(t, models.EnrollmentCompleted, h.store.enrollment(e.ID).Status)
}

func TestEngagementBeforeLastSendDoesNotCount(t *testing.T) {
	h := newHarness()
	h.store.addSequence(branchSequence())
	e := h.enroll(t, 10, 1)[0]

	require.NoError(t, h.store.AppendEvent(context.Background(), &models.EngagementEvent{
		ContactID: 1, SequenceID: 10, EnrollmentID: e.ID, Type: models.EventOpened, Timestamp: h.clock.Now().Add(-time.Minute),
	}))
	h.run(t)
	h.run(t)

	assert.Equal(t, []string{"A", "C"}, h.transport.subjects())
}

func TestDelayIsNotSentEarly(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(11,
		emailDef("a", "A"),
		delayDef("wait", 2, "days"),
		emailDef("b", "B"),
	))
	e := h.enroll(t, 11, 1)[0]

	h.run(t)
	h.run(t)
	h.run(t)
	assert.Equal(t, []string{"A"}, h.transport.subjects())

	waiting := h.store.enrollment(e.ID)
	require.Equal(t, models.EnrollmentWaiting, waiting.Status)
	require.NotNil(t, waiting.WaitUntil)
	assert.Equal(t, h.clock.Now().Add(48*time.Hour), *waiting.WaitUntil)

	h.clock.Advance(48*time.Hour - time.Millisecond)
	h.run(t)
	assert.Equal(t, []string{"A"}, h.transport.subjects())

	h.clock.Advance(time.Millisecond)
	h.run(t)
	assert.Equal(t, []string{"A", "B"}, h.transport.subjects())
	assert.Equal(t, models.EnrollmentCompleted, h.store.enrollment(e.ID).Status)
}

func TestThreadedReplyUsesMessageIDHeader(t *testing.T) {
	h := newHarness()
	follow := emailDef("b", "")
	follow.ReplyToThread = true
	h.store.addSequence(activeSequence(12, emailDef("a", "Intro"), follow))
	e := h.enroll(t, 12, 1)[0]

	h.run(t)
	first := h.store.enrollment(e.ID)
	assert.Equal(t, "<msg-1@acme.io>", first.MessageIDHeader)
	assert.Equal(t, "gm-1", first.TransportMessageID)
	assert.Equal(t, "thread-1", first.ThreadID)

	h.run(t)
	emails := h.transport.emails()
	require.Len(t, emails, 2)
	assert.Equal(t, "<msg-1@acme.io>", emails[1].InReplyToMessageID)
	assert.NotEqual(t, "gm-1", emails[1].InReplyToMessageID)
	assert.Equal(t, "thread-1", emails[1].ThreadID)
	assert.Equal(t, "Re: Intro", emails[1].Subject)
	// local history quoted after the new body
	assert.Contains(t, emails[1].HTMLBody, "wrote:")
}

func TestCompletionCountersChangeExactlyOnce(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(13, emailDef("a", "A")))
	e := h.enroll(t, 13, 1)[0]

	seq := h.store.sequence(13)
	assert.Equal(t, 1, seq.TotalEnrolled)
	assert.Equal(t, 1, seq.CurrentlyActive)

	h.run(t)
	h.run(t)
	h.run(t)

	seq = h.store.sequence(13)
	assert.Equal(t, 0, seq.CurrentlyActive)
	assert.Equal(t, 1, seq.TotalCompleted)
	assert.Equal(t, models.EnrollmentCompleted, h.store.enrollment(e.ID).Status)

	_, err := h.interpreter.Process(context.Background(), h.store.enrollment(e.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.sequence(13).TotalCompleted)
}

func TestTransportFailureMovesToError(t *testing.T) {
	h := newHarness()
	h.transport.sendErr = errors.New("smtp 554")
	h.store.addSequence(activeSequence(14, emailDef("a", "A")))
	e := h.enroll(t, 14, 1)[0]

	summary := h.run(t)
	assert.Equal(t, engine.RunSummary{Total: 1, Successful: 0, Failed: 1}, summary)

	failed := h.store.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentError, failed.Status)
	assert.Contains(t, failed.LastError, "smtp 554")
	seq := h.store.sequence(14)
	assert.Equal(t, 1, seq.TotalErrored)
	assert.Equal(t, 0, seq.CurrentlyActive)

	// ERROR is never rescanned
	assert.Equal(t, engine.RunSummary{}, h.run(t))
}

func TestOneFailureDoesNotAffectSiblings(t *testing.T) {
	h := newHarness()
	h.store.addContact(&models.Contact{Model: gormModel(3), UserID: 1, Email: "broken"})
	h.store.addSequence(activeSequence(15, emailDef("a", "A")))
	h.enroll(t, 15, 1, 3, 2)

	summary := h.run(t)
	assert.Equal(t, engine.RunSummary{Total: 3, Successful: 2, Failed: 1}, summary)
	assert.Len(t, h.transport.subjects(), 2)
}

func TestSuppressedContactIsCancelled(t *testing.T) {
	h := newHarness()
	h.store.addContact(&models.Contact{Model: gormModel(4), UserID: 1, Email: "gone@example.com", IsUnsubscribed: true})
	h.store.addSequence(activeSequence(16, emailDef("a", "A")))
	e := h.enroll(t, 16, 4)[0]

	h.run(t)
	assert.Empty(t, h.transport.subjects())
	assert.Equal(t, models.EnrollmentCancelled, h.store.enrollment(e.ID).Status)
	assert.Equal(t, 1, h.store.sequence(16).TotalCancelled)
}

func TestStopOnReplyCompletes(t *testing.T) {
	h := newHarness()
	seq := activeSequence(17, emailDef("a", "A"), delayDef("w", 1, "days"), emailDef("b", "B"))
	seq.StopOnReply = true
	h.store.addSequence(seq)
	e := h.enroll(t, 17, 1)[0]

	h.run(t)
	require.NoError(t, h.store.AppendEvent(context.Background(), &models.EngagementEvent{
		ContactID: 1, SequenceID: 17, Type: models.EventReplied, Timestamp: h.clock.Now().Add(time.Hour),
	}))
	h.clock.Advance(25 * time.Hour)
	h.run(t)

	assert.Equal(t, []string{"A"}, h.transport.subjects())
	assert.Equal(t, models.EnrollmentCompleted, h.store.enrollment(e.ID).Status)
}

func TestMisconfiguredConditionAdvancesOneStep(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(18,
		emailDef("a", "A"),
		conditionDef("cond", "opened", ""),
		emailDef("b", "B"),
		emailDef("c", "C"),
		emailDef("d", "D"),
	))
	e := h.enroll(t, 18, 1)[0]

	for i := 0; i < 6; i++ {
		h.run(t)
		h.clock.Advance(time.Hour)
	}

	// the TRUE branch runs and the FALSE branch is skipped at the merge
	assert.Equal(t, []string{"A", "B", "D"}, h.transport.subjects())
	assert.Equal(t, models.EnrollmentCompleted, h.store.enrollment(e.ID).Status)
}

func TestDanglingConditionReferenceAdvancesOneStep(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(22,
		emailDef("a", "A"),
		conditionDef("cond", "opened", "missing"),
		emailDef("b", "B"),
		emailDef("c", "C"),
		emailDef("d", "D"),
	))
	h.enroll(t, 22, 1)

	for i := 0; i < 6; i++ {
		h.run(t)
		h.clock.Advance(time.Hour)
	}
	assert.Equal(t, []string{"A", "B", "D"}, h.transport.subjects())
}

func TestAlreadySentStepIsNotResent(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(19, emailDef("a", "A"), emailDef("b", "B")))
	e := h.enroll(t, 19, 1)[0]

	require.NoError(t, h.store.AppendEvent(context.Background(), &models.EngagementEvent{
		ContactID: 1, SequenceID: 19, EnrollmentID: e.ID, StepIndex: 0, Type: models.EventSent,
		Timestamp: h.clock.Now(),
		Payload: map[string]interface{}{
			"subject":           "A",
			"thread_id":         "thread-x",
			"message_id_header": "<x@acme.io>",
		},
	}))

	outcome, err := h.interpreter.Process(context.Background(), h.store.enrollment(e.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Empty(t, h.transport.subjects())

	recovered := h.store.enrollment(e.ID)
	assert.Equal(t, 1, recovered.CurrentStepIndex)
	assert.Equal(t, "<x@acme.io>", recovered.MessageIDHeader)
	assert.Equal(t, "thread-x", recovered.ThreadID)
}

func TestPausedSequenceHoldsEnrollments(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(20, emailDef("a", "A")))
	e := h.enroll(t, 20, 1)[0]

	h.store.mu.Lock()
	h.store.sequences[20].Status = models.SequenceStatusPaused
	h.store.mu.Unlock()

	summary := h.run(t)
	assert.Equal(t, 1, summary.Successful)
	assert.Empty(t, h.transport.subjects())
	assert.Equal(t, models.EnrollmentActive, h.store.enrollment(e.ID).Status)
}

func TestCancellationDuringSendIsObserved(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(21, emailDef("a", "A"), emailDef("b", "B")))
	e := h.enroll(t, 21, 1)[0]

	h.transport.onSend = func(email utils.OutgoingEmail) {
		_, err := h.store.CancelEnrollments(context.Background(), 21)
		require.NoError(t, err)
	}

	outcome, err := h.interpreter.Process(context.Background(), h.store.enrollment(e.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	cancelled := h.store.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentCancelled, cancelled.Status)
	assert.Equal(t, 0, cancelled.CurrentStepIndex)
	// the send that was already in flight is still recorded
	assert.Len(t, h.store.eventsOfType(models.EventSent), 1)

	seq := h.store.sequence(21)
	assert.Equal(t, models.SequenceStatusArchived, seq.Status)
	assert.Equal(t, 1, seq.TotalCancelled)
	assert.Equal(t, 0, seq.CurrentlyActive)
}

func TestClaimedEnrollmentIsNotSentTwice(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(23, emailDef("a", "A"), emailDef("b", "B")))
	e := h.enroll(t, 23, 1)[0]

	other := NewInterpreter(Dependencies{
		Enrollments: h.store,
		Sequences:   h.store,
		Contacts:    h.store,
		Events:      h.store,
		Transport:   h.transport,
		Composer:    h.interpreter.composer,
		Logger:      h.interpreter.logger,
		Now:         h.clock.Now,
	})

	var (
		fired        bool
		otherOutcome Outcome
		otherErr     error
		visible      []models.Enrollment
	)
	h.transport.onSend = func(email utils.OutgoingEmail) {
		if fired {
			return
		}
		fired = true
		current := h.store.enrollment(e.ID)
		visible, _ = h.store.FindAdvanceable(context.Background(), models.EnrollmentActive, 0)
		otherOutcome, otherErr = other.Process(context.Background(), current)
	}

	outcome, err := h.interpreter.Process(context.Background(), h.store.enrollment(e.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	require.True(t, fired)
	require.NoError(t, otherErr)
	assert.Equal(t, OutcomeSkipped, otherOutcome)
	assert.Empty(t, visible)
	assert.Equal(t, []string{"A"}, h.transport.subjects())

	after := h.store.enrollment(e.ID)
	assert.Nil(t, after.ClaimedUntil)
	assert.Equal(t, 1, after.CurrentStepIndex)
}

func TestExpiredClaimIsTakenOver(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(24, emailDef("a", "A")))
	e := h.enroll(t, 24, 1)[0]

	stale := h.clock.Now().Add(time.Minute)
	h.store.mu.Lock()
	h.store.enrollments[e.ID].ClaimedUntil = &stale
	h.store.mu.Unlock()

	outcome, err := h.interpreter.Process(context.Background(), h.store.enrollment(e.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, h.transport.subjects())

	h.clock.Advance(2 * time.Minute)
	h.run(t)
	assert.Equal(t, []string{"A"}, h.transport.subjects())
}
