package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"loumass/models"
)

func TestResumeWaitsUntilDue(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(30,
		emailDef("a", "A"),
		delayDef("wait", 30, "minutes"),
		emailDef("b", "B"),
	))
	e := h.enroll(t, 30, 1)[0]
	h.run(t)
	h.run(t)
	require.Equal(t, models.EnrollmentWaiting, h.store.enrollment(e.ID).Status)

	outcome, err := h.scheduler.Resume(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, outcome)
	assert.Equal(t, []string{"A"}, h.transport.subjects())

	h.clock.Advance(30 * time.Minute)
	outcome, err = h.scheduler.Resume(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, []string{"A", "B"}, h.transport.subjects())
}

func TestResumeIgnoresTerminalEnrollments(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(31, emailDef("a", "A")))
	e := h.enroll(t, 31, 1)[0]
	h.run(t)
	require.Equal(t, models.EnrollmentCompleted, h.store.enrollment(e.ID).Status)

	outcome, err := h.scheduler.Resume(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestRunOnceProcessesManyEnrollments(t *testing.T) {
	h := newHarness()
	h.store.addSequence(activeSequence(32, emailDef("a", "A"), delayDef("w", 1, "hours"), emailDef("b", "B")))
	for id := uint(100); id < 120; id++ {
		h.store.addContact(&models.Contact{Model: gormModel(id), UserID: 1, Email: "c@example.com"})
		h.enroll(t, 32, id)
	}

	summary := h.run(t)
	assert.Equal(t, 20, summary.Total)
	assert.Equal(t, 20, summary.Successful)
	assert.Len(t, h.transport.subjects(), 20)

	// second run parks everything without sending
	summary = h.run(t)
	assert.Equal(t, 20, summary.Total)
	assert.Len(t, h.transport.subjects(), 20)
}
