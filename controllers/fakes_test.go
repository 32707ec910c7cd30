package controller

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"loumass/automation"
	"loumass/engine"
	"loumass/models"
	"loumass/sequence"
)

const testUser uint = 7

type fakeOwnership struct {
	sequences   map[uint]uint
	enrollments map[uint]uint
	automations map[uint]uint
	executions  map[uint]uint
	contacts    map[uint]uint
}

func newFakeOwnership() *fakeOwnership {
	return &fakeOwnership{
		sequences:   map[uint]uint{1: testUser, 2: 99},
		enrollments: map[uint]uint{10: testUser},
		automations: map[uint]uint{3: testUser},
		executions:  map[uint]uint{30: testUser},
		contacts:    map[uint]uint{100: testUser, 101: testUser, 200: 99},
	}
}

func lookup(m map[uint]uint, id uint) (uint, error) {
	owner, ok := m[id]
	if !ok {
		return 0, engine.ErrNotFound
	}
	return owner, nil
}

func (f *fakeOwnership) SequenceOwner(_ context.Context, id uint) (uint, error) {
	return lookup(f.sequences, id)
}

func (f *fakeOwnership) EnrollmentOwner(_ context.Context, id uint) (uint, error) {
	return lookup(f.enrollments, id)
}

func (f *fakeOwnership) AutomationOwner(_ context.Context, id uint) (uint, error) {
	return lookup(f.automations, id)
}

func (f *fakeOwnership) ExecutionOwner(_ context.Context, id uint) (uint, error) {
	return lookup(f.executions, id)
}

func (f *fakeOwnership) OwnedContactIDs(_ context.Context, userID uint, ids []uint) ([]uint, error) {
	var out []uint
	for _, id := range ids {
		if f.contacts[id] == userID {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeSequences struct {
	enrollErr   error
	enrolled    []models.Enrollment
	lastOpts    sequence.EnrollOptions
	lastIDs     []uint
	triggered   int
	triggerErr  error
	cancelled   int
	stats       *sequence.Stats
	resumeOut   sequence.Outcome
	resumeErr   error
	resumeCalls []uint
}

func (f *fakeSequences) EnrollContacts(_ context.Context, _ uint, ids []uint, opts sequence.EnrollOptions) ([]models.Enrollment, error) {
	f.lastIDs = ids
	f.lastOpts = opts
	return f.enrolled, f.enrollErr
}

func (f *fakeSequences) EnrollOnTrigger(_ context.Context, _ string, _ uint, _ []uint) (int, error) {
	return f.triggered, f.triggerErr
}

func (f *fakeSequences) CancelSequence(_ context.Context, _ uint) (int, error) {
	return f.cancelled, nil
}

func (f *fakeSequences) Stats(_ context.Context, id uint) (*sequence.Stats, error) {
	if f.stats == nil {
		return nil, engine.ErrNotFound
	}
	return f.stats, nil
}

func (f *fakeSequences) Resume(_ context.Context, id uint) (sequence.Outcome, error) {
	f.resumeCalls = append(f.resumeCalls, id)
	return f.resumeOut, f.resumeErr
}

type fakeAutomations struct {
	started    []models.AutomationExecution
	startErr   error
	lastVars   map[string]interface{}
	triggered  int
	triggerErr error
	cancelled  int
	resumeOut  automation.Outcome
}

func (f *fakeAutomations) Start(_ context.Context, _ uint, _ []uint, vars map[string]interface{}) ([]models.AutomationExecution, error) {
	f.lastVars = vars
	return f.started, f.startErr
}

func (f *fakeAutomations) StartOnTrigger(_ context.Context, _ string, _ uint, _ []uint) (int, error) {
	return f.triggered, f.triggerErr
}

func (f *fakeAutomations) Cancel(_ context.Context, _ uint) (int, error) {
	return f.cancelled, nil
}

func (f *fakeAutomations) Resume(_ context.Context, _ uint) (automation.Outcome, error) {
	return f.resumeOut, nil
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestApp returns an app whose requests are authenticated as testUser.
func newTestApp() *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("userID", testUser)
		return c.Next()
	})
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}
