package respond

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"sentinel/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubExecutor struct {
	actionType core.ActionType
	result     map[string]interface{}
	err        error
	calls      atomic.Int64
}

func (s *stubExecutor) Type() core.ActionType { return s.actionType }

func (s *stubExecutor) Execute(context.Context, *core.AutomatedAction) (map[string]interface{}, error) {
	s.calls.Add(1)
	return s.result, s.err
}

func newTestExecutor(t *testing.T, actions *memActionStore, incidents *memIncidentStore, stubs ...ActionExecutor) *Executor {
	t.Helper()
	return NewExecutor(actions, incidents, stubs, 10*time.Millisecond, time.Minute, 4, zaptest.NewLogger(t).Sugar())
}

func queueAction(t *testing.T, actions *memActionStore, incidents *memIncidentStore, actionType core.ActionType, maxRetries int) *core.AutomatedAction {
	t.Helper()
	incident := core.NewIncident("test incident", "", core.SeverityHigh, "system")
	require.NoError(t, incidents.SaveIncident(context.Background(), incident))

	action := core.NewAutomatedAction(incident.ID, "threat-1", actionType, map[string]interface{}{})
	action.MaxRetries = maxRetries
	action.Timeout = time.Second
	require.NoError(t, actions.CreateAction(context.Background(), action))
	return action
}

func TestExecutor_CompletesAction(t *testing.T) {
	actions := newMemActionStore()
	incidents := newMemIncidentStore()
	stub := &stubExecutor{actionType: core.ActionSendAlert, result: map[string]interface{}{"delivered": 2}}
	x := newTestExecutor(t, actions, incidents, stub)

	queued := queueAction(t, actions, incidents, core.ActionSendAlert, 3)
	x.execute(context.Background(), queued)

	stored, err := actions.GetAction(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ActionStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, map[string]interface{}{"delivered": 2}, stored.Result)

	incident, err := incidents.GetIncident(context.Background(), queued.IncidentID)
	require.NoError(t, err)
	last := incident.Timeline[len(incident.Timeline)-1]
	assert.Equal(t, "action_completed", last.EventType)
}

func TestExecutor_RetriesUntilBudgetExhausted(t *testing.T) {
	actions := newMemActionStore()
	incidents := newMemIncidentStore()
	stub := &stubExecutor{actionType: core.ActionWebhook, err: errors.New("temporary failure")}
	x := newTestExecutor(t, actions, incidents, stub)
	ctx := context.Background()

	const maxRetries = 2
	queued := queueAction(t, actions, incidents, core.ActionWebhook, maxRetries)

	for {
		current, err := actions.GetAction(ctx, queued.ID)
		require.NoError(t, err)
		if current.Status != core.ActionStatusPending {
			break
		}
		x.execute(ctx, current)
	}

	final, err := actions.GetAction(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ActionStatusFailed, final.Status)
	assert.Equal(t, maxRetries, final.RetryCount)
	assert.Equal(t, int64(maxRetries+1), stub.calls.Load(), "initial attempt plus max_retries")
	assert.Contains(t, final.Error, "temporary failure")
}

func TestExecutor_PermanentErrorSkipsRetries(t *testing.T) {
	actions := newMemActionStore()
	incidents := newMemIncidentStore()
	stub := &stubExecutor{actionType: core.ActionBlockIP, err: errors.New("invalid parameters: ip is required")}
	x := newTestExecutor(t, actions, incidents, stub)

	queued := queueAction(t, actions, incidents, core.ActionBlockIP, 5)
	x.execute(context.Background(), queued)

	stored, err := actions.GetAction(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ActionStatusFailed, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, int64(1), stub.calls.Load())
}

func TestExecutor_UnknownActionTypeFails(t *testing.T) {
	actions := newMemActionStore()
	incidents := newMemIncidentStore()
	x := newTestExecutor(t, actions, incidents)

	queued := queueAction(t, actions, incidents, core.ActionRevokeTokens, 3)
	x.execute(context.Background(), queued)

	stored, err := actions.GetAction(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ActionStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "unknown action type")
}

func TestExecutor_SweepRequeuesStuckActions(t *testing.T) {
	actions := newMemActionStore()
	incidents := newMemIncidentStore()
	x := newTestExecutor(t, actions, incidents)
	ctx := context.Background()

	stuck := queueAction(t, actions, incidents, core.ActionSendAlert, 3)
	started := time.Now().UTC().Add(-time.Minute)
	stuck.Status = core.ActionStatusRunning
	stuck.StartedAt = &started
	require.NoError(t, actions.UpdateAction(ctx, stuck))

	x.sweep(ctx)

	swept, err := actions.GetAction(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ActionStatusPending, swept.Status)
	assert.Equal(t, 1, swept.RetryCount)
	assert.Nil(t, swept.StartedAt)
}

func TestExecutor_SweepFailsStuckActionWithoutBudget(t *testing.T) {
	actions := newMemActionStore()
	incidents := newMemIncidentStore()
	x := newTestExecutor(t, actions, incidents)
	ctx := context.Background()

	stuck := queueAction(t, actions, incidents, core.ActionSendAlert, 0)
	started := time.Now().UTC().Add(-time.Minute)
	stuck.Status = core.ActionStatusRunning
	stuck.StartedAt = &started
	require.NoError(t, actions.UpdateAction(ctx, stuck))

	x.sweep(ctx)

	swept, err := actions.GetAction(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ActionStatusFailed, swept.Status)
}

func TestExecutor_SweepLeavesHealthyRunningActionsAlone(t *testing.T) {
	actions := newMemActionStore()
	incidents := newMemIncidentStore()
	x := newTestExecutor(t, actions, incidents)
	ctx := context.Background()

	running := queueAction(t, actions, incidents, core.ActionSendAlert, 3)
	started := time.Now().UTC()
	running.Status = core.ActionStatusRunning
	running.StartedAt = &started
	require.NoError(t, actions.UpdateAction(ctx, running))

	x.sweep(ctx)

	still, err := actions.GetAction(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ActionStatusRunning, still.Status)
}

func TestExecutor_PollLoopDrainsQueue(t *testing.T) {
	actions := newMemActionStore()
	incidents := newMemIncidentStore()
	stub := &stubExecutor{actionType: core.ActionSendAlert, result: map[string]interface{}{"ok": true}}
	x := newTestExecutor(t, actions, incidents, stub)

	queued := queueAction(t, actions, incidents, core.ActionSendAlert, 3)

	x.Start(context.Background())
	defer x.Stop()

	assert.Eventually(t, func() bool {
		stored, err := actions.GetAction(context.Background(), queued.ID)
		return err == nil && stored.Status == core.ActionStatusCompleted
	}, 2*time.Second, 20*time.Millisecond)
}
