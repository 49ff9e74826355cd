package respond

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/metrics"
)

// ActionExecutor performs one action type. Execute returns a result payload
// stored on the action record.
type ActionExecutor interface {
	Type() core.ActionType
	Execute(ctx context.Context, action *core.AutomatedAction) (map[string]interface{}, error)
}

// Executor drains the pending action queue. It polls rather than subscribes
// so a crashed instance loses nothing: whatever was left pending or stuck in
// running is picked up again on the next poll or sweep.
type Executor struct {
	actions   ActionStore
	incidents IncidentStore
	registry  map[core.ActionType]ActionExecutor

	pollInterval  time.Duration
	sweepInterval time.Duration
	sem           chan struct{}
	logger        *zap.SugaredLogger

	mu          sync.Mutex
	nextAttempt map[string]time.Time
	inFlight    map[string]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewExecutor(actions ActionStore, incidents IncidentStore, executors []ActionExecutor, pollInterval, sweepInterval time.Duration, maxConcurrent int, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	registry := make(map[core.ActionType]ActionExecutor, len(executors))
	for _, ex := range executors {
		registry[ex.Type()] = ex
	}
	return &Executor{
		actions:       actions,
		incidents:     incidents,
		registry:      registry,
		pollInterval:  pollInterval,
		sweepInterval: sweepInterval,
		sem:           make(chan struct{}, maxConcurrent),
		logger:        logger,
		nextAttempt:   make(map[string]time.Time),
		inFlight:      make(map[string]bool),
	}
}

// Start launches the poll and sweep loops. The initial sweep runs immediately
// so actions orphaned by a crash are requeued before new work starts.
func (x *Executor) Start(ctx context.Context) {
	ctx, x.cancel = context.WithCancel(ctx)

	x.sweep(ctx)

	x.wg.Add(2)
	go func() {
		defer x.wg.Done()
		ticker := time.NewTicker(x.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				x.poll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer x.wg.Done()
		ticker := time.NewTicker(x.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				x.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loops and waits for in-flight actions to finish.
func (x *Executor) Stop() {
	if x.cancel != nil {
		x.cancel()
	}
	x.wg.Wait()
}

// poll claims due pending actions up to the concurrency budget.
func (x *Executor) poll(ctx context.Context) {
	pending, err := x.actions.ListActionsByStatus(ctx, core.ActionStatusPending, cap(x.sem)*2)
	if err != nil {
		x.logger.Errorw("pending action query failed", "error", err)
		return
	}
	metrics.ActionQueueDepth.Set(float64(len(pending)))

	now := time.Now()
	for _, action := range pending {
		if !x.claim(action.ID, now) {
			continue
		}
		select {
		case x.sem <- struct{}{}:
		case <-ctx.Done():
			x.release(action.ID)
			return
		}
		x.wg.Add(1)
		go func(action *core.AutomatedAction) {
			defer x.wg.Done()
			defer func() { <-x.sem }()
			defer x.release(action.ID)
			x.execute(ctx, action)
		}(action)
	}
}

func (x *Executor) claim(id string, now time.Time) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.inFlight[id] {
		return false
	}
	if until, ok := x.nextAttempt[id]; ok && now.Before(until) {
		return false
	}
	x.inFlight[id] = true
	return true
}

func (x *Executor) release(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.inFlight, id)
}

func (x *Executor) execute(ctx context.Context, action *core.AutomatedAction) {
	now := time.Now().UTC()
	action.Status = core.ActionStatusRunning
	action.StartedAt = &now
	if err := x.actions.UpdateAction(ctx, action); err != nil {
		x.logger.Errorw("action claim failed", "action_id", action.ID, "error", err)
		return
	}

	executor, ok := x.registry[action.Type]
	if !ok {
		x.fail(ctx, action, fmt.Errorf("unknown action type %q", action.Type), false)
		return
	}

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	result, err := executor.Execute(actx, action)
	cancel()

	if err != nil {
		retryable := ShouldRetry(err) && action.CanRetry()
		x.fail(ctx, action, err, retryable)
		return
	}
	x.complete(ctx, action, result)
}

func (x *Executor) complete(ctx context.Context, action *core.AutomatedAction, result map[string]interface{}) {
	now := time.Now().UTC()
	action.Status = core.ActionStatusCompleted
	action.CompletedAt = &now
	action.Result = result
	action.Error = ""
	if err := x.actions.UpdateAction(ctx, action); err != nil {
		x.logger.Errorw("action completion persist failed", "action_id", action.ID, "error", err)
	}
	metrics.ActionsExecuted.WithLabelValues(string(action.Type), "completed").Inc()

	x.appendIncidentTimeline(ctx, action, "action_completed",
		fmt.Sprintf("%s action completed", action.Type), nil)
}

func (x *Executor) fail(ctx context.Context, action *core.AutomatedAction, cause error, retryable bool) {
	action.Error = cause.Error()

	if retryable {
		action.RetryCount++
		action.Status = core.ActionStatusPending
		action.StartedAt = nil

		delay := RetryDelay(action.RetryCount-1, ClassifyError(cause))
		x.mu.Lock()
		x.nextAttempt[action.ID] = time.Now().Add(delay)
		x.mu.Unlock()

		if err := x.actions.UpdateAction(ctx, action); err != nil {
			x.logger.Errorw("action requeue persist failed", "action_id", action.ID, "error", err)
		}
		metrics.ActionRetries.WithLabelValues(string(action.Type)).Inc()
		x.logger.Warnw("action requeued",
			"action_id", action.ID,
			"type", action.Type,
			"retry", action.RetryCount,
			"max_retries", action.MaxRetries,
			"delay", delay,
			"error", cause)
		return
	}

	now := time.Now().UTC()
	action.Status = core.ActionStatusFailed
	action.CompletedAt = &now
	if err := x.actions.UpdateAction(ctx, action); err != nil {
		x.logger.Errorw("action failure persist failed", "action_id", action.ID, "error", err)
	}
	metrics.ActionsExecuted.WithLabelValues(string(action.Type), "failed").Inc()

	x.appendIncidentTimeline(ctx, action, "action_failed",
		fmt.Sprintf("%s action failed: %s", action.Type, cause),
		map[string]interface{}{"retries": action.RetryCount})
}

// sweep requeues actions stuck in running past their timeout, recovering work
// orphaned by a crashed instance.
func (x *Executor) sweep(ctx context.Context) {
	running, err := x.actions.ListActionsByStatus(ctx, core.ActionStatusRunning, 0)
	if err != nil {
		x.logger.Errorw("running action query failed", "error", err)
		return
	}

	now := time.Now()
	for _, action := range running {
		x.mu.Lock()
		claimed := x.inFlight[action.ID]
		x.mu.Unlock()
		if claimed || action.StartedAt == nil {
			continue
		}

		timeout := action.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		if now.Sub(*action.StartedAt) <= timeout {
			continue
		}

		if action.CanRetry() {
			action.RetryCount++
			action.Status = core.ActionStatusPending
			action.StartedAt = nil
			action.Error = "requeued after stuck run"
			metrics.ActionRetries.WithLabelValues(string(action.Type)).Inc()
		} else {
			done := time.Now().UTC()
			action.Status = core.ActionStatusFailed
			action.CompletedAt = &done
			action.Error = "abandoned after stuck run with no retry budget"
			metrics.ActionsExecuted.WithLabelValues(string(action.Type), "failed").Inc()
		}
		if err := x.actions.UpdateAction(ctx, action); err != nil {
			x.logger.Errorw("stuck action requeue failed", "action_id", action.ID, "error", err)
			continue
		}
		x.logger.Warnw("swept stuck action",
			"action_id", action.ID,
			"type", action.Type,
			"status", action.Status)
	}
}

func (x *Executor) appendIncidentTimeline(ctx context.Context, action *core.AutomatedAction, eventType, message string, details map[string]interface{}) {
	if action.IncidentID == "" {
		return
	}
	incident, err := x.incidents.GetIncident(ctx, action.IncidentID)
	if err != nil {
		x.logger.Warnw("incident lookup for timeline failed", "incident_id", action.IncidentID, "error", err)
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["action_id"] = action.ID
	incident.AppendTimeline(systemActor, eventType, message, details)
	if err := x.incidents.UpdateIncident(ctx, incident); err != nil {
		x.logger.Warnw("incident timeline update failed", "incident_id", action.IncidentID, "error", err)
	}
}
