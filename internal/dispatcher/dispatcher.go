// Package dispatcher polls the task queue and drives one task at a time
// through the browser agent. One tick claims at most one task; nothing runs
// while another task holds running status, because the agent owns a single
// browser profile.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"automation_engine/internal/agent"
	"automation_engine/internal/auth"
	"automation_engine/internal/config"
	"automation_engine/internal/logbus"
	"automation_engine/internal/model"
	"automation_engine/internal/notify"
	"automation_engine/internal/sentinel"
	"automation_engine/internal/store/sqlite"
)

type Options struct {
	Store    *sqlite.Store
	Agent    agent.Caller
	Auth     *auth.Manager
	Bus      *logbus.Bus
	Notifier notify.Notifier
	Cfg      config.DispatcherConfig
	AgentCfg config.AgentConfig

	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

type Dispatcher struct {
	store    *sqlite.Store
	agent    agent.Caller
	auth     *auth.Manager
	bus      *logbus.Bus
	notifier notify.Notifier
	cfg      config.DispatcherConfig
	agentCfg config.AgentConfig
	limiter  *rate.Limiter
	now      func() time.Time

	mu    sync.Mutex
	state model.DispatcherState
}

func New(opts Options) *Dispatcher {
	qps := rate.Inf
	if opts.Cfg.AgentQPS > 0 {
		qps = rate.Limit(opts.Cfg.AgentQPS)
	}
	burst := opts.Cfg.AgentBurst
	if burst <= 0 {
		burst = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:    opts.Store,
		agent:    opts.Agent,
		auth:     opts.Auth,
		bus:      opts.Bus,
		notifier: opts.Notifier,
		cfg:      opts.Cfg,
		agentCfg: opts.AgentCfg,
		limiter:  rate.NewLimiter(qps, burst),
		now:      now,
	}
}

// Run ticks until the context is cancelled. Tick errors are logged and do not
// stop the loop.
func (d *Dispatcher) Run(ctx context.Context) {
	d.setRunning(true)
	defer d.setRunning(false)

	ticker := time.NewTicker(d.cfg.TickInterval())
	defer ticker.Stop()

	for {
		if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.recordError(err)
			if d.bus != nil {
				d.bus.Log("error", "dispatch tick failed", map[string]any{"error": err.Error()})
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs at most one task to a decision. It is a no-op while a task is
// already running or when nothing is eligible.
func (d *Dispatcher) Tick(ctx context.Context) error {
	d.touchTick()

	running, err := d.store.RunningCount(ctx)
	if err != nil {
		return err
	}
	if running > 0 {
		return nil
	}

	task, ok, err := d.store.NextEligibleTask(ctx, d.now(), d.cfg.MaxRetries)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	claimed, err := d.store.MarkRunning(ctx, task.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	task.Status = model.TaskStatusRunning
	d.setCurrentTask(task.ID)
	defer d.setCurrentTask("")
	d.publishTaskState(task, 0, "")

	if err := d.limiter.Wait(ctx); err != nil {
		// Shutdown mid-claim: put the task back untouched so the next start
		// picks it up as fresh work.
		return d.store.ScheduleRetry(context.WithoutCancel(ctx), task.ID, "", task.RetryCount, d.now())
	}

	return d.dispatch(ctx, task)
}

func (d *Dispatcher) dispatch(ctx context.Context, t model.Task) error {
	if t.Type.IsLoginFamily() {
		return d.dispatchLogin(ctx, t)
	}

	res, err := d.agent.RunTask(ctx, agent.TaskRequest{
		Task:          t.Prompt,
		TaskID:        t.ID,
		ProjectID:     t.ProjectID,
		MaxIterations: d.agentCfg.MaxIterations,
	})
	if err != nil {
		return d.retryOrFail(ctx, t, fmt.Sprintf("agent call failed: %v", err))
	}
	return d.ApplyResult(ctx, t, res)
}

func (d *Dispatcher) dispatchLogin(ctx context.Context, t model.Task) error {
	creds, payload, err := d.loginCreds(t)
	if err != nil {
		return d.finish(ctx, t, resolution{kind: resolveFail, reason: err.Error()}, "")
	}

	switch t.Type {
	case model.TaskTypeLogin:
		outcome, res, err := d.auth.AttemptLogin(ctx, creds, t.Prompt)
		if err != nil {
			return d.retryOrFail(ctx, t, fmt.Sprintf("login attempt failed: %v", err))
		}
		return d.finish(ctx, t, resolveLogin(outcome, res.Result), res.Result)
	case model.TaskTypeTwoFA:
		outcome, res, err := d.auth.SubmitCode(ctx, creds, payload.Code, t.Prompt)
		if err != nil {
			return d.retryOrFail(ctx, t, fmt.Sprintf("code submission failed: %v", err))
		}
		return d.finish(ctx, t, resolveTwoFA(outcome, res.Result), res.Result)
	default:
		outcome, res, err := d.auth.Verify(ctx, creds, t.Prompt)
		if err != nil {
			return d.retryOrFail(ctx, t, fmt.Sprintf("verification failed: %v", err))
		}
		return d.finish(ctx, t, resolveVerify(outcome, res.Result), res.Result)
	}
}

// ApplyResult settles a running task from an agent result. The dispatcher
// uses it after synchronous calls; the webhook receiver uses it for results
// the agent delivers asynchronously. Both paths share the same classification
// and the same terminal-write guards.
func (d *Dispatcher) ApplyResult(ctx context.Context, t model.Task, res model.AgentResult) error {
	var r resolution
	switch {
	case t.Type == model.TaskTypeLogin:
		creds, _, err := d.loginCreds(t)
		if err != nil {
			return d.finish(ctx, t, resolution{kind: resolveFail, reason: err.Error()}, "")
		}
		outcome, err := d.auth.ApplyLoginResult(ctx, creds, res)
		if err != nil {
			return err
		}
		r = resolveLogin(outcome, res.Result)
	case t.Type == model.TaskTypeTwoFA:
		creds, _, err := d.loginCreds(t)
		if err != nil {
			return d.finish(ctx, t, resolution{kind: resolveFail, reason: err.Error()}, "")
		}
		outcome, err := d.auth.ApplyCodeResult(ctx, creds, res)
		if err != nil {
			return err
		}
		r = resolveTwoFA(outcome, res.Result)
	case t.Type == model.TaskTypeVerify:
		creds, _, err := d.loginCreds(t)
		if err != nil {
			return d.finish(ctx, t, resolution{kind: resolveFail, reason: err.Error()}, "")
		}
		outcome, err := d.auth.ApplyVerifyResult(ctx, creds, res)
		if err != nil {
			return err
		}
		r = resolveVerify(outcome, res.Result)
	case t.Type.IsPostFamily():
		r = resolvePost(sentinel.ClassifyPost(res.Success, res.Result), res.Result)
	default:
		r = resolveGeneric(sentinel.ClassifyGeneric(res.Success, res.Result), res.Result)
	}
	return d.finish(ctx, t, r, res.Result)
}

type resolveKind int

const (
	resolveComplete resolveKind = iota
	resolveFail
	resolveRetry
)

type resolution struct {
	kind   resolveKind
	reason string
}

// Login waits are not task failures: the task did its job, the session now
// records that a code or phone approval is pending. Credential and captcha
// problems are permanent because retrying changes nothing.
func resolveLogin(outcome sentinel.LoginOutcome, raw string) resolution {
	switch outcome {
	case sentinel.LoginSuccess,
		sentinel.LoginWaitingPhone,
		sentinel.LoginWaitingCodeSMS,
		sentinel.LoginWaitingCodeAuth,
		sentinel.LoginWaitingCodeGeneric:
		return resolution{kind: resolveComplete}
	case sentinel.LoginWaitingSecurityKey:
		return resolution{kind: resolveFail, reason: "Security key 2FA is not supported"}
	case sentinel.LoginInvalidCredentials:
		return resolution{kind: resolveFail, reason: "Invalid email or password"}
	case sentinel.LoginCaptchaFailed:
		return resolution{kind: resolveFail, reason: "Captcha could not be solved"}
	case sentinel.LoginAccountLocked:
		return resolution{kind: resolveFail, reason: "Account is locked"}
	default:
		return resolution{kind: resolveRetry, reason: "unrecognized login result: " + raw}
	}
}

func resolveTwoFA(outcome sentinel.TwoFAOutcome, raw string) resolution {
	switch outcome {
	case sentinel.TwoFASuccess:
		return resolution{kind: resolveComplete}
	case sentinel.TwoFACodeInvalid:
		return resolution{kind: resolveFail, reason: "The verification code was rejected"}
	case sentinel.TwoFACodeExpired:
		return resolution{kind: resolveFail, reason: "The verification code expired"}
	case sentinel.TwoFAMoreVerification:
		return resolution{kind: resolveFail, reason: "The platform asked for additional verification"}
	default:
		return resolution{kind: resolveRetry, reason: "unrecognized code submission result: " + raw}
	}
}

func resolveVerify(outcome sentinel.VerifyOutcome, raw string) resolution {
	switch outcome {
	case sentinel.VerifyConnected:
		return resolution{kind: resolveComplete}
	case sentinel.VerifyNotLoggedIn:
		return resolution{kind: resolveFail, reason: "No longer logged in"}
	case sentinel.VerifyStillWaiting:
		return resolution{kind: resolveRetry, reason: "still waiting for approval"}
	default:
		return resolution{kind: resolveRetry, reason: "unrecognized verification result: " + raw}
	}
}

func resolvePost(outcome sentinel.PostOutcome, raw string) resolution {
	switch outcome {
	case sentinel.PostSuccess:
		return resolution{kind: resolveComplete}
	case sentinel.PostPermanentError:
		return resolution{kind: resolveFail, reason: raw}
	default:
		return resolution{kind: resolveRetry, reason: raw}
	}
}

func resolveGeneric(outcome sentinel.GenericOutcome, raw string) resolution {
	if outcome == sentinel.GenericSuccess {
		return resolution{kind: resolveComplete}
	}
	return resolution{kind: resolveRetry, reason: raw}
}

func (d *Dispatcher) finish(ctx context.Context, t model.Task, r resolution, result string) error {
	switch r.kind {
	case resolveComplete:
		wrote, err := d.store.CompleteTask(ctx, t.ID, result)
		if err != nil {
			return err
		}
		if !wrote {
			// Already settled elsewhere (webhook raced the dispatcher).
			return nil
		}
		t.Status = model.TaskStatusCompleted
		t.Result = result
		d.publishTaskState(t, 0, "")
		d.fireCallback(ctx, t, "")
		return nil
	case resolveFail:
		return d.failTask(ctx, t, r.reason)
	default:
		return d.retryOrFail(ctx, t, r.reason)
	}
}

// retryOrFail bumps the retry counter and either schedules the task for a
// later tick or, once the budget is spent, fails it for good.
func (d *Dispatcher) retryOrFail(ctx context.Context, t model.Task, reason string) error {
	next := t.RetryCount + 1
	if next >= d.cfg.MaxRetries {
		return d.failTask(ctx, t, fmt.Sprintf("retries exhausted: %s", reason))
	}
	at := d.now().Add(d.cfg.RetryDelay())
	if err := d.store.ScheduleRetry(ctx, t.ID, reason, next, at); err != nil {
		return err
	}
	t.Status = model.TaskStatusPending
	t.RetryCount = next
	d.publishTaskState(t, at.UnixMilli(), reason)
	if d.bus != nil {
		d.bus.Log("warn", "task scheduled for retry", map[string]any{
			"taskId":     t.ID,
			"retryCount": next,
			"nextAtMs":   at.UnixMilli(),
			"reason":     reason,
		})
	}
	return nil
}

func (d *Dispatcher) failTask(ctx context.Context, t model.Task, reason string) error {
	wrote, err := d.store.FailTask(ctx, t.ID, reason)
	if err != nil {
		return err
	}
	if !wrote {
		return nil
	}
	t.Status = model.TaskStatusFailed
	t.ErrorMessage = reason
	d.publishTaskState(t, 0, reason)
	d.fireCallback(ctx, t, reason)
	return nil
}

// fireCallback reports a terminal post-family task to the producer system,
// at most once per task.
func (d *Dispatcher) fireCallback(ctx context.Context, t model.Task, reason string) {
	if d.notifier == nil || !t.Type.IsPostFamily() {
		return
	}
	first, err := d.store.MarkCallbackSent(ctx, t.ID)
	if err != nil || !first {
		return
	}
	d.notifier.NotifyTaskFinished(ctx, notify.TaskFinishedEvent{
		At:        d.now().UnixMilli(),
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		Type:      string(t.Type),
		Status:    string(t.Status),
		Result:    t.Result,
		Error:     reason,
	})
}

func (d *Dispatcher) loginCreds(t model.Task) (auth.Credentials, model.LoginPayload, error) {
	payload, err := t.LoginPayload()
	if err != nil {
		return auth.Credentials{}, model.LoginPayload{}, fmt.Errorf("invalid login payload: %w", err)
	}
	return auth.Credentials{
		ProjectID: t.ProjectID,
		Platform:  payload.Platform,
		Email:     payload.Email,
		Password:  payload.Password,
	}, payload, nil
}

func (d *Dispatcher) publishTaskState(t model.Task, nextRetryMs int64, errText string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish("task_state", logbus.TaskStateData{
		TaskID:      t.ID,
		Type:        string(t.Type),
		Status:      string(t.Status),
		RetryCount:  t.RetryCount,
		NextRetryMs: nextRetryMs,
		Error:       errText,
	})
}

// State returns a snapshot for the admin API.
func (d *Dispatcher) State() model.DispatcherState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) setRunning(v bool) {
	d.mu.Lock()
	d.state.Running = v
	d.mu.Unlock()
}

func (d *Dispatcher) setCurrentTask(id string) {
	d.mu.Lock()
	d.state.CurrentTask = id
	d.mu.Unlock()
}

func (d *Dispatcher) touchTick() {
	d.mu.Lock()
	d.state.LastTickMs = d.now().UnixMilli()
	d.mu.Unlock()
}

func (d *Dispatcher) recordError(err error) {
	d.mu.Lock()
	d.state.LastError = err.Error()
	d.mu.Unlock()
}
