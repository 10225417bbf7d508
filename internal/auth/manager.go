// Package auth drives the login, 2FA code submission and post-2FA
// verification flows against the browser agent, and owns all LoginSession
// writes.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"automation_engine/internal/agent"
	"automation_engine/internal/config"
	"automation_engine/internal/logbus"
	"automation_engine/internal/model"
	"automation_engine/internal/notify"
	"automation_engine/internal/sentinel"
	"automation_engine/internal/store/sqlite"
)

type Credentials struct {
	ProjectID string
	Platform  string
	Email     string
	Password  string
}

type Options struct {
	Store    *sqlite.Store
	Agent    agent.Caller
	Bus      *logbus.Bus
	Notifier notify.Notifier
	Cfg      config.AgentConfig
}

type Manager struct {
	store    *sqlite.Store
	agent    agent.Caller
	bus      *logbus.Bus
	notifier notify.Notifier
	cfg      config.AgentConfig
}

func New(opts Options) *Manager {
	return &Manager{
		store:    opts.Store,
		agent:    opts.Agent,
		bus:      opts.Bus,
		notifier: opts.Notifier,
		cfg:      opts.Cfg,
	}
}

// FillPrompt substitutes credential placeholders into a prompt template.
func FillPrompt(template string, creds Credentials, code string) string {
	return strings.NewReplacer(
		"{{platform}}", creds.Platform,
		"{{email}}", creds.Email,
		"{{password}}", creds.Password,
		"{{code}}", code,
	).Replace(template)
}

// AttemptLogin runs a full login attempt. The returned error is transport
// only; semantic failures come back as outcomes and are already persisted on
// the session by the time this returns.
func (m *Manager) AttemptLogin(ctx context.Context, creds Credentials, promptTemplate string) (sentinel.LoginOutcome, model.AgentResult, error) {
	res, err := m.agent.RunTask(ctx, agent.TaskRequest{
		Task:          FillPrompt(promptTemplate, creds, ""),
		ProjectID:     creds.ProjectID,
		MaxIterations: m.cfg.MaxIterations,
	})
	if err != nil {
		return sentinel.LoginUnknown, model.AgentResult{}, err
	}

	outcome, err := m.ApplyLoginResult(ctx, creds, res)
	return outcome, res, err
}

// ApplyLoginResult classifies a login attempt result and persists its session
// side effects. Split out from AttemptLogin so asynchronously delivered
// results (webhook) go through the same state transitions.
func (m *Manager) ApplyLoginResult(ctx context.Context, creds Credentials, res model.AgentResult) (sentinel.LoginOutcome, error) {
	outcome := sentinel.ClassifyLogin(res.Success, res.Result)
	return outcome, m.applyLoginOutcome(ctx, creds, outcome, res.Result)
}

// SubmitCode submits a 2FA code with a tighter iteration budget than login.
func (m *Manager) SubmitCode(ctx context.Context, creds Credentials, code, promptTemplate string) (sentinel.TwoFAOutcome, model.AgentResult, error) {
	res, err := m.agent.RunTask(ctx, agent.TaskRequest{
		Task:          FillPrompt(promptTemplate, creds, code),
		ProjectID:     creds.ProjectID,
		MaxIterations: m.cfg.CodeIterations,
	})
	if err != nil {
		return sentinel.TwoFAUnknown, model.AgentResult{}, err
	}

	outcome, err := m.ApplyCodeResult(ctx, creds, res)
	return outcome, res, err
}

// ApplyCodeResult classifies a 2FA code submission result and persists it.
func (m *Manager) ApplyCodeResult(ctx context.Context, creds Credentials, res model.AgentResult) (sentinel.TwoFAOutcome, error) {
	outcome := sentinel.ClassifyTwoFA(res.Success, res.Result)
	sess, err := m.loadSession(ctx, creds)
	if err != nil {
		return outcome, err
	}
	now := time.Now()
	switch outcome {
	case sentinel.TwoFASuccess:
		return outcome, m.markConnected(ctx, creds, sess)
	case sentinel.TwoFACodeInvalid:
		sess.LastError = "The verification code was rejected"
	case sentinel.TwoFACodeExpired:
		// Also covers codes the user entered after the agent gave up waiting.
		sess.LastError = "The verification code expired; request a new one"
	case sentinel.TwoFAMoreVerification:
		sess.LastError = "The platform asked for additional verification"
	default:
		sess.LastError = truncate(res.Result)
	}
	sess.LastErrorAt = &now
	return outcome, m.saveSession(ctx, sess)
}

// Verify polls whether a phone-approval 2FA went through. StillWaiting
// leaves the session untouched so the caller can poll again.
func (m *Manager) Verify(ctx context.Context, creds Credentials, promptTemplate string) (sentinel.VerifyOutcome, model.AgentResult, error) {
	res, err := m.agent.Verify(ctx, agent.TaskRequest{
		Task:          FillPrompt(promptTemplate, creds, ""),
		ProjectID:     creds.ProjectID,
		MaxIterations: m.cfg.VerifyIterations,
	})
	if err != nil {
		return sentinel.VerifyUnknown, model.AgentResult{}, err
	}

	outcome, err := m.ApplyVerifyResult(ctx, creds, res)
	return outcome, res, err
}

// ApplyVerifyResult classifies a verification result and persists it.
// StillWaiting and Unknown leave the session untouched.
func (m *Manager) ApplyVerifyResult(ctx context.Context, creds Credentials, res model.AgentResult) (sentinel.VerifyOutcome, error) {
	outcome := sentinel.ClassifyVerify(res.Success, res.Result)
	switch outcome {
	case sentinel.VerifyConnected:
		sess, err := m.loadSession(ctx, creds)
		if err != nil {
			return outcome, err
		}
		return outcome, m.markConnected(ctx, creds, sess)
	case sentinel.VerifyNotLoggedIn:
		sess, err := m.loadSession(ctx, creds)
		if err != nil {
			return outcome, err
		}
		now := time.Now()
		sess.IsConnected = false
		sess.Has2FA = false
		sess.TwoFAType = model.TwoFANone
		sess.LastError = "No longer logged in; restart the login flow"
		sess.LastErrorAt = &now
		return outcome, m.saveSession(ctx, sess)
	default:
		return outcome, nil
	}
}

func (m *Manager) applyLoginOutcome(ctx context.Context, creds Credentials, outcome sentinel.LoginOutcome, raw string) error {
	sess, err := m.loadSession(ctx, creds)
	if err != nil {
		return err
	}
	now := time.Now()

	switch outcome {
	case sentinel.LoginSuccess:
		return m.markConnected(ctx, creds, sess)
	case sentinel.LoginWaitingPhone:
		return m.markWaiting(ctx, sess, model.TwoFAPhone)
	case sentinel.LoginWaitingCodeSMS:
		return m.markWaiting(ctx, sess, model.TwoFASMS)
	case sentinel.LoginWaitingCodeAuth:
		return m.markWaiting(ctx, sess, model.TwoFAAuthenticator)
	case sentinel.LoginWaitingCodeGeneric:
		return m.markWaiting(ctx, sess, model.TwoFAGenericCode)
	case sentinel.LoginWaitingSecurityKey:
		// Unsupported: no automated path forward, so it is a permanent error
		// even though the 2FA flags stay set for the operator to see.
		sess.Has2FA = true
		sess.TwoFAType = model.TwoFASecurityKey
		sess.IsConnected = false
		sess.LastError = "Security key 2FA is not supported"
		sess.LastErrorAt = &now
		m.alertLoginFailed(ctx, creds, sess.LastError)
		return m.saveSession(ctx, sess)
	case sentinel.LoginInvalidCredentials:
		return m.markFailed(ctx, creds, sess, "Invalid email or password")
	case sentinel.LoginCaptchaFailed:
		return m.markFailed(ctx, creds, sess, "Captcha could not be solved")
	case sentinel.LoginAccountLocked:
		return m.markFailed(ctx, creds, sess, "Account is locked")
	default:
		sess.LastError = truncate(raw)
		sess.LastErrorAt = &now
		return m.saveSession(ctx, sess)
	}
}

func (m *Manager) loadSession(ctx context.Context, creds Credentials) (model.LoginSession, error) {
	sess, err := m.store.GetSession(ctx, creds.ProjectID, creds.Platform, creds.Email)
	if errors.Is(err, sql.ErrNoRows) {
		// First contact with this (project, platform, email) triple.
		return model.LoginSession{
			ProjectID: creds.ProjectID,
			Platform:  creds.Platform,
			Email:     creds.Email,
		}, nil
	}
	if err != nil {
		return model.LoginSession{}, err
	}
	return sess, nil
}

func (m *Manager) saveSession(ctx context.Context, sess model.LoginSession) error {
	saved, err := m.store.UpsertSession(ctx, sess)
	if err != nil {
		return err
	}
	m.publishState(saved)
	return nil
}

func (m *Manager) markConnected(ctx context.Context, creds Credentials, sess model.LoginSession) error {
	now := time.Now()
	sess.IsConnected = true
	sess.ConnectedAt = &now
	sess.Has2FA = false
	sess.TwoFAType = model.TwoFANone
	sess.LastError = ""
	sess.LastErrorAt = nil
	saved, err := m.store.UpsertSession(ctx, sess)
	if err != nil {
		return err
	}
	m.publishState(saved)

	if creds.Platform == model.PlatformGoogle {
		return m.propagateSSO(ctx, saved)
	}
	return nil
}

// propagateSSO mirrors a connected Google session onto YouTube for the same
// email. This is a side effect of the Google login, not a separate task.
func (m *Manager) propagateSSO(ctx context.Context, google model.LoginSession) error {
	yt, err := m.store.GetSession(ctx, google.ProjectID, model.PlatformYouTube, google.Email)
	if errors.Is(err, sql.ErrNoRows) {
		yt = model.LoginSession{
			ProjectID: google.ProjectID,
			Platform:  model.PlatformYouTube,
			Email:     google.Email,
		}
	} else if err != nil {
		return err
	}
	yt.IsConnected = true
	yt.ConnectedAt = google.ConnectedAt
	yt.UsesGoogleSSO = true
	yt.GoogleSessionID = google.ID
	yt.Has2FA = false
	yt.TwoFAType = model.TwoFANone
	yt.LastError = ""
	yt.LastErrorAt = nil
	saved, err := m.store.UpsertSession(ctx, yt)
	if err != nil {
		return err
	}
	m.publishState(saved)
	if m.bus != nil {
		m.bus.Log("info", "sso propagated to youtube", map[string]any{
			"email":     google.Email,
			"projectId": google.ProjectID,
		})
	}
	return nil
}

func (m *Manager) markWaiting(ctx context.Context, sess model.LoginSession, variant model.TwoFAType) error {
	sess.IsConnected = false
	sess.Has2FA = true
	sess.TwoFAType = variant
	saved, err := m.store.UpsertSession(ctx, sess)
	if err != nil {
		return err
	}
	m.publishState(saved)
	return nil
}

func (m *Manager) markFailed(ctx context.Context, creds Credentials, sess model.LoginSession, reason string) error {
	now := time.Now()
	sess.IsConnected = false
	sess.LastError = reason
	sess.LastErrorAt = &now
	saved, err := m.store.UpsertSession(ctx, sess)
	if err != nil {
		return err
	}
	m.publishState(saved)
	m.alertLoginFailed(ctx, creds, reason)
	return nil
}

func (m *Manager) alertLoginFailed(ctx context.Context, creds Credentials, reason string) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyLoginFailed(ctx, notify.LoginFailedEvent{
		At:       time.Now().UnixMilli(),
		Platform: creds.Platform,
		Email:    creds.Email,
		Reason:   reason,
	})
}

func (m *Manager) publishState(sess model.LoginSession) {
	if m.bus == nil {
		return
	}
	m.bus.Publish("login_state", logbus.LoginStateData{
		Platform:    sess.Platform,
		Email:       sess.Email,
		IsConnected: sess.IsConnected,
		Has2FA:      sess.Has2FA,
		TwoFAType:   string(sess.TwoFAType),
		Error:       sess.LastError,
	})
}

func truncate(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
