package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"automation_engine/internal/agent"
	"automation_engine/internal/config"
	"automation_engine/internal/model"
	"automation_engine/internal/notify"
	"automation_engine/internal/sentinel"
	"automation_engine/internal/store/sqlite"
)

type scriptedAgent struct {
	result   model.AgentResult
	err      error
	lastTask string
	lastIter int
}

func (a *scriptedAgent) RunTask(_ context.Context, req agent.TaskRequest) (model.AgentResult, error) {
	a.lastTask = req.Task
	a.lastIter = req.MaxIterations
	return a.result, a.err
}

func (a *scriptedAgent) Verify(_ context.Context, req agent.TaskRequest) (model.AgentResult, error) {
	return a.RunTask(context.Background(), req)
}

type recordingNotifier struct {
	loginFailed []notify.LoginFailedEvent
}

func (n *recordingNotifier) NotifyTaskFinished(context.Context, notify.TaskFinishedEvent) {}
func (n *recordingNotifier) NotifyLoginFailed(_ context.Context, evt notify.LoginFailedEvent) {
	n.loginFailed = append(n.loginFailed, evt)
}

func newTestManager(t *testing.T, a agent.Caller) (*Manager, *sqlite.Store, *recordingNotifier) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := &recordingNotifier{}
	m := New(Options{
		Store:    store,
		Agent:    a,
		Notifier: rec,
		Cfg:      config.AgentConfig{MaxIterations: 40, CodeIterations: 15, VerifyIterations: 5},
	})
	return m, store, rec
}

var googleCreds = Credentials{
	ProjectID: "p1",
	Platform:  model.PlatformGoogle,
	Email:     "user@example.com",
	Password:  "hunter2",
}

func TestFillPrompt(t *testing.T) {
	got := FillPrompt("Log in to {{platform}} as {{email}} with password {{password}}, code {{code}}",
		googleCreds, "123456")
	require.Equal(t, "Log in to google as user@example.com with password hunter2, code 123456", got)
}

func TestAttemptLogin_SuccessWithSSOPropagation(t *testing.T) {
	ctx := context.Background()
	// The agent under-reports success; the sentinel must correct it.
	fake := &scriptedAgent{result: model.AgentResult{Result: "GOOGLE:SUCCESS YOUTUBE:SUCCESS", Success: false}}
	m, store, _ := newTestManager(t, fake)

	outcome, _, err := m.AttemptLogin(ctx, googleCreds, "login as {{email}}")
	require.NoError(t, err)
	require.Equal(t, sentinel.LoginSuccess, outcome)
	require.Equal(t, 40, fake.lastIter)

	google, err := store.GetSession(ctx, "p1", model.PlatformGoogle, "user@example.com")
	require.NoError(t, err)
	require.True(t, google.IsConnected)
	require.NotNil(t, google.ConnectedAt)
	require.False(t, google.Has2FA)

	yt, err := store.GetSession(ctx, "p1", model.PlatformYouTube, "user@example.com")
	require.NoError(t, err)
	require.True(t, yt.IsConnected)
	require.True(t, yt.UsesGoogleSSO)
	require.Equal(t, google.ID, yt.GoogleSessionID)

	// Exactly one derived session.
	all, err := store.ListSessions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestAttemptLogin_WaitingCodeSMS(t *testing.T) {
	ctx := context.Background()
	fake := &scriptedAgent{result: model.AgentResult{Result: "WAITING_CODE_SMS", Success: false}}
	m, store, _ := newTestManager(t, fake)

	outcome, _, err := m.AttemptLogin(ctx, googleCreds, "login")
	require.NoError(t, err)
	require.Equal(t, sentinel.LoginWaitingCodeSMS, outcome)

	sess, err := store.GetSession(ctx, "p1", model.PlatformGoogle, "user@example.com")
	require.NoError(t, err)
	require.False(t, sess.IsConnected)
	require.True(t, sess.Has2FA)
	require.Equal(t, model.TwoFASMS, sess.TwoFAType)
}

func TestAttemptLogin_SecurityKeyIsPermanent(t *testing.T) {
	ctx := context.Background()
	fake := &scriptedAgent{result: model.AgentResult{Result: "WAITING_SECURITY_KEY", Success: false}}
	m, store, rec := newTestManager(t, fake)

	outcome, _, err := m.AttemptLogin(ctx, googleCreds, "login")
	require.NoError(t, err)
	require.Equal(t, sentinel.LoginWaitingSecurityKey, outcome)

	sess, err := store.GetSession(ctx, "p1", model.PlatformGoogle, "user@example.com")
	require.NoError(t, err)
	require.True(t, sess.Has2FA)
	require.Equal(t, model.TwoFASecurityKey, sess.TwoFAType)
	require.NotEmpty(t, sess.LastError)
	require.Len(t, rec.loginFailed, 1, "operator must be alerted, not retried")
}

func TestAttemptLogin_InvalidCredentials(t *testing.T) {
	ctx := context.Background()
	fake := &scriptedAgent{result: model.AgentResult{Result: "INVALID_CREDENTIALS", Success: false}}
	m, store, rec := newTestManager(t, fake)

	outcome, _, err := m.AttemptLogin(ctx, googleCreds, "login")
	require.NoError(t, err)
	require.Equal(t, sentinel.LoginInvalidCredentials, outcome)

	sess, err := store.GetSession(ctx, "p1", model.PlatformGoogle, "user@example.com")
	require.NoError(t, err)
	require.Equal(t, "Invalid email or password", sess.LastError)
	require.Len(t, rec.loginFailed, 1)
}

func TestSubmitCode_SuccessClearsTwoFA(t *testing.T) {
	ctx := context.Background()
	fake := &scriptedAgent{result: model.AgentResult{Result: "WAITING_CODE_SMS", Success: false}}
	m, store, _ := newTestManager(t, fake)

	_, _, err := m.AttemptLogin(ctx, googleCreds, "login")
	require.NoError(t, err)

	fake.result = model.AgentResult{Result: "GOOGLE:SUCCESS", Success: true}
	outcome, _, err := m.SubmitCode(ctx, googleCreds, "123456", "enter {{code}}")
	require.NoError(t, err)
	require.Equal(t, sentinel.TwoFASuccess, outcome)
	require.Equal(t, 15, fake.lastIter, "code submission uses the smaller budget")

	sess, err := store.GetSession(ctx, "p1", model.PlatformGoogle, "user@example.com")
	require.NoError(t, err)
	require.True(t, sess.IsConnected)
	require.False(t, sess.Has2FA)
	require.Equal(t, model.TwoFANone, sess.TwoFAType)
}

func TestVerify_StillWaitingChangesNothing(t *testing.T) {
	ctx := context.Background()
	fake := &scriptedAgent{result: model.AgentResult{Result: "WAITING_PHONE", Success: false}}
	m, store, _ := newTestManager(t, fake)

	_, _, err := m.AttemptLogin(ctx, googleCreds, "login")
	require.NoError(t, err)

	fake.result = model.AgentResult{Result: "WAITING_APPROVAL", Success: false}
	outcome, _, err := m.Verify(ctx, googleCreds, "check login state")
	require.NoError(t, err)
	require.Equal(t, sentinel.VerifyStillWaiting, outcome)
	require.Equal(t, 5, fake.lastIter, "verification uses the smallest budget")

	sess, err := store.GetSession(ctx, "p1", model.PlatformGoogle, "user@example.com")
	require.NoError(t, err)
	require.True(t, sess.Has2FA)
	require.Equal(t, model.TwoFAPhone, sess.TwoFAType)
	require.False(t, sess.IsConnected)
}

func TestVerify_NotLoggedInClearsStaleFlags(t *testing.T) {
	ctx := context.Background()
	fake := &scriptedAgent{result: model.AgentResult{Result: "WAITING_PHONE", Success: false}}
	m, store, _ := newTestManager(t, fake)

	_, _, err := m.AttemptLogin(ctx, googleCreds, "login")
	require.NoError(t, err)

	fake.result = model.AgentResult{Result: "NOT_LOGGED_IN", Success: false}
	outcome, _, err := m.Verify(ctx, googleCreds, "check login state")
	require.NoError(t, err)
	require.Equal(t, sentinel.VerifyNotLoggedIn, outcome)

	sess, err := store.GetSession(ctx, "p1", model.PlatformGoogle, "user@example.com")
	require.NoError(t, err)
	require.False(t, sess.Has2FA)
	require.Equal(t, model.TwoFANone, sess.TwoFAType)
	require.NotEmpty(t, sess.LastError)
}
