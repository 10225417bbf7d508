package sentinel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyLogin(t *testing.T) {
	cases := []struct {
		name     string
		reported bool
		text     string
		want     LoginOutcome
	}{
		{"sentinel wins over false reported", false, "GOOGLE:SUCCESS YOUTUBE:SUCCESS", LoginSuccess},
		{"sentinel wins over true reported too", true, "GOOGLE:SUCCESS", LoginSuccess},
		{"natural language success", false, "I have successfully logged in to the account.", LoginSuccess},
		{"already logged in counts as success", false, "The browser was already logged in as user@example.com", LoginSuccess},
		{"sms code", false, "WAITING_CODE_SMS", LoginWaitingCodeSMS},
		{"sms phrase", false, "Google sent a code sent to your phone number ending in 42", LoginWaitingCodeSMS},
		{"authenticator code", false, "WAITING_CODE_AUTH", LoginWaitingCodeAuth},
		{"generic code token after specific ones", false, "WAITING_CODE", LoginWaitingCodeGeneric},
		{"phone approval", false, "WAITING_PHONE", LoginWaitingPhone},
		{"security key is its own outcome", false, "WAITING_SECURITY_KEY", LoginWaitingSecurityKey},
		{"invalid credentials", true, "INVALID_CREDENTIALS", LoginInvalidCredentials},
		{"invalid credentials phrase beats success word", false, "Login was not a success: invalid email or password", LoginInvalidCredentials},
		{"captcha", false, "CAPTCHA_FAILED after 3 attempts", LoginCaptchaFailed},
		{"locked", false, "This account has been locked for security reasons", LoginAccountLocked},
		{"reported true with no match", true, "done", LoginSuccess},
		{"nothing matches", false, "the page showed a blank screen", LoginUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyLogin(tc.reported, tc.text))
		})
	}
}

func TestClassifyLogin_SpecificCodeBeforeGeneric(t *testing.T) {
	// WAITING_CODE_SMS contains WAITING_CODE; the ordered table must pick the
	// specific variant.
	assert.Equal(t, LoginWaitingCodeSMS, ClassifyLogin(false, "result: WAITING_CODE_SMS"))
	assert.Equal(t, LoginWaitingCodeAuth, ClassifyLogin(false, "result: WAITING_CODE_AUTH"))
}

func TestClassifyTwoFA(t *testing.T) {
	cases := []struct {
		name     string
		reported bool
		text     string
		want     TwoFAOutcome
	}{
		{"success sentinel", false, "GOOGLE:SUCCESS", TwoFASuccess},
		{"expired before invalid", false, "CODE_EXPIRED", TwoFACodeExpired},
		{"expired phrase", false, "That code has expired, request a new one", TwoFACodeExpired},
		{"invalid", false, "CODE_INVALID", TwoFACodeInvalid},
		{"wrong code phrase", false, "Google says: wrong code, please retry", TwoFACodeInvalid},
		{"additional verification", false, "Google wants to verify it's you with a recovery email", TwoFAMoreVerification},
		{"unknown", false, "the page did not change", TwoFAUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyTwoFA(tc.reported, tc.text))
		})
	}
}

func TestClassifyVerify(t *testing.T) {
	assert.Equal(t, VerifyConnected, ClassifyVerify(false, "YOUTUBE:SUCCESS"))
	assert.Equal(t, VerifyStillWaiting, ClassifyVerify(false, "WAITING_APPROVAL"))
	assert.Equal(t, VerifyStillWaiting, ClassifyVerify(false, "Still waiting for the user to approve"))
	assert.Equal(t, VerifyNotLoggedIn, ClassifyVerify(false, "The browser is back on the login page"))
	assert.Equal(t, VerifyUnknown, ClassifyVerify(false, "timeout"))
}

func TestClassifyPost(t *testing.T) {
	cases := []struct {
		name     string
		reported bool
		text     string
		want     PostOutcome
	}{
		{"under-reported success", false, "The comment was successfully posted under the video.", PostSuccess},
		{"reply success", false, "successfully replied to the tweet", PostSuccess},
		{"permanent beats success phrase", false, "Could not post: comments are disabled. Previous run was successfully posted though.", PostPermanentError},
		{"transient", false, "Got a rate limit message, will need to try again later", PostTransientError},
		{"unknown", false, "browser crashed mid-action", PostUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyPost(tc.reported, tc.text))
		})
	}
}

func TestClassifyGeneric(t *testing.T) {
	assert.Equal(t, GenericSuccess, ClassifyGeneric(false, "TASK:SUCCESS"))
	assert.Equal(t, GenericFailed, ClassifyGeneric(true, "TASK:FAILED"))
	assert.Equal(t, GenericSuccess, ClassifyGeneric(true, "all good"))
	assert.Equal(t, GenericUnknown, ClassifyGeneric(false, "all good"))
}
