// Package sentinel classifies raw browser-agent result text into closed,
// per-family outcome sets. Agents under-report success often enough that the
// reported boolean is treated as advisory: a recognized success sentinel in
// the text wins regardless of the flag.
package sentinel

import "strings"

type LoginOutcome string

const (
	LoginSuccess            LoginOutcome = "success"
	LoginWaitingPhone       LoginOutcome = "waiting_phone"
	LoginWaitingCodeSMS     LoginOutcome = "waiting_code_sms"
	LoginWaitingCodeAuth    LoginOutcome = "waiting_code_auth"
	LoginWaitingCodeGeneric LoginOutcome = "waiting_code_generic"
	LoginWaitingSecurityKey LoginOutcome = "waiting_security_key"
	LoginInvalidCredentials LoginOutcome = "invalid_credentials"
	LoginCaptchaFailed      LoginOutcome = "captcha_failed"
	LoginAccountLocked      LoginOutcome = "account_locked"
	LoginUnknown            LoginOutcome = "unknown"
)

type TwoFAOutcome string

const (
	TwoFASuccess          TwoFAOutcome = "success"
	TwoFACodeInvalid      TwoFAOutcome = "code_invalid"
	TwoFACodeExpired      TwoFAOutcome = "code_expired"
	TwoFAMoreVerification TwoFAOutcome = "additional_verification_required"
	TwoFAUnknown          TwoFAOutcome = "unknown"
)

type VerifyOutcome string

const (
	VerifyConnected    VerifyOutcome = "connected"
	VerifyStillWaiting VerifyOutcome = "still_waiting"
	VerifyNotLoggedIn  VerifyOutcome = "not_logged_in"
	VerifyUnknown      VerifyOutcome = "unknown"
)

type PostOutcome string

const (
	PostSuccess        PostOutcome = "success"
	PostPermanentError PostOutcome = "permanent_error"
	PostTransientError PostOutcome = "transient_error"
	PostUnknown        PostOutcome = "unknown"
)

type GenericOutcome string

const (
	GenericSuccess GenericOutcome = "success"
	GenericFailed  GenericOutcome = "failed"
	GenericUnknown GenericOutcome = "unknown"
)

// rule is one entry of an ordered match table. Token is a case-sensitive
// sentinel substring; Phrase is a lowercase natural-language pattern. A rule
// matches when either hits. Order in the table is the precedence: explicit
// failure sentinels must sit above generic success phrases so an error
// message containing the word "success" cannot flip the outcome.
type rule[O ~string] struct {
	Token  string
	Phrase string
	Out    O
}

func classify[O ~string](text string, rules []rule[O]) (O, bool) {
	lower := strings.ToLower(text)
	for _, r := range rules {
		if r.Token != "" && strings.Contains(text, r.Token) {
			return r.Out, true
		}
		if r.Phrase != "" && strings.Contains(lower, r.Phrase) {
			return r.Out, true
		}
	}
	var zero O
	return zero, false
}

var loginRules = []rule[LoginOutcome]{
	{Token: "INVALID_CREDENTIALS", Out: LoginInvalidCredentials},
	{Phrase: "invalid email or password", Out: LoginInvalidCredentials},
	{Phrase: "wrong password", Out: LoginInvalidCredentials},
	{Phrase: "couldn't find your google account", Out: LoginInvalidCredentials},
	{Token: "CAPTCHA_FAILED", Out: LoginCaptchaFailed},
	{Phrase: "could not solve the captcha", Out: LoginCaptchaFailed},
	{Token: "ACCOUNT_LOCKED", Out: LoginAccountLocked},
	{Phrase: "account has been locked", Out: LoginAccountLocked},
	{Phrase: "account was disabled", Out: LoginAccountLocked},
	{Token: "WAITING_SECURITY_KEY", Out: LoginWaitingSecurityKey},
	{Phrase: "security key", Out: LoginWaitingSecurityKey},
	// Specific code variants before the bare WAITING_CODE token, which they
	// all contain as a substring.
	{Token: "WAITING_CODE_SMS", Out: LoginWaitingCodeSMS},
	{Phrase: "code sent to your phone number", Out: LoginWaitingCodeSMS},
	{Token: "WAITING_CODE_AUTH", Out: LoginWaitingCodeAuth},
	{Phrase: "authenticator app", Out: LoginWaitingCodeAuth},
	{Token: "WAITING_PHONE", Out: LoginWaitingPhone},
	{Phrase: "tap yes on your phone", Out: LoginWaitingPhone},
	{Phrase: "check your phone", Out: LoginWaitingPhone},
	{Token: "WAITING_CODE", Out: LoginWaitingCodeGeneric},
	{Phrase: "enter the verification code", Out: LoginWaitingCodeGeneric},
	{Token: "GOOGLE:SUCCESS", Out: LoginSuccess},
	{Token: "YOUTUBE:SUCCESS", Out: LoginSuccess},
	{Token: "LOGIN:SUCCESS", Out: LoginSuccess},
	{Phrase: "successfully logged in", Out: LoginSuccess},
	{Phrase: "login successful", Out: LoginSuccess},
	{Phrase: "already logged in", Out: LoginSuccess},
}

// ClassifyLogin maps a login attempt result to its outcome. The reported
// flag only breaks ties when no rule matched.
func ClassifyLogin(reported bool, text string) LoginOutcome {
	if out, ok := classify(text, loginRules); ok {
		return out
	}
	if reported {
		return LoginSuccess
	}
	return LoginUnknown
}

var twoFARules = []rule[TwoFAOutcome]{
	{Token: "CODE_EXPIRED", Out: TwoFACodeExpired},
	{Phrase: "code has expired", Out: TwoFACodeExpired},
	{Phrase: "code expired", Out: TwoFACodeExpired},
	{Token: "CODE_INVALID", Out: TwoFACodeInvalid},
	{Phrase: "wrong code", Out: TwoFACodeInvalid},
	{Phrase: "code is incorrect", Out: TwoFACodeInvalid},
	{Phrase: "invalid code", Out: TwoFACodeInvalid},
	{Token: "ADDITIONAL_VERIFICATION", Out: TwoFAMoreVerification},
	{Phrase: "verify it's you", Out: TwoFAMoreVerification},
	{Phrase: "additional verification", Out: TwoFAMoreVerification},
	{Token: "GOOGLE:SUCCESS", Out: TwoFASuccess},
	{Token: "YOUTUBE:SUCCESS", Out: TwoFASuccess},
	{Token: "2FA:SUCCESS", Out: TwoFASuccess},
	{Phrase: "successfully logged in", Out: TwoFASuccess},
}

func ClassifyTwoFA(reported bool, text string) TwoFAOutcome {
	if out, ok := classify(text, twoFARules); ok {
		return out
	}
	if reported {
		return TwoFASuccess
	}
	return TwoFAUnknown
}

var verifyRules = []rule[VerifyOutcome]{
	{Token: "NOT_LOGGED_IN", Out: VerifyNotLoggedIn},
	{Phrase: "not logged in", Out: VerifyNotLoggedIn},
	{Phrase: "on the login page", Out: VerifyNotLoggedIn},
	{Token: "WAITING_APPROVAL", Out: VerifyStillWaiting},
	{Token: "WAITING_PHONE", Out: VerifyStillWaiting},
	{Phrase: "still waiting", Out: VerifyStillWaiting},
	{Phrase: "waiting for approval", Out: VerifyStillWaiting},
	{Token: "GOOGLE:SUCCESS", Out: VerifyConnected},
	{Token: "YOUTUBE:SUCCESS", Out: VerifyConnected},
	{Phrase: "successfully logged in", Out: VerifyConnected},
	{Phrase: "logged in as", Out: VerifyConnected},
}

func ClassifyVerify(reported bool, text string) VerifyOutcome {
	if out, ok := classify(text, verifyRules); ok {
		return out
	}
	if reported {
		return VerifyConnected
	}
	return VerifyUnknown
}

var postRules = []rule[PostOutcome]{
	{Token: "PERMANENT_ERROR", Out: PostPermanentError},
	{Phrase: "comments are disabled", Out: PostPermanentError},
	{Phrase: "video is unavailable", Out: PostPermanentError},
	{Phrase: "account suspended", Out: PostPermanentError},
	{Phrase: "tweet is unavailable", Out: PostPermanentError},
	{Token: "TRANSIENT_ERROR", Out: PostTransientError},
	{Phrase: "rate limit", Out: PostTransientError},
	{Phrase: "try again later", Out: PostTransientError},
	{Phrase: "something went wrong", Out: PostTransientError},
	{Token: "POST:SUCCESS", Out: PostSuccess},
	{Token: "REPLY:SUCCESS", Out: PostSuccess},
	{Phrase: "successfully posted", Out: PostSuccess},
	{Phrase: "successfully replied", Out: PostSuccess},
	{Phrase: "successfully commented", Out: PostSuccess},
	{Phrase: "comment was posted", Out: PostSuccess},
	{Phrase: "reply was posted", Out: PostSuccess},
}

func ClassifyPost(reported bool, text string) PostOutcome {
	if out, ok := classify(text, postRules); ok {
		return out
	}
	if reported {
		return PostSuccess
	}
	return PostUnknown
}

var genericRules = []rule[GenericOutcome]{
	{Token: "TASK:FAILED", Out: GenericFailed},
	{Phrase: "could not complete the task", Out: GenericFailed},
	{Token: "TASK:SUCCESS", Out: GenericSuccess},
	{Phrase: "task completed", Out: GenericSuccess},
	{Phrase: "successfully completed", Out: GenericSuccess},
}

func ClassifyGeneric(reported bool, text string) GenericOutcome {
	if out, ok := classify(text, genericRules); ok {
		return out
	}
	if reported {
		return GenericSuccess
	}
	return GenericUnknown
}
