package model

import "time"

type TwoFAType string

const (
	TwoFANone          TwoFAType = "none"
	TwoFAPhone         TwoFAType = "phone"
	TwoFASMS           TwoFAType = "sms"
	TwoFAAuthenticator TwoFAType = "authenticator"
	TwoFASecurityKey   TwoFAType = "security_key"
	TwoFAGenericCode   TwoFAType = "code"
)

const (
	PlatformGoogle  = "google"
	PlatformYouTube = "youtube"
)

// LoginSession is the persisted authentication state of one
// (project, platform, email) triple. Only the login state machine writes it.
type LoginSession struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"projectId"`
	Platform        string     `json:"platform"`
	Email           string     `json:"email"`
	IsConnected     bool       `json:"isConnected"`
	ConnectedAt     *time.Time `json:"connectedAt,omitempty"`
	Has2FA          bool       `json:"has2FA"`
	TwoFAType       TwoFAType  `json:"twofaType,omitempty"`
	UsesGoogleSSO   bool       `json:"usesGoogleSSO"`
	GoogleSessionID string     `json:"googleSessionId,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	LastErrorAt     *time.Time `json:"lastErrorAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}
