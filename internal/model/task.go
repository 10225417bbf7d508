package model

import (
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskTypeGeneric        TaskType = "generic"
	TaskTypeYouTubeComment TaskType = "youtube_comment"
	TaskTypeReply          TaskType = "reply"
	TaskTypeLogin          TaskType = "login"
	TaskTypeTwoFA          TaskType = "twofa"
	TaskTypeVerify         TaskType = "verify"
)

// IsLoginFamily reports whether the task is handled by the login state
// machine instead of a plain agent task call.
func (t TaskType) IsLoginFamily() bool {
	switch t {
	case TaskTypeLogin, TaskTypeTwoFA, TaskTypeVerify:
		return true
	}
	return false
}

// IsPostFamily reports whether a terminal state must be reported back to the
// producer system.
func (t TaskType) IsPostFamily() bool {
	switch t {
	case TaskTypeReply, TaskTypeYouTubeComment:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type Task struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"projectId"`
	Type         TaskType        `json:"type"`
	Status       TaskStatus      `json:"status"`
	Prompt       string          `json:"prompt"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       string          `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	RetryCount   int             `json:"retryCount"`
	NextRetryAt  *time.Time      `json:"nextRetryAt,omitempty"`
	CallbackSent bool            `json:"callbackSent"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// LoginPayload is the task-type-specific payload for login-family tasks.
type LoginPayload struct {
	Platform string `json:"platform"`
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	Code     string `json:"code,omitempty"`
}

func (t Task) LoginPayload() (LoginPayload, error) {
	var p LoginPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return LoginPayload{}, err
	}
	return p, nil
}
