package notify

import "context"

// TaskFinishedEvent is sent to the producer system when a reply/comment task
// reaches a terminal state. Delivery is keyed by TaskID and fired at most
// once per task (the store's callback flag guards it).
type TaskFinishedEvent struct {
	At        int64  `json:"atMs"`
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId,omitempty"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

type LoginFailedEvent struct {
	At       int64  `json:"atMs"`
	Platform string `json:"platform"`
	Email    string `json:"email"`
	Reason   string `json:"reason"`
}

type Notifier interface {
	NotifyTaskFinished(ctx context.Context, evt TaskFinishedEvent)
	NotifyLoginFailed(ctx context.Context, evt LoginFailedEvent)
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) NotifyTaskFinished(ctx context.Context, evt TaskFinishedEvent) {
	for _, n := range m {
		n.NotifyTaskFinished(ctx, evt)
	}
}

func (m Multi) NotifyLoginFailed(ctx context.Context, evt LoginFailedEvent) {
	for _, n := range m {
		n.NotifyLoginFailed(ctx, evt)
	}
}
