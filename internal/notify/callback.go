package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"automation_engine/internal/logbus"
)

// CallbackNotifier posts terminal task events back to the producer system.
// Failures are logged, never raised: the producer can always re-read task
// rows out of band.
type CallbackNotifier struct {
	url    string
	bus    *logbus.Bus
	client *resty.Client
}

func NewCallbackNotifier(url string, bus *logbus.Bus) *CallbackNotifier {
	client := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &CallbackNotifier{url: url, bus: bus, client: client}
}

func (n *CallbackNotifier) NotifyTaskFinished(ctx context.Context, evt TaskFinishedEvent) {
	if n.url == "" {
		return
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(evt).
		Post(n.url)
	if err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "producer callback failed", map[string]any{
				"taskId": evt.TaskID,
				"error":  err.Error(),
			})
		}
		return
	}
	if n.bus != nil {
		n.bus.Log("debug", "producer callback delivered", map[string]any{
			"taskId": evt.TaskID,
			"status": resp.StatusCode(),
		})
	}
}

func (n *CallbackNotifier) NotifyLoginFailed(context.Context, LoginFailedEvent) {}
