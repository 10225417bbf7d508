// Package agent is the HTTP client for the external browser automation
// agent. The agent is opaque: it takes a natural-language task and answers
// with free text plus an advisory success flag.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"automation_engine/internal/config"
	"automation_engine/internal/logbus"
	"automation_engine/internal/model"
)

// Caller is what the dispatcher and the login state machine depend on.
type Caller interface {
	// RunTask executes a full browser task with the standard iteration budget.
	RunTask(ctx context.Context, req TaskRequest) (model.AgentResult, error)
	// Verify executes a fast read-mostly check with the smallest budget.
	Verify(ctx context.Context, req TaskRequest) (model.AgentResult, error)
}

type TaskRequest struct {
	Task          string `json:"task"`
	TaskID        string `json:"taskId,omitempty"`
	ProjectID     string `json:"projectId,omitempty"`
	Model         string `json:"model,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
}

type taskResponse struct {
	Result  string `json:"result"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type Client struct {
	cfg config.AgentConfig
	bus *logbus.Bus
}

func New(cfg config.AgentConfig, bus *logbus.Bus) *Client {
	return &Client{cfg: cfg, bus: bus}
}

func (c *Client) RunTask(ctx context.Context, req TaskRequest) (model.AgentResult, error) {
	if req.MaxIterations <= 0 {
		req.MaxIterations = c.cfg.MaxIterations
	}
	return c.post(ctx, "/task", req, c.cfg.Timeout())
}

func (c *Client) Verify(ctx context.Context, req TaskRequest) (model.AgentResult, error) {
	if req.MaxIterations <= 0 {
		req.MaxIterations = c.cfg.VerifyIterations
	}
	return c.post(ctx, "/verify", req, c.cfg.VerifyTimeout())
}

func (c *Client) post(ctx context.Context, path string, req TaskRequest, timeout time.Duration) (model.AgentResult, error) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}

	client := resty.New().
		SetBaseURL(c.cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(c.cfg.Retry.Count).
		SetRetryWaitTime(c.cfg.Retry.Wait()).
		SetRetryMaxWaitTime(c.cfg.Retry.MaxWait()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		if c.bus != nil {
			c.bus.Log("debug", "agent request", map[string]any{
				"url":           r.URL,
				"taskId":        req.TaskID,
				"maxIterations": req.MaxIterations,
			})
		}
		return nil
	})

	var out taskResponse
	resp, err := client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(path)
	if err != nil {
		return model.AgentResult{}, fmt.Errorf("agent call: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return model.AgentResult{}, fmt.Errorf("agent returned status %d", resp.StatusCode())
	}
	if out.Result == "" && out.Error != "" {
		return model.AgentResult{}, errors.New(out.Error)
	}
	return model.AgentResult{Result: out.Result, Success: out.Success}, nil
}
