package model

// AgentResult is the raw outcome the browser agent reports for one task
// round-trip. Success is advisory only; the sentinel classifier decides the
// true outcome from Result.
type AgentResult struct {
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

type DispatcherState struct {
	Running     bool   `json:"running"`
	CurrentTask string `json:"currentTask,omitempty"`
	LastTickMs  int64  `json:"lastTickMs,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}
