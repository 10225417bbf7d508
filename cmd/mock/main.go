// The mock binary pretends to be the browser automation agent. It answers
// task requests with sentinel-bearing text so the engine can be exercised
// end to end without a browser.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

type taskRequest struct {
	Task          string `json:"task"`
	TaskID        string `json:"taskId"`
	MaxIterations int    `json:"maxIterations"`
}

type taskResponse struct {
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	delayMs := flag.Int("delay", 300, "simulated agent latency in milliseconds")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/agent/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	mux.HandleFunc("/agent/task", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r)
		if !ok {
			return
		}
		time.Sleep(time.Duration(*delayMs) * time.Millisecond)
		respond(w, scriptedResult(req.Task))
	})

	mux.HandleFunc("/agent/verify", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := decode(w, r); !ok {
			return
		}
		time.Sleep(time.Duration(*delayMs) * time.Millisecond)
		// Approvals land eventually.
		if rand.Intn(3) == 0 {
			respond(w, taskResponse{Result: "GOOGLE:SUCCESS logged in as mock user", Success: true})
			return
		}
		respond(w, taskResponse{Result: "WAITING_APPROVAL still waiting for the phone tap", Success: false})
	})

	log.Printf("mock agent listening on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("mock agent: %v", err)
	}
}

// scriptedResult picks a reply from markers in the task text, falling back to
// randomized outcomes so retries get exercised.
func scriptedResult(task string) taskResponse {
	lower := strings.ToLower(task)
	switch {
	case strings.Contains(lower, "@sms"):
		return taskResponse{Result: "WAITING_CODE_SMS code sent to your phone number", Success: false}
	case strings.Contains(lower, "@phone"):
		return taskResponse{Result: "WAITING_PHONE tap yes on your phone", Success: false}
	case strings.Contains(lower, "@badpass"):
		return taskResponse{Result: "INVALID_CREDENTIALS wrong password", Success: false}
	case strings.Contains(lower, "@seckey"):
		return taskResponse{Result: "WAITING_SECURITY_KEY insert your security key", Success: false}
	case strings.Contains(lower, "@flaky"):
		if rand.Intn(2) == 0 {
			return taskResponse{Result: "TRANSIENT_ERROR something went wrong, try again later", Success: false}
		}
		return taskResponse{Result: "TASK:SUCCESS done after a retry", Success: true}
	case strings.Contains(lower, "log in"), strings.Contains(lower, "login"):
		return taskResponse{Result: "GOOGLE:SUCCESS YOUTUBE:SUCCESS logged in", Success: true}
	case strings.Contains(lower, "comment"):
		return taskResponse{Result: "POST:SUCCESS comment was posted", Success: true}
	case strings.Contains(lower, "reply"):
		return taskResponse{Result: "REPLY:SUCCESS reply was posted", Success: true}
	default:
		return taskResponse{Result: "TASK:SUCCESS task completed", Success: true}
	}
}

func decode(w http.ResponseWriter, r *http.Request) (taskRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return taskRequest{}, false
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return taskRequest{}, false
	}
	return req, true
}

func respond(w http.ResponseWriter, res taskResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}
