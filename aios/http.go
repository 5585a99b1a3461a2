package aios

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/yangfei222666-9/aios/core"
)

// HTTPHandler exposes the control surface over plain net/http: one
// mux, JSON in/out, no framework. A router library isn't warranted —
// the control surface is a dozen endpoints, not a
// public API product.
func (c *Core) HTTPHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var task core.Task
			if !decodeJSON(w, r, &task) {
				return
			}
			if task.SubmittedAt.IsZero() {
				task.SubmittedAt = c.clock.Now()
			}
			id, err := c.SubmitTask(&task)
			writeResult(w, map[string]interface{}{"task_id": id}, err)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/tasks/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("task_id")
		err := c.CancelTask(id)
		writeResult(w, map[string]interface{}{"cancelled": err == nil}, err)
	})

	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if id := r.URL.Query().Get("agent_id"); id != "" {
				agent, err := c.GetAgent(id)
				writeResult(w, agent, err)
				return
			}
			writeResult(w, c.ListAgents(), nil)
		case http.MethodPatch:
			id := r.URL.Query().Get("agent_id")
			var patch core.AgentPatch
			if !decodeJSON(w, r, &patch) {
				return
			}
			version, err := c.UpdateAgent(id, patch)
			writeResult(w, map[string]interface{}{"config_version": version}, err)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/agents/stats", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("agent_id")
		stats, err := c.AgentStats(id)
		writeResult(w, stats, err)
	})

	mux.HandleFunc("/proposals", func(w http.ResponseWriter, r *http.Request) {
		proposals, err := c.ListProposals()
		writeResult(w, proposals, err)
	})

	mux.HandleFunc("/proposals/approve", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("proposal_id")
		err := c.ApproveProposal(id)
		writeResult(w, map[string]interface{}{"approved": err == nil}, err)
	})

	mux.HandleFunc("/proposals/reject", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("proposal_id")
		reason := r.URL.Query().Get("reason")
		err := c.RejectProposal(id, reason)
		writeResult(w, map[string]interface{}{"rejected": err == nil}, err)
	})

	mux.HandleFunc("/heartbeat/trigger", func(w http.ResponseWriter, r *http.Request) {
		c.TriggerHeartbeat(r.Context())
		writeResult(w, map[string]interface{}{"triggered": true}, nil)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, c.SystemHealth(), nil)
	})

	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		queued, running, blocked := c.QueueStatus()
		writeResult(w, map[string]int{"queued": queued, "running": running, "blocked": blocked}, nil)
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("pattern")
		since := int64(-1)
		if v := r.URL.Query().Get("since_offset"); v != "" {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				since = parsed
			}
		}
		events, err := c.RecentEvents(pattern, since)
		writeResult(w, events, err)
	})

	return mux
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, payload interface{}, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if core.IsNotFound(err) || core.IsConfigError(err) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
