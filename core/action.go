package core

import "context"

// ActionResult is what an action handler returns from one handle call
//: handle(action_descriptor, event_context) -> ActionResult{ok, detail,
// side_effects?}.
type ActionResult struct {
	OK          bool                   `json:"ok"`
	Detail      string                 `json:"detail,omitempty"`
	SideEffects map[string]interface{} `json:"side_effects,omitempty"`
}

// ActionHandler executes one Reactor action type. Handlers must be
// idempotent given the same descriptor — a crash mid-playbook can cause
// Reactor to re-run an action that already partially applied.
type ActionHandler interface {
	Handle(ctx context.Context, action ActionDescriptor, event Event) (ActionResult, error)
}
