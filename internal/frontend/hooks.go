package frontend

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/useorgx/orgx-local/internal/cloud"
	"github.com/useorgx/orgx-local/internal/cmn/logger"
	"github.com/useorgx/orgx-local/internal/hub"
)

// forwardedHookEvents are the runtime events mirrored into the activity
// feed. Heartbeats and raw progress ticks stay local.
var forwardedHookEvents = map[string]string{
	"session_start": "agent_session_started",
	"session_end":   "agent_session_ended",
	"error":         "agent_error",
	"session_error": "agent_error",
	"message":       "agent_message",
}

// handleRuntimeHook ingests one runtime hook POST: authorize, upsert the
// instance, publish the change, and mirror noteworthy events upstream.
func (srv *Server) handleRuntimeHook(w http.ResponseWriter, r *http.Request) {
	if !hub.AuthorizeHook(r, srv.deps.Config.HookToken) {
		srv.deps.Metrics.HookPosts.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "invalid hook token")
		return
	}

	var payload hub.HookPayload
	srv.decode(w, r, &payload)
	if payload.Event == "" {
		srv.deps.Metrics.HookPosts.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	inst := srv.deps.Registry.Apply(payload)
	srv.deps.Hub.PublishInstance(r.Context(), inst)
	srv.forwardHookActivity(r, payload, inst)
	srv.deps.Metrics.HookPosts.WithLabelValues("ok").Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"instance_id": inst.ID,
		"state":       inst.State,
	})
}

func (srv *Server) forwardHookActivity(r *http.Request, payload hub.HookPayload, inst hub.RuntimeInstance) {
	kind, ok := forwardedHookEvents[payload.Event]
	if !ok {
		return
	}
	level := ""
	if inst.State == hub.StateError {
		level = "error"
	}
	message := payload.Message
	if message == "" {
		message = "Runtime " + inst.ID + " reported " + payload.Event
	}
	if err := srv.deps.Mediator.Emit(r.Context(), cloud.ActivityEvent{
		ID:           uuid.NewString(),
		Kind:         kind,
		Level:        level,
		Message:      message,
		InitiativeID: payload.InitiativeID,
		WorkstreamID: payload.WorkstreamID,
		TaskID:       payload.TaskID,
		AgentID:      payload.AgentID,
		RunID:        payload.RunID,
		Timestamp:    inst.LastEventAt,
		Metadata:     payload.Metadata,
	}); err != nil {
		logger.Warn(r.Context(), "Hook activity not delivered", "event", payload.Event, "err", err)
	}
}

// handleRuntimeStream serves the dashboard SSE feed. New subscribers get a
// snapshot of every known instance before live events.
func (srv *Server) handleRuntimeStream(w http.ResponseWriter, r *http.Request) {
	client := hub.NewClient()
	if !srv.deps.Hub.Subscribe(r.Context(), client) {
		writeError(w, http.StatusServiceUnavailable, "too many subscribers")
		return
	}
	defer srv.deps.Hub.Unsubscribe(client)

	for _, inst := range srv.deps.Registry.Snapshot() {
		data, err := json.Marshal(inst)
		if err != nil {
			continue
		}
		client.Send(hub.Event{Type: hub.EventRuntimeUpdated, Data: string(data)})
	}

	hub.SetSSEHeaders(w)
	client.WritePump(r.Context(), w)
}
