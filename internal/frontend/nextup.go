package frontend

import (
	"net/http"

	"github.com/useorgx/orgx-local/internal/autocontinue"
	"github.com/useorgx/orgx-local/internal/dispatch"
	"github.com/useorgx/orgx-local/internal/nextup"
)

func (srv *Server) handleNextUp(w http.ResponseWriter, r *http.Request) {
	res := srv.deps.Ranker.Build(r.Context(), queryValue(r, "initiative_id", "initiativeId"))
	writeJSON(w, http.StatusOK, res)
}

// handleNextUpPlay starts a workstream-scoped auto-continue run and ticks
// it once. When no task is dispatchable, it degrades to a direct agent
// session on the workstream instead.
func (srv *Server) handleNextUpPlay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitiativeID        string `json:"initiativeId"`
		WorkstreamID        string `json:"workstreamId"`
		AgentID             string `json:"agentId,omitempty"`
		TokenBudget         int64  `json:"tokenBudget,omitempty"`
		IncludeVerification bool   `json:"includeVerification,omitempty"`
	}
	srv.decode(w, r, &req)
	if req.InitiativeID == "" || req.WorkstreamID == "" {
		writeError(w, http.StatusBadRequest, "initiativeId and workstreamId are required")
		return
	}

	srv.deps.Scheduler.Start(r.Context(), autocontinue.StartRequest{
		InitiativeID:         req.InitiativeID,
		AgentID:              req.AgentID,
		TokenBudget:          req.TokenBudget,
		IncludeVerification:  req.IncludeVerification,
		AllowedWorkstreamIDs: []string{req.WorkstreamID},
	})
	srv.deps.Scheduler.Tick(r.Context())

	run, _ := srv.deps.Scheduler.Status(req.InitiativeID)
	if run.ActiveSessionID != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":           true,
			"run":          run,
			"dispatchMode": "task",
			"sessionId":    run.ActiveSessionID,
		})
		return
	}

	// Nothing dispatchable right now; open a plain session on the
	// workstream so the operator still gets an agent.
	agentID := req.AgentID
	if agentID == "" {
		agentID = "main"
	}
	res := srv.deps.Engine.Dispatch(r.Context(), nil, nil, dispatch.Request{
		AgentID:      agentID,
		InitiativeID: req.InitiativeID,
		WorkstreamID: req.WorkstreamID,
		Message:      "Continue work on the highest-priority open item in this workstream",
	})
	if !res.OK {
		writeJSON(w, statusForDispatchCode(res.Code), res)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"run":          run,
		"dispatchMode": "fallback",
		"sessionId":    res.SessionID,
	})
}

func (srv *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	var pin nextup.Pin
	srv.decode(w, r, &pin)
	if pin.InitiativeID == "" || pin.WorkstreamID == "" {
		writeError(w, http.StatusBadRequest, "initiativeId and workstreamId are required")
		return
	}

	pins, err := srv.deps.Pins.Pin(pin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pins": pins})
}

func (srv *Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitiativeID string `json:"initiativeId"`
		WorkstreamID string `json:"workstreamId"`
	}
	srv.decode(w, r, &req)
	if req.InitiativeID == "" || req.WorkstreamID == "" {
		writeError(w, http.StatusBadRequest, "initiativeId and workstreamId are required")
		return
	}

	pins, err := srv.deps.Pins.Unpin(req.InitiativeID, req.WorkstreamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pins": pins})
}

func (srv *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pins []nextup.Pin `json:"pins"`
	}
	srv.decode(w, r, &req)

	pins, err := srv.deps.Pins.Reorder(req.Pins)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pins": pins})
}
