package frontend

import (
	"net/http"

	"github.com/useorgx/orgx-local/internal/autocontinue"
)

func (srv *Server) handleAutoContinueStart(w http.ResponseWriter, r *http.Request) {
	var req autocontinue.StartRequest
	srv.decode(w, r, &req)
	if req.InitiativeID == "" {
		writeError(w, http.StatusBadRequest, "initiativeId is required")
		return
	}

	run := srv.deps.Scheduler.Start(r.Context(), req)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": run})
}

func (srv *Server) handleAutoContinueStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitiativeID string `json:"initiativeId"`
	}
	srv.decode(w, r, &req)
	if req.InitiativeID == "" {
		writeError(w, http.StatusBadRequest, "initiativeId is required")
		return
	}

	run, ok := srv.deps.Scheduler.Stop(req.InitiativeID)
	if !ok {
		writeError(w, http.StatusNotFound, "no auto-continue run for initiative "+req.InitiativeID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": run})
}

func (srv *Server) handleAutoContinueStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ok":       true,
		"defaults": srv.deps.Scheduler.Defaults(),
	}
	if id := queryValue(r, "initiative_id", "initiativeId"); id != "" {
		if run, ok := srv.deps.Scheduler.Status(id); ok {
			resp["run"] = run
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
