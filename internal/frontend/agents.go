package frontend

import (
	"net/http"

	"github.com/useorgx/orgx-local/internal/dispatch"
	"github.com/useorgx/orgx-local/internal/graph"
)

// statusForDispatchCode maps refused-dispatch codes to HTTP statuses.
func statusForDispatchCode(code string) int {
	switch code {
	case dispatch.CodeInvalidAgentID:
		return http.StatusBadRequest
	case dispatch.CodeUpgradeRequired:
		return http.StatusPaymentRequired
	case dispatch.CodeSpawnGuardBlock:
		return http.StatusConflict
	case dispatch.CodeSpawnGuardRate:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeDispatchResult(w http.ResponseWriter, res dispatch.Result) {
	if !res.OK {
		writeJSON(w, statusForDispatchCode(res.Code), res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// taskContext resolves the mission-control graph and task node for a
// launch, when the request names them.
func (srv *Server) taskContext(r *http.Request, initiativeID, taskID string) (*graph.Graph, *graph.Node) {
	if initiativeID == "" || taskID == "" {
		return nil, nil
	}
	g := srv.deps.Builder.Build(r.Context(), initiativeID)
	return g, g.NodeByID(taskID)
}

func (srv *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	srv.decode(w, r, &req)

	g, task := srv.taskContext(r, req.InitiativeID, req.TaskID)
	writeDispatchResult(w, srv.deps.Engine.Dispatch(r.Context(), g, task, req))
}

func (srv *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"runId"`
	}
	srv.decode(w, r, &req)
	if req.RunID == "" {
		writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	res := srv.deps.Engine.Stop(r.Context(), req.RunID)
	if !res.OK {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (srv *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID    string `json:"runId"`
		Message  string `json:"message,omitempty"`
		Provider string `json:"provider,omitempty"`
		Model    string `json:"model,omitempty"`
	}
	srv.decode(w, r, &req)
	if req.RunID == "" {
		writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	res, previous := srv.deps.Engine.Restart(r.Context(), req.RunID, req.Message, req.Provider, req.Model)
	if !res.OK {
		if res.Code == "" {
			writeError(w, http.StatusNotFound, res.Error)
			return
		}
		writeJSON(w, statusForDispatchCode(res.Code), res)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":            true,
		"previousRunId": previous,
		"runId":         res.RunID,
		"sessionId":     res.SessionID,
		"agentId":       res.AgentID,
		"pid":           res.PID,
		"degraded":      res.Degraded,
	})
}
