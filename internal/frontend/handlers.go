package frontend

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/useorgx/orgx-local/internal/entity"
	"github.com/useorgx/orgx-local/internal/mediator"
)

// listResponse is the uniform list-read envelope.
type listResponse struct {
	OK bool `json:"ok"`
	mediator.ListResult
}

func listOK(w http.ResponseWriter, res mediator.ListResult) {
	if res.Items == nil {
		res.Items = []entity.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{OK: true, ListResult: res})
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": srv.deps.Version,
		"uptime":  time.Since(srv.startedAt).Round(time.Second).String(),
	})
}

func (srv *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	listOK(w, srv.deps.Mediator.Sessions(r.Context(), filterFromQuery(r)))
}

func (srv *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	listOK(w, srv.deps.Mediator.Activity(r.Context(), filterFromQuery(r)))
}

func (srv *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	listOK(w, srv.deps.Mediator.Agents(r.Context()))
}

func (srv *Server) handleLiveAgents(w http.ResponseWriter, r *http.Request) {
	listOK(w, srv.deps.Mediator.LiveAgents(r.Context(), queryValue(r, "initiative_id", "initiativeId")))
}

func (srv *Server) handleInitiatives(w http.ResponseWriter, r *http.Request) {
	listOK(w, srv.deps.Mediator.Initiatives(r.Context()))
}

func (srv *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	listOK(w, srv.deps.Mediator.Decisions(r.Context(), filterFromQuery(r)))
}

func (srv *Server) handleHandoffs(w http.ResponseWriter, r *http.Request) {
	listOK(w, srv.deps.Mediator.Handoffs(r.Context(), filterFromQuery(r)))
}

func (srv *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	bundle, res := srv.deps.Mediator.Dashboard(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"dashboard":     map[string]any(bundle),
		"degraded":      res.Degraded,
		"localFallback": res.LocalFallback,
		"error":         res.Error,
	})
}

func (srv *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	typ := entity.NormalizeType(r.URL.Query().Get("type"))
	if typ == "" {
		writeError(w, http.StatusBadRequest, "unknown entity type")
		return
	}
	listOK(w, srv.deps.Mediator.Entities(r.Context(), typ, filterFromQuery(r)))
}

func (srv *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	srv.decode(w, r, &body)
	typ := entity.NormalizeType(body.Type)
	if typ == "" {
		writeError(w, http.StatusBadRequest, "unknown entity type")
		return
	}

	rec, err := srv.deps.Mediator.Client().CreateEntity(r.Context(), typ, body.Payload)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "entity": map[string]any(rec)})
}

// handlePatchEntity updates an entity. A status-only patch goes through the
// mediator so initiative overrides keep working when the cloud plane refuses
// the write; anything else is a direct proxy.
func (srv *Server) handlePatchEntity(w http.ResponseWriter, r *http.Request) {
	typ := entity.NormalizeType(chi.URLParam(r, "type"))
	id := chi.URLParam(r, "id")
	if typ == "" || id == "" {
		writeError(w, http.StatusBadRequest, "unknown entity type or id")
		return
	}

	var patch map[string]any
	srv.decode(w, r, &patch)
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "empty patch")
		return
	}

	status, hasStatus := patch["status"].(string)
	if hasStatus && len(patch) == 1 {
		res := srv.deps.Mediator.SetStatus(r.Context(), typ, id, status)
		if !res.OK {
			writeError(w, http.StatusBadGateway, res.Error)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":            true,
			"id":            id,
			"status":        status,
			"localFallback": res.LocalFallback,
		})
		return
	}

	rec, err := srv.deps.Mediator.Client().UpdateEntity(r.Context(), typ, id, patch)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entity": map[string]any(rec)})
}

func (srv *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	initiativeID := queryValue(r, "initiative_id", "initiativeId")
	if initiativeID == "" {
		writeError(w, http.StatusBadRequest, "initiativeId is required")
		return
	}
	g := srv.deps.Builder.Build(r.Context(), initiativeID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "graph": g, "degraded": g.Degraded})
}
