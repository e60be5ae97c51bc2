package frontend

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/useorgx/orgx-local/internal/cloud"
)

// apiRoutes mounts every control-plane endpoint under /orgx/api.
func (srv *Server) apiRoutes(r chi.Router) {
	r.Get("/health", srv.handleHealth)

	r.Get("/sessions", srv.handleSessions)
	r.Get("/activity", srv.handleActivity)
	r.Get("/agents", srv.handleAgents)
	r.Get("/agents/live", srv.handleLiveAgents)
	r.Get("/initiatives", srv.handleInitiatives)
	r.Get("/decisions", srv.handleDecisions)
	r.Get("/handoffs", srv.handleHandoffs)
	r.Get("/dashboard", srv.handleDashboard)

	r.Get("/entities", srv.handleListEntities)
	r.Post("/entities", srv.handleCreateEntity)
	r.Patch("/entities/{type}/{id}", srv.handlePatchEntity)

	r.Post("/agents/launch", srv.handleLaunch)
	r.Post("/agents/stop", srv.handleStop)
	r.Post("/agents/restart", srv.handleRestart)

	r.Route("/mission-control", func(r chi.Router) {
		r.Get("/graph", srv.handleGraph)

		r.Post("/auto-continue/start", srv.handleAutoContinueStart)
		r.Post("/auto-continue/stop", srv.handleAutoContinueStop)
		r.Get("/auto-continue/status", srv.handleAutoContinueStatus)

		r.Get("/next-up", srv.handleNextUp)
		r.Post("/next-up/play", srv.handleNextUpPlay)
		r.Post("/next-up/pin", srv.handlePin)
		r.Post("/next-up/unpin", srv.handleUnpin)
		r.Post("/next-up/reorder", srv.handleReorder)
	})

	r.Post("/hooks/runtime", srv.handleRuntimeHook)
	r.Get("/hooks/runtime/stream", srv.handleRuntimeStream)
	r.Get("/live/stream", srv.handleLiveStream)
}

// decode reads a JSON body under the configured size and time caps.
func (srv *Server) decode(w http.ResponseWriter, r *http.Request, v any) {
	decodeBody(w, r, v, srv.deps.Config.Server.BodyLimit, srv.deps.Config.Server.BodyReadTimeout)
}

// queryValue returns the first non-empty query value among the given keys;
// both snake_case and camelCase spellings are accepted.
func queryValue(r *http.Request, keys ...string) string {
	q := r.URL.Query()
	for _, key := range keys {
		if v := q.Get(key); v != "" {
			return v
		}
	}
	return ""
}

// filterFromQuery parses the shared list-read query parameters.
func filterFromQuery(r *http.Request) cloud.Filter {
	f := cloud.Filter{
		InitiativeID: queryValue(r, "initiative_id", "initiativeId"),
		RunID:        queryValue(r, "run_id", "runId"),
	}
	switch queryValue(r, "include_idle", "includeIdle") {
	case "true", "1":
		f.IncludeIdle = true
	}
	if v := queryValue(r, "limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := queryValue(r, "since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	return f
}
