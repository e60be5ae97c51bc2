package frontend

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/useorgx/orgx-local/internal/cmn/logger"
)

const (
	// maxBodyBytes caps JSON request bodies; a larger body reads as an
	// empty object rather than an error.
	maxBodyBytes = 1 << 20
	// bodyReadTimeout bounds how long a body may take to arrive.
	bodyReadTimeout = 2 * time.Second
)

// loopbackHosts are the origins allowed to call the control API.
var loopbackHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// withRecoverer converts handler panics into 500 responses.
func withRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error(r.Context(), "Recovered from panic",
					"err", rec, "stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withLoopbackOnly rejects cross-origin requests from non-loopback hosts.
// Requests without an Origin or Referer header are treated as same-origin.
func withLoopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !originAllowed(r) {
			writeError(w, http.StatusForbidden, "cross-origin requests must come from loopback")
			return
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(r *http.Request) bool {
	source := r.Header.Get("Origin")
	if source == "" {
		source = r.Header.Get("Referer")
	}
	if source == "" {
		return true
	}
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if _, ok := loopbackHosts[host]; ok {
		return true
	}
	// Bracketless IPv6 loopback.
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}

// decodeBody reads a JSON body into v under the size cap and read
// deadline. An oversize, slow, or malformed body leaves v as the empty
// object, matching the tolerant ingestion contract.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, limit int64, timeout time.Duration) {
	if limit <= 0 {
		limit = maxBodyBytes
	}
	if timeout <= 0 {
		timeout = bodyReadTimeout
	}
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = rc.SetReadDeadline(time.Time{}) }()

	body := http.MaxBytesReader(w, r.Body, limit)
	defer func() { _ = body.Close() }()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		logger.Warn(r.Context(), "Request body ignored", "path", r.URL.Path, "err", err)
	}
}

// writeJSON renders a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the uniform error shape.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
