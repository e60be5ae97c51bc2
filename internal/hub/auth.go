package hub

import (
	"crypto/subtle"
	"net/http"
)

// hookTokenHeader carries the shared hook secret on runtime POSTs; CLI
// hook scripts that cannot set headers may pass ?token= instead.
const hookTokenHeader = "X-OrgX-Hook-Token"

// AuthorizeHook checks the hook token on a request. An empty configured
// token disables the check.
func AuthorizeHook(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	provided := r.Header.Get(hookTokenHeader)
	if provided == "" {
		provided = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(token)) == 1
}
