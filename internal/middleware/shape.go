package middleware

import (
	"net/http"
	"strings"

	"github.com/wudi/apigate/internal/errors"
)

var forwardableMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodOptions: true,
}

// ValidateShape rejects requests that are structurally unusable by the
// gateway: non-origin-form targets, control characters or dot segments in
// the path, and methods a reverse proxy does not forward.
func ValidateShape() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !forwardableMethods[r.Method] {
				errors.ErrMethodNotAllowed.
					WithRequest(r.Method, r.URL.Path).
					WithDetails("method " + r.Method + " is not supported by the gateway").
					WriteJSON(w)
				return
			}
			if reason := pathProblem(r.URL.Path); reason != "" {
				errors.ErrBadRequest.
					WithRequest(r.Method, r.URL.Path).
					WithDetails(reason).
					WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func pathProblem(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "request path must start with /"
	}
	for i := 0; i < len(path); i++ {
		if c := path[i]; c < 0x20 || c == 0x7f {
			return "request path contains control characters"
		}
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." || seg == "." {
			return "request path contains dot segments"
		}
	}
	return ""
}
