package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/wudi/apigate/internal/errors"
	"github.com/wudi/apigate/internal/reqctx"
)

// RawBody is the first pipeline stage. It creates the request context and
// stores the body bytes exactly as received, so the proxy can forward them
// unchanged whatever later stages do with r.Body. Bodies larger than
// maxBytes are rejected with 413; maxBytes <= 0 means no limit.
func RawBody(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, rc := reqctx.Ensure(r)

			if maxBytes > 0 && r.ContentLength > maxBytes {
				errors.ErrRequestEntityTooLarge.
					WithRequest(r.Method, r.URL.Path).
					WithDetails("body exceeds " + strconv.FormatInt(maxBytes, 10) + " bytes").
					WriteJSON(w)
				return
			}

			if r.Body != nil && r.Body != http.NoBody {
				src := io.Reader(r.Body)
				if maxBytes > 0 {
					src = io.LimitReader(r.Body, maxBytes+1)
				}
				raw, err := io.ReadAll(src)
				r.Body.Close()
				if err != nil {
					errors.ErrBadRequest.
						WithRequest(r.Method, r.URL.Path).
						WithDetails("request body could not be read").
						WriteJSON(w)
					return
				}
				if maxBytes > 0 && int64(len(raw)) > maxBytes {
					errors.ErrRequestEntityTooLarge.
						WithRequest(r.Method, r.URL.Path).
						WithDetails("body exceeds " + strconv.FormatInt(maxBytes, 10) + " bytes").
						WriteJSON(w)
					return
				}
				rc.RawBody = raw
			}

			restoreBody(r, rc.RawBody)
			next.ServeHTTP(w, r)
		})
	}
}

// restoreBody points r.Body at a fresh reader over raw.
func restoreBody(r *http.Request, raw []byte) {
	if len(raw) == 0 {
		r.Body = http.NoBody
		r.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		if r.ContentLength < 0 {
			r.ContentLength = 0
		}
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	r.ContentLength = int64(len(raw))
}
