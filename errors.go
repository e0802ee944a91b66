package rtnet

import "net/http"

// APIError is a structured error the admin HTTP surface returns,
// carrying the HTTP status a handler should respond with alongside the
// underlying error (typically one of internal/rterr's sentinels),
// mirroring caddy.APIError.
type APIError struct {
	HTTPStatus int
	Err        error
}

func (e APIError) Error() string {
	if e.Err == nil {
		return http.StatusText(e.HTTPStatus)
	}
	return e.Err.Error()
}

func (e APIError) Unwrap() error { return e.Err }
