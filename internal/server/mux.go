package server

import "net/http"

// NewMux builds the production handler with default wiring and panics
// on construction errors. The server entrypoint serves it directly.
func NewMux() http.Handler {
	return MustNewHandler()
}
