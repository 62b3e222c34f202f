package api

import "fmt"

// HandlerError is a handler failure carrying the HTTP status it should map
// to, grounded on the teacher's apiserver/utils.HandlerError pattern. Its
// Message is returned verbatim to the client, so handlers must never put
// wrapped internal diagnostics into it.
type HandlerError struct {
	Code    int
	Message string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// NewHandlerError builds a HandlerError.
func NewHandlerError(code int, message string) *HandlerError {
	return &HandlerError{Code: code, Message: message}
}
