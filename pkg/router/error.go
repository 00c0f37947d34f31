package router

import (
	"io"

	"github.com/goccy/go-json"
)

type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
	// Reason is a stable machine readable identifier of the failure.
	Reason string `json:"reason,omitempty"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

func (e JsonError) WithReason(reason string) JsonError {
	e.Reason = reason
	return e
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
