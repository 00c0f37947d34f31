package courierlink

import (
	"net/http"

	"github.com/putto11262002/courierlink/core"
	"github.com/putto11262002/courierlink/pkg/router"
)

var kindStatus = map[core.ErrorKind]int{
	core.KindAuthentication:   http.StatusUnauthorized,
	core.KindValidation:       http.StatusBadRequest,
	core.KindState:            http.StatusConflict,
	core.KindNotFound:         http.StatusNotFound,
	core.KindTransientStorage: http.StatusServiceUnavailable,
}

// mapCoreError maps the core error taxonomy to API errors. Sensitive and storage
// errors keep their status but not their details.
func mapCoreError(err error) (router.Error, bool) {
	e, ok := core.AsError(err)
	if !ok {
		return nil, false
	}
	status, ok := kindStatus[e.Kind]
	if !ok {
		return nil, false
	}
	if e.Code == core.ErrForbidden.Code {
		status = http.StatusForbidden
	}
	msg := err.Error()
	switch {
	case e.Sensitive:
		msg = http.StatusText(status)
	case e.Kind == core.KindTransientStorage:
		msg = e.Error()
	}
	return router.NewJsonError(status, msg).WithReason(e.Code), true
}
