package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"runtime"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

var DefaultError = JsonError{
	Code: http.StatusInternalServerError,
	Err:  "internal server error",
}

// Router is a wrapper around chi.Router that provides error handling.
// Handlers can return an error that will then get mapped to an error response.
// Error mappers are tried in registration order and are shared with every sub-router.
type Router struct {
	chi.Router
	shared *shared
}

type shared struct {
	errorMappers []ErrorMapper
	defaultError JsonError
	logger       *slog.Logger
}

func New(opts ...RouterOption) *Router {
	r := &Router{
		Router: chi.NewRouter(),
		shared: &shared{
			defaultError: DefaultError,
			logger:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type RouterOption func(*Router)

func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.shared.logger = logger
	}
}

func WithDefaultError(err JsonError) RouterOption {
	return func(r *Router) {
		r.shared.defaultError = err
	}
}

func (a *Router) child(r chi.Router) *Router {
	return &Router{Router: r, shared: a.shared}
}

// HandlerFunc is a function that handles an HTTP request and returns an error.
// When the handler fails to handler to request it should not write anything to the response writer
// instead it should return an error that will be mapped to an error response.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type Middleware func(http.Handler) HandlerFunc

// ErrorMapper maps a go error to an API error. It reports false if it does not handle err.
type ErrorMapper func(error) (Error, bool)

// MapTarget returns a mapper that matches err with errors.Is.
func MapTarget(target error, apiErr Error) ErrorMapper {
	return func(err error) (Error, bool) {
		if errors.Is(err, target) {
			return apiErr, true
		}
		return nil, false
	}
}

func (a *Router) RegisterErrorMapper(fn ErrorMapper) {
	a.shared.errorMappers = append(a.shared.errorMappers, fn)
}

// mapError maps a go error to an API error.
// The mapping works as following:
//   - if the error is already an APIError it will be returned as is.
//   - if the error is a non-api error it will be mapped using the error mappers.
//   - if no error mapper is found the default error will be returned.
func (a *Router) mapError(err error) Error {
	var apiErr JsonError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	for _, fn := range a.shared.errorMappers {
		if mapped, ok := fn(err); ok {
			return mapped
		}
	}
	return a.shared.defaultError
}

func (a *Router) handleWithErr(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err != nil {
			resError := a.mapError(err)
			level := slog.LevelDebug
			if resError.StatusCode() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			handlerFn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
			a.shared.logger.Log(r.Context(), level, err.Error(),
				slog.String("handler", handlerFn.Name()),
				slog.String("path", r.URL.Path))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resError.StatusCode())
			if err := resError.Encode(w); err != nil {
				a.shared.logger.Error(fmt.Sprintf("encoding error response: %v", err))
			}
		}
	}
}

func (a *Router) Get(path string, h HandlerFunc) {
	a.Router.Get(path, a.handleWithErr(h))
}

func (a *Router) Post(path string, h HandlerFunc) {
	a.Router.Post(path, a.handleWithErr(h))
}

func (a *Router) Put(path string, h HandlerFunc) {
	a.Router.Put(path, a.handleWithErr(h))
}

func (a *Router) Delete(path string, h HandlerFunc) {
	a.Router.Delete(path, a.handleWithErr(h))
}

func (a *Router) Route(path string, f func(r *Router)) {
	a.Router.Route(path, func(r chi.Router) {
		f(a.child(r))
	})
}

func (a *Router) Group(f func(r *Router)) *Router {
	ch := a.Router.Group(func(r chi.Router) {
		f(a.child(r))
	})
	return a.child(ch)
}

func (a *Router) Use(middleware Middleware) {
	a.Router.Use(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
}

func (a *Router) With(middleware Middleware) *Router {
	ch := a.Router.With(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
	return a.child(ch)
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

// DecodeJSON decodes the request body into v, rejecting malformed bodies with a 400.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewJsonError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}
