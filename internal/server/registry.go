package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mhismail3/tron/internal/service"
	"github.com/mhismail3/tron/internal/service/session"
)

// Managers is the request context handed to every handler. Nil fields
// mean the corresponding subsystem is not wired; methods declaring it
// as required then fail with NOT_AVAILABLE.
type Managers struct {
	Store        service.EventStore
	Sessions     *session.Manager
	Context      *session.ContextManager
	Orchestrator *session.Orchestrator
	Projector    *session.Projector

	// External holds optional collaborator managers (files, browser,
	// transcription, ...) keyed by the name methods declare.
	External map[string]any
}

func (m *Managers) has(name string) bool {
	switch name {
	case "store":
		return m.Store != nil
	case "sessions":
		return m.Sessions != nil
	case "context":
		return m.Context != nil
	case "orchestrator":
		return m.Orchestrator != nil
	case "projector":
		return m.Projector != nil
	default:
		_, ok := m.External[name]

		return ok
	}
}

// HandlerFunc is one RPC method implementation.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Call carries the validated request into the handler chain.
type Call struct {
	Method   string
	Params   map[string]any
	Managers *Managers
}

// Middleware wraps a handler; the chain runs outermost-first.
type Middleware func(next HandlerFunc) HandlerFunc

// Method declares one dispatchable RPC method and its preconditions.
type Method struct {
	Name             string
	RequiredParams   []string
	RequiredManagers []string
	Handler          HandlerFunc
}

// Registry maps method names to handlers and runs the dispatch
// pipeline: lookup, param check, manager gating, middleware chain.
type Registry struct {
	methods    map[string]Method
	middleware []Middleware
	managers   *Managers
}

func NewRegistry(managers *Managers) *Registry {
	r := &Registry{
		methods:  make(map[string]Method),
		managers: managers,
	}
	r.Use(recoverMiddleware, logMiddleware)

	return r
}

// Register adds methods; a duplicate name is a programming error.
func (r *Registry) Register(methods ...Method) {
	for _, m := range methods {
		if _, ok := r.methods[m.Name]; ok {
			panic(fmt.Sprintf("rpc method registered twice: %s", m.Name))
		}
		r.methods[m.Name] = m
	}
}

// Use appends middleware to the chain.
func (r *Registry) Use(mw ...Middleware) {
	r.middleware = append(r.middleware, mw...)
}

// Methods lists registered method names.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}

	return names
}

// Dispatch runs one request to completion and always returns a
// response envelope.
func (r *Registry) Dispatch(ctx context.Context, req *Request) *Response {
	method, ok := r.methods[req.Method]
	if !ok {
		return errorResponse(req.ID, service.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}

	for _, name := range method.RequiredParams {
		if _, present := req.Params[name]; !present {
			return errorResponse(req.ID, service.CodeInvalidParams, fmt.Sprintf("missing required param %q", name))
		}
	}

	for _, name := range method.RequiredManagers {
		if !r.managers.has(name) {
			return errorResponse(req.ID, service.CodeNotAvailable, fmt.Sprintf("manager %q is not available", name))
		}
	}

	handler := method.Handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		handler = r.middleware[i](handler)
	}

	result, err := handler(ctx, &Call{
		Method:   req.Method,
		Params:   req.Params,
		Managers: r.managers,
	})
	if err != nil {
		code := service.CodeOf(err)
		slog.Error("rpc method failed",
			"method", req.Method,
			"code", code,
			"error", err,
		)

		var typed *service.Error
		if errors.As(err, &typed) {
			return errorResponse(req.ID, typed.Code, typed.Message)
		}

		return errorResponse(req.ID, code, err.Error())
	}

	return successResponse(req.ID, result)
}

// ─── Built-in Middleware ───

func recoverMiddleware(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, call *Call) (result any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("rpc handler panic",
					"method", call.Method,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				err = service.E(service.CodeInternalError, "internal error in %s", call.Method)
			}
		}()

		return next(ctx, call)
	}
}

func logMiddleware(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, call *Call) (any, error) {
		start := time.Now()
		result, err := next(ctx, call)
		slog.Debug("rpc method",
			"method", call.Method,
			"duration", time.Since(start),
			"ok", err == nil,
		)

		return result, err
	}
}

// ─── Param Extraction ───

func stringParam(call *Call, name string) (string, error) {
	v, ok := call.Params[name]
	if !ok {
		return "", service.E(service.CodeInvalidParams, "missing required param %q", name)
	}

	s, ok := v.(string)
	if !ok {
		return "", service.E(service.CodeInvalidParams, "param %q must be a string", name)
	}

	return s, nil
}

func optionalString(call *Call, name string) string {
	if v, ok := call.Params[name].(string); ok {
		return v
	}

	return ""
}

func optionalInt(call *Call, name string) int {
	switch v := call.Params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func optionalBool(call *Call, name string) bool {
	v, _ := call.Params[name].(bool)

	return v
}

func optionalStrings(call *Call, name string) []string {
	raw, ok := call.Params[name].([]any)
	if !ok {
		return nil
	}

	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
