package server

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mhismail3/tron/internal/service"
)

func testRegistry(managers *Managers) *Registry {
	if managers == nil {
		managers = &Managers{}
	}

	return NewRegistry(managers)
}

func TestDispatchMethodNotFound(t *testing.T) {
	r := testRegistry(nil)

	resp := r.Dispatch(context.Background(), &Request{ID: "1", Method: "nope.nothing"})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error.Code != service.CodeMethodNotFound {
		t.Errorf("expected METHOD_NOT_FOUND, got %s", resp.Error.Code)
	}
	if resp.ID != "1" {
		t.Errorf("response id must echo the request id, got %q", resp.ID)
	}
}

func TestDispatchMissingParam(t *testing.T) {
	r := testRegistry(nil)
	r.Register(Method{
		Name:           "demo.echo",
		RequiredParams: []string{"text"},
		Handler: func(_ context.Context, call *Call) (any, error) {
			return call.Params["text"], nil
		},
	})

	resp := r.Dispatch(context.Background(), &Request{ID: "2", Method: "demo.echo", Params: map[string]any{}})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error.Code != service.CodeInvalidParams {
		t.Errorf("expected INVALID_PARAMS, got %s", resp.Error.Code)
	}

	// The offending name is part of the message.
	if want := `"text"`; !strings.Contains(resp.Error.Message, want) {
		t.Errorf("expected message to name %s, got %q", want, resp.Error.Message)
	}
}

func TestDispatchMissingManager(t *testing.T) {
	r := testRegistry(&Managers{})
	r.Register(Method{
		Name:             "demo.needsStore",
		RequiredManagers: []string{"store"},
		Handler: func(context.Context, *Call) (any, error) {
			return nil, nil
		},
	})

	resp := r.Dispatch(context.Background(), &Request{ID: "3", Method: "demo.needsStore"})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error.Code != service.CodeNotAvailable {
		t.Errorf("expected NOT_AVAILABLE, got %s", resp.Error.Code)
	}
}

func TestDispatchSuccess(t *testing.T) {
	r := testRegistry(nil)
	r.Register(Method{
		Name:           "demo.echo",
		RequiredParams: []string{"text"},
		Handler: func(_ context.Context, call *Call) (any, error) {
			return map[string]any{"echo": call.Params["text"]}, nil
		},
	})

	resp := r.Dispatch(context.Background(), &Request{ID: "4", Method: "demo.echo", Params: map[string]any{"text": "hi"}})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp.Error)
	}

	result, ok := resp.Result.(map[string]any)
	if !ok || result["echo"] != "hi" {
		t.Errorf("unexpected result %+v", resp.Result)
	}
}

func TestDispatchTypedErrorMapping(t *testing.T) {
	r := testRegistry(nil)
	r.Register(Method{
		Name: "demo.typed",
		Handler: func(context.Context, *Call) (any, error) {
			return nil, service.E(service.CodeSessionNotFound, "session sess_x not found")
		},
	})
	r.Register(Method{
		Name: "demo.sentinel",
		Handler: func(context.Context, *Call) (any, error) {
			return nil, service.ErrSessionNotFound
		},
	})
	r.Register(Method{
		Name: "demo.generic",
		Handler: func(context.Context, *Call) (any, error) {
			return nil, errors.New("boom")
		},
	})

	resp := r.Dispatch(context.Background(), &Request{ID: "5", Method: "demo.typed"})
	if resp.Error.Code != service.CodeSessionNotFound || resp.Error.Message != "session sess_x not found" {
		t.Errorf("typed error mapping wrong: %+v", resp.Error)
	}

	resp = r.Dispatch(context.Background(), &Request{ID: "6", Method: "demo.sentinel"})
	if resp.Error.Code != service.CodeSessionNotFound {
		t.Errorf("sentinel mapping wrong: %+v", resp.Error)
	}

	resp = r.Dispatch(context.Background(), &Request{ID: "7", Method: "demo.generic"})
	if resp.Error.Code != service.CodeInternalError {
		t.Errorf("generic errors map to INTERNAL_ERROR, got %s", resp.Error.Code)
	}
	if resp.Error.Message != "boom" {
		t.Errorf("message must be preserved, got %q", resp.Error.Message)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	r := testRegistry(nil)
	r.Register(Method{
		Name: "demo.panic",
		Handler: func(context.Context, *Call) (any, error) {
			panic("kaboom")
		},
	})

	resp := r.Dispatch(context.Background(), &Request{ID: "8", Method: "demo.panic"})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error.Code != service.CodeInternalError {
		t.Errorf("expected INTERNAL_ERROR after panic, got %s", resp.Error.Code)
	}
}

func TestDispatchMiddlewareOrder(t *testing.T) {
	r := testRegistry(nil)

	var order []string
	r.Use(func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			order = append(order, "outer")

			return next(ctx, call)
		}
	})
	r.Use(func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			order = append(order, "inner")

			return next(ctx, call)
		}
	})

	r.Register(Method{
		Name: "demo.chain",
		Handler: func(context.Context, *Call) (any, error) {
			order = append(order, "handler")

			return nil, nil
		},
	})

	r.Dispatch(context.Background(), &Request{ID: "9", Method: "demo.chain"})

	if len(order) != 3 || order[0] != "outer" || order[1] != "inner" || order[2] != "handler" {
		t.Errorf("unexpected chain order: %v", order)
	}
}
