package server

import (
	"context"
)

// RegisterContextMethods wires the context.* family.
func RegisterContextMethods(r *Registry) {
	r.Register(
		Method{
			Name:             "context.snapshot",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"context"},
			Handler:          handleContextSnapshot,
		},
		Method{
			Name:             "context.detailedSnapshot",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"context"},
			Handler:          handleContextDetailedSnapshot,
		},
		Method{
			Name:             "context.canAcceptTurn",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"context"},
			Handler:          handleContextCanAcceptTurn,
		},
		Method{
			Name:             "context.previewCompaction",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"context"},
			Handler:          handleContextPreviewCompaction,
		},
		Method{
			Name:             "context.confirmCompaction",
			RequiredParams:   []string{"sessionId", "summary"},
			RequiredManagers: []string{"context"},
			Handler:          handleContextConfirmCompaction,
		},
		Method{
			Name:             "context.clear",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"context"},
			Handler:          handleContextClear,
		},
	)
}

func handleContextSnapshot(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	return call.Managers.Context.GetContextSnapshot(ctx, sessionID)
}

func handleContextDetailedSnapshot(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	return call.Managers.Context.GetDetailedContextSnapshot(ctx, sessionID)
}

func handleContextCanAcceptTurn(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	estimated := int64(optionalInt(call, "estimatedResponseTokens"))

	if err := call.Managers.Context.CanAcceptTurn(ctx, sessionID, estimated); err != nil {
		return nil, err
	}

	return map[string]any{"ok": true}, nil
}

func handleContextPreviewCompaction(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	summary, err := call.Managers.Context.PreviewCompaction(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return map[string]any{"summary": summary}, nil
}

func handleContextConfirmCompaction(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	summary, err := stringParam(call, "summary")
	if err != nil {
		return nil, err
	}

	event, err := call.Managers.Context.ConfirmCompaction(ctx, sessionID, summary)
	if err != nil {
		return nil, err
	}

	return map[string]any{"event": event}, nil
}

func handleContextClear(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	event, err := call.Managers.Context.ClearContext(ctx, sessionID, optionalString(call, "reason"))
	if err != nil {
		return nil, err
	}

	return map[string]any{"event": event}, nil
}
