package server

import (
	"context"
	"time"

	"github.com/mhismail3/tron/internal/service"
)

var startTime = time.Now()

// RegisterSystemMethods wires system.*, model.* and the external
// collaborator families. External families (file, filesystem,
// worktree, browser, transcribe, plan, voiceNotes, canvas) dispatch
// through managers that are only present when the host wires them;
// otherwise the precondition check answers NOT_AVAILABLE.
func RegisterSystemMethods(r *Registry) {
	r.Register(
		Method{
			Name:             "system.status",
			RequiredManagers: []string{"store"},
			Handler:          handleSystemStatus,
		},
		Method{
			Name:             "system.logs",
			RequiredManagers: []string{"store"},
			Handler:          handleSystemLogs,
		},
		Method{
			Name:    "system.methods",
			Handler: handleSystemMethods(r),
		},
		Method{
			Name:             "model.switch",
			RequiredParams:   []string{"sessionId", "model"},
			RequiredManagers: []string{"store"},
			Handler:          handleModelSwitch,
		},
	)

	registerExternalFamily(r, "file", "files", "read", "write", "list")
	registerExternalFamily(r, "filesystem", "filesystem", "stat", "glob", "watch")
	registerExternalFamily(r, "worktree", "worktrees", "create", "list", "remove")
	registerExternalFamily(r, "browser", "browser", "navigate", "screenshot", "eval")
	registerExternalFamily(r, "transcribe", "transcription", "audio")
	registerExternalFamily(r, "plan", "plans", "enter", "exit", "status")
	registerExternalFamily(r, "voiceNotes", "voiceNotes", "record", "list", "delete")
	registerExternalFamily(r, "canvas", "canvas", "open", "update", "close")
}

// registerExternalFamily declares methods whose implementation lives
// in an external collaborator manager.
func registerExternalFamily(r *Registry, family, manager string, ops ...string) {
	for _, op := range ops {
		op := op
		r.Register(Method{
			Name:             family + "." + op,
			RequiredManagers: []string{manager},
			Handler: func(ctx context.Context, call *Call) (any, error) {
				handler, ok := call.Managers.External[manager].(HandlerFunc)
				if !ok {
					return nil, service.E(service.CodeNotAvailable, "manager %q does not dispatch", manager)
				}

				return handler(ctx, call)
			},
		})
	}
}

func handleSystemStatus(ctx context.Context, call *Call) (any, error) {
	workspaces, err := call.Managers.Store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}

	sessions, err := call.Managers.Store.ListSessions(ctx, "", 0, 0)
	if err != nil {
		return nil, err
	}

	active := 0
	for _, s := range sessions {
		if s.Status == service.SessionStatusActive {
			active++
		}
	}

	return map[string]any{
		"uptime":         time.Since(startTime).String(),
		"workspaces":     len(workspaces),
		"sessions":       len(sessions),
		"activeSessions": active,
	}, nil
}

func handleSystemLogs(ctx context.Context, call *Call) (any, error) {
	entries, err := call.Managers.Store.QueryLogs(ctx, service.LogQuery{
		SessionID: optionalString(call, "sessionId"),
		Level:     optionalString(call, "level"),
		Component: optionalString(call, "component"),
		TraceID:   optionalString(call, "traceId"),
		Limit:     optionalInt(call, "limit"),
		Offset:    optionalInt(call, "offset"),
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"logs": entries}, nil
}

func handleSystemMethods(r *Registry) HandlerFunc {
	return func(context.Context, *Call) (any, error) {
		return map[string]any{"methods": r.Methods()}, nil
	}
}

func handleModelSwitch(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	model, err := stringParam(call, "model")
	if err != nil {
		return nil, err
	}

	store := call.Managers.Store

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	event, err := store.AppendEvent(ctx, service.AppendRequest{
		SessionID: sessionID,
		ParentID:  sess.HeadEventID,
		Type:      service.EventConfigModelSwitch,
		Payload: service.ConfigModelSwitchPayload{
			Model:         model,
			PreviousModel: sess.LatestModel,
		},
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"event": event}, nil
}
