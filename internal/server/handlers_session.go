package server

import (
	"context"

	"github.com/mhismail3/tron/internal/service"
)

// RegisterSessionMethods wires the session.* family.
func RegisterSessionMethods(r *Registry) {
	r.Register(
		Method{
			Name:             "session.create",
			RequiredParams:   []string{"workingDirectory", "model"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionCreate,
		},
		Method{
			Name:             "session.get",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionGet,
		},
		Method{
			Name:             "session.list",
			RequiredManagers: []string{"store"},
			Handler:          handleSessionList,
		},
		Method{
			Name:             "session.fork",
			RequiredParams:   []string{"fromEventId"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionFork,
		},
		Method{
			Name:             "session.end",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionEnd,
		},
		Method{
			Name:             "session.resume",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionResume,
		},
		Method{
			Name:             "session.events",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionEvents,
		},
		Method{
			Name:             "session.messages",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"store", "projector"},
			Handler:          handleSessionMessages,
		},
		Method{
			Name:             "session.state",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"store", "projector"},
			Handler:          handleSessionState,
		},
		Method{
			Name:             "session.deleteMessage",
			RequiredParams:   []string{"sessionId", "targetEventId"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionDeleteMessage,
		},
		Method{
			Name:             "session.updateSpawnInfo",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionUpdateSpawnInfo,
		},
		Method{
			Name:             "session.branches",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionBranches,
		},
		Method{
			Name:             "session.createBranch",
			RequiredParams:   []string{"sessionId", "name"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionCreateBranch,
		},
		Method{
			Name:             "session.setDefaultBranch",
			RequiredParams:   []string{"sessionId", "branchId"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionSetDefaultBranch,
		},
		Method{
			Name:             "session.workspaces",
			RequiredManagers: []string{"store"},
			Handler:          handleSessionWorkspaces,
		},
		Method{
			Name:             "session.addSkill",
			RequiredParams:   []string{"sessionId", "name"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionAddSkill,
		},
		Method{
			Name:             "session.removeSkill",
			RequiredParams:   []string{"sessionId", "name"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionRemoveSkill,
		},
		Method{
			Name:             "session.appendMemory",
			RequiredParams:   []string{"sessionId", "title"},
			RequiredManagers: []string{"store"},
			Handler:          handleSessionAppendMemory,
		},
	)
}

// appendAtHead appends one event at the session's current head.
func appendAtHead(ctx context.Context, call *Call, sessionID string, eventType service.EventType, payload any) (any, error) {
	store := call.Managers.Store

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	event, err := store.AppendEvent(ctx, service.AppendRequest{
		SessionID: sessionID,
		ParentID:  sess.HeadEventID,
		Type:      eventType,
		Payload:   payload,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"event": event}, nil
}

func handleSessionAddSkill(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	name, err := stringParam(call, "name")
	if err != nil {
		return nil, err
	}

	return appendAtHead(ctx, call, sessionID, service.EventSkillAdded, service.SkillAddedPayload{
		Name:   name,
		Source: optionalString(call, "source"),
		Method: optionalString(call, "method"),
	})
}

func handleSessionRemoveSkill(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	name, err := stringParam(call, "name")
	if err != nil {
		return nil, err
	}

	return appendAtHead(ctx, call, sessionID, service.EventSkillRemoved, service.SkillRemovedPayload{Name: name})
}

func handleSessionAppendMemory(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	title, err := stringParam(call, "title")
	if err != nil {
		return nil, err
	}

	return appendAtHead(ctx, call, sessionID, service.EventMemoryLedger, service.MemoryLedgerPayload{
		Title:     title,
		Input:     optionalString(call, "input"),
		Actions:   optionalStrings(call, "actions"),
		Lessons:   optionalStrings(call, "lessons"),
		Decisions: optionalStrings(call, "decisions"),
		Files:     optionalStrings(call, "files"),
		Tags:      optionalStrings(call, "tags"),
	})
}

func handleSessionCreate(ctx context.Context, call *Call) (any, error) {
	workingDirectory, err := stringParam(call, "workingDirectory")
	if err != nil {
		return nil, err
	}

	model, err := stringParam(call, "model")
	if err != nil {
		return nil, err
	}

	store := call.Managers.Store

	workspaceID := optionalString(call, "workspaceId")
	if workspaceID == "" {
		ws, err := store.GetOrCreateWorkspace(ctx, workingDirectory)
		if err != nil {
			return nil, err
		}
		workspaceID = ws.ID
	}

	created, err := store.CreateSession(ctx, service.CreateSessionRequest{
		WorkspaceID:      workspaceID,
		WorkingDirectory: workingDirectory,
		Model:            model,
		Title:            optionalString(call, "title"),
		Tags:             optionalStrings(call, "tags"),
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"session":   created.Session,
		"rootEvent": created.RootEvent,
	}, nil
}

func handleSessionGet(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	return call.Managers.Store.GetSession(ctx, sessionID)
}

func handleSessionList(ctx context.Context, call *Call) (any, error) {
	sessions, err := call.Managers.Store.ListSessions(ctx,
		optionalString(call, "workspaceId"),
		optionalInt(call, "limit"),
		optionalInt(call, "offset"),
	)
	if err != nil {
		return nil, err
	}

	return map[string]any{"sessions": sessions}, nil
}

func handleSessionFork(ctx context.Context, call *Call) (any, error) {
	fromEventID, err := stringParam(call, "fromEventId")
	if err != nil {
		return nil, err
	}

	forked, err := call.Managers.Store.ForkSession(ctx, fromEventID, service.ForkOptions{
		Title: optionalString(call, "title"),
		Model: optionalString(call, "model"),
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"session":   forked.Session,
		"rootEvent": forked.RootEvent,
	}, nil
}

func handleSessionEnd(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	store := call.Managers.Store

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	reason := optionalString(call, "reason")

	if _, err := store.AppendEvent(ctx, service.AppendRequest{
		SessionID: sessionID,
		ParentID:  sess.HeadEventID,
		Type:      service.EventSessionEnd,
		Payload:   service.SessionEndPayload{Reason: reason},
	}); err != nil {
		return nil, err
	}

	if err := store.EndSession(ctx, sessionID, reason); err != nil {
		return nil, err
	}

	return map[string]any{"ended": true}, nil
}

func handleSessionResume(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	if err := call.Managers.Store.ClearSessionEnded(ctx, sessionID); err != nil {
		return nil, err
	}

	return call.Managers.Store.GetSession(ctx, sessionID)
}

func handleSessionEvents(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	events, err := call.Managers.Store.GetEventsBySession(ctx, sessionID,
		optionalInt(call, "limit"), optionalInt(call, "offset"))
	if err != nil {
		return nil, err
	}

	return map[string]any{"events": events}, nil
}

func handleSessionMessages(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	// An explicit event id projects a historical point instead of the
	// head.
	if eventID := optionalString(call, "eventId"); eventID != "" {
		messages, err := call.Managers.Projector.MessagesAt(ctx, eventID)
		if err != nil {
			return nil, err
		}

		return map[string]any{"messages": messages}, nil
	}

	sess, err := call.Managers.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	state, err := call.Managers.Projector.StateAtHead(ctx, sess)
	if err != nil {
		return nil, err
	}

	return map[string]any{"messages": state.Messages}, nil
}

func handleSessionState(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	if eventID := optionalString(call, "eventId"); eventID != "" {
		return call.Managers.Projector.StateAt(ctx, eventID)
	}

	sess, err := call.Managers.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return call.Managers.Projector.StateAtHead(ctx, sess)
}

func handleSessionDeleteMessage(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	targetEventID, err := stringParam(call, "targetEventId")
	if err != nil {
		return nil, err
	}

	store := call.Managers.Store

	target, err := store.GetEvent(ctx, targetEventID)
	if err != nil {
		return nil, err
	}
	if target.SessionID != sessionID {
		return nil, service.E(service.CodeInvalidParams, "event %s does not belong to session %s", targetEventID, sessionID)
	}

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	event, err := store.AppendEvent(ctx, service.AppendRequest{
		SessionID: sessionID,
		ParentID:  sess.HeadEventID,
		Type:      service.EventMessageDeleted,
		Payload: service.MessageDeletedPayload{
			TargetEventID: targetEventID,
			AlsoHides:     optionalStrings(call, "alsoHides"),
			Reason:        optionalString(call, "reason"),
		},
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"event": event}, nil
}

func handleSessionUpdateSpawnInfo(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	if err := call.Managers.Store.UpdateSessionSpawnInfo(ctx, sessionID, service.SpawnInfo{
		SpawningSessionID: optionalString(call, "spawningSessionId"),
		SpawnType:         optionalString(call, "spawnType"),
		SpawnTask:         optionalString(call, "spawnTask"),
	}); err != nil {
		return nil, err
	}

	return call.Managers.Store.GetSession(ctx, sessionID)
}

func handleSessionBranches(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	branches, err := call.Managers.Store.ListBranches(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return map[string]any{"branches": branches}, nil
}

func handleSessionCreateBranch(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	name, err := stringParam(call, "name")
	if err != nil {
		return nil, err
	}

	store := call.Managers.Store

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	headEventID := optionalString(call, "headEventId")
	if headEventID == "" {
		headEventID = sess.HeadEventID
	}

	return store.CreateBranch(ctx, service.Branch{
		SessionID:   sessionID,
		Name:        name,
		Description: optionalString(call, "description"),
		RootEventID: sess.RootEventID,
		HeadEventID: headEventID,
		IsDefault:   optionalBool(call, "isDefault"),
	})
}

func handleSessionSetDefaultBranch(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	branchID, err := stringParam(call, "branchId")
	if err != nil {
		return nil, err
	}

	if err := call.Managers.Store.SetDefaultBranch(ctx, sessionID, branchID); err != nil {
		return nil, err
	}

	return map[string]any{"default": branchID}, nil
}

func handleSessionWorkspaces(ctx context.Context, call *Call) (any, error) {
	workspaces, err := call.Managers.Store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]any{"workspaces": workspaces}, nil
}
