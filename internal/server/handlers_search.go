package server

import (
	"context"

	"github.com/mhismail3/tron/internal/service"
)

// RegisterSearchMethods wires the search.* family.
func RegisterSearchMethods(r *Registry) {
	r.Register(
		Method{
			Name:             "search.content",
			RequiredParams:   []string{"query"},
			RequiredManagers: []string{"store"},
			Handler:          handleSearchContent,
		},
		Method{
			Name:             "search.byToolName",
			RequiredParams:   []string{"toolName"},
			RequiredManagers: []string{"store"},
			Handler:          handleSearchByToolName,
		},
		Method{
			Name:             "search.logs",
			RequiredParams:   []string{"query"},
			RequiredManagers: []string{"store"},
			Handler:          handleSearchLogs,
		},
		Method{
			Name:             "search.rebuildIndex",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"store"},
			Handler:          handleSearchRebuildIndex,
		},
	)
}

func searchOptionsFromCall(call *Call) service.SearchOptions {
	opts := service.SearchOptions{
		SessionID:   optionalString(call, "sessionId"),
		WorkspaceID: optionalString(call, "workspaceId"),
		Limit:       optionalInt(call, "limit"),
		Offset:      optionalInt(call, "offset"),
	}

	for _, t := range optionalStrings(call, "types") {
		opts.Types = append(opts.Types, service.EventType(t))
	}

	return opts
}

func handleSearchContent(ctx context.Context, call *Call) (any, error) {
	query, err := stringParam(call, "query")
	if err != nil {
		return nil, err
	}

	hits, err := call.Managers.Store.SearchContent(ctx, query, searchOptionsFromCall(call))
	if err != nil {
		return nil, err
	}

	return map[string]any{"hits": hits}, nil
}

func handleSearchByToolName(ctx context.Context, call *Call) (any, error) {
	toolName, err := stringParam(call, "toolName")
	if err != nil {
		return nil, err
	}

	hits, err := call.Managers.Store.SearchByToolName(ctx, toolName, searchOptionsFromCall(call))
	if err != nil {
		return nil, err
	}

	return map[string]any{"hits": hits}, nil
}

func handleSearchLogs(ctx context.Context, call *Call) (any, error) {
	query, err := stringParam(call, "query")
	if err != nil {
		return nil, err
	}

	entries, err := call.Managers.Store.SearchLogs(ctx, query, optionalInt(call, "limit"))
	if err != nil {
		return nil, err
	}

	return map[string]any{"logs": entries}, nil
}

func handleSearchRebuildIndex(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	indexed, err := call.Managers.Store.RebuildSessionIndex(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return map[string]any{"indexed": indexed}, nil
}
