package server

import (
	"context"
	"sync/atomic"

	"github.com/mhismail3/tron/internal/service"
	"github.com/mhismail3/tron/internal/service/session"
)

// RegisterAgentMethods wires the agent.* family.
func RegisterAgentMethods(r *Registry) {
	r.Register(
		Method{
			Name:             "agent.prompt",
			RequiredParams:   []string{"sessionId", "prompt"},
			RequiredManagers: []string{"store", "sessions", "orchestrator"},
			Handler:          handleAgentPrompt,
		},
		Method{
			Name:             "agent.abort",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"sessions"},
			Handler:          handleAgentAbort,
		},
		Method{
			Name:             "agent.busy",
			RequiredParams:   []string{"sessionId"},
			RequiredManagers: []string{"sessions"},
			Handler:          handleAgentBusy,
		},
	)
}

func handleAgentPrompt(ctx context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	prompt, err := stringParam(call, "prompt")
	if err != nil {
		return nil, err
	}

	content := service.TextContent(prompt)

	// Optional embedded media arrive as pre-stored blob references.
	var blobRefs []service.BlobRef
	if raw, ok := call.Params["blobRefs"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}

			ref := service.BlobRef{}
			ref.BlobID, _ = m["blobId"].(string)
			ref.MimeType, _ = m["mimeType"].(string)
			ref.Kind, _ = m["kind"].(string)
			if ref.BlobID != "" {
				blobRefs = append(blobRefs, ref)
			}
		}
	}

	var result *session.PromptResult

	runErr := call.Managers.Sessions.Run(sessionID, func(cancel *atomic.Bool) error {
		var err error
		result, err = call.Managers.Orchestrator.Prompt(ctx, session.PromptRequest{
			SessionID: sessionID,
			Content:   content,
			BlobRefs:  blobRefs,
		}, cancel)

		return err
	})
	if runErr != nil {
		return nil, runErr
	}

	return result, nil
}

func handleAgentAbort(_ context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	aborted := call.Managers.Sessions.Abort(sessionID)

	return map[string]any{"aborted": aborted}, nil
}

func handleAgentBusy(_ context.Context, call *Call) (any, error) {
	sessionID, err := stringParam(call, "sessionId")
	if err != nil {
		return nil, err
	}

	return map[string]any{"busy": call.Managers.Sessions.Busy(sessionID)}, nil
}
