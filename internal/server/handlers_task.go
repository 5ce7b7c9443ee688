package server

import (
	"context"

	"github.com/mhismail3/tron/internal/service"
)

// RegisterTaskMethods wires the task.* family.
func RegisterTaskMethods(r *Registry) {
	r.Register(
		Method{
			Name:             "task.create",
			RequiredParams:   []string{"title"},
			RequiredManagers: []string{"store"},
			Handler:          handleTaskCreate,
		},
		Method{
			Name:             "task.get",
			RequiredParams:   []string{"taskId"},
			RequiredManagers: []string{"store"},
			Handler:          handleTaskGet,
		},
		Method{
			Name:             "task.list",
			RequiredManagers: []string{"store"},
			Handler:          handleTaskList,
		},
		Method{
			Name:             "task.update",
			RequiredParams:   []string{"taskId"},
			RequiredManagers: []string{"store"},
			Handler:          handleTaskUpdate,
		},
		Method{
			Name:             "task.delete",
			RequiredParams:   []string{"taskId"},
			RequiredManagers: []string{"store"},
			Handler:          handleTaskDelete,
		},
		Method{
			Name:             "task.activity",
			RequiredParams:   []string{"taskId"},
			RequiredManagers: []string{"store"},
			Handler:          handleTaskActivity,
		},
		Method{
			Name:             "task.summary",
			RequiredManagers: []string{"store"},
			Handler:          handleTaskSummary,
		},
		Method{
			Name:             "task.createProject",
			RequiredParams:   []string{"name"},
			RequiredManagers: []string{"store"},
			Handler:          handleTaskCreateProject,
		},
		Method{
			Name:             "task.listProjects",
			RequiredManagers: []string{"store"},
			Handler:          handleTaskListProjects,
		},
		Method{
			Name:             "task.createArea",
			RequiredParams:   []string{"name"},
			RequiredManagers: []string{"store"},
			Handler:          handleTaskCreateArea,
		},
		Method{
			Name:             "task.listAreas",
			RequiredManagers: []string{"store"},
			Handler:          handleTaskListAreas,
		},
	)
}

func taskFromParams(call *Call) service.Task {
	return service.Task{
		Title:       optionalString(call, "title"),
		Description: optionalString(call, "description"),
		Status:      optionalString(call, "status"),
		ProjectID:   optionalString(call, "projectId"),
		AreaID:      optionalString(call, "areaId"),
		SessionID:   optionalString(call, "sessionId"),
		DependsOn:   optionalStrings(call, "dependsOn"),
		Tags:        optionalStrings(call, "tags"),
	}
}

func handleTaskCreate(ctx context.Context, call *Call) (any, error) {
	if _, err := stringParam(call, "title"); err != nil {
		return nil, err
	}

	return call.Managers.Store.CreateTask(ctx, taskFromParams(call))
}

func handleTaskGet(ctx context.Context, call *Call) (any, error) {
	taskID, err := stringParam(call, "taskId")
	if err != nil {
		return nil, err
	}

	return call.Managers.Store.GetTask(ctx, taskID)
}

func handleTaskList(ctx context.Context, call *Call) (any, error) {
	tasks, err := call.Managers.Store.ListTasks(ctx, service.TaskFilter{
		Status:    optionalString(call, "status"),
		ProjectID: optionalString(call, "projectId"),
		AreaID:    optionalString(call, "areaId"),
		SessionID: optionalString(call, "sessionId"),
		Limit:     optionalInt(call, "limit"),
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"tasks": tasks}, nil
}

func handleTaskUpdate(ctx context.Context, call *Call) (any, error) {
	taskID, err := stringParam(call, "taskId")
	if err != nil {
		return nil, err
	}

	current, err := call.Managers.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	updated := *current
	if v := optionalString(call, "title"); v != "" {
		updated.Title = v
	}
	if v := optionalString(call, "description"); v != "" {
		updated.Description = v
	}
	if v := optionalString(call, "status"); v != "" {
		updated.Status = v
	}
	if v := optionalString(call, "projectId"); v != "" {
		updated.ProjectID = v
	}
	if v := optionalString(call, "areaId"); v != "" {
		updated.AreaID = v
	}
	if v := optionalStrings(call, "dependsOn"); v != nil {
		updated.DependsOn = v
	}
	if v := optionalStrings(call, "tags"); v != nil {
		updated.Tags = v
	}

	return call.Managers.Store.UpdateTask(ctx, taskID, updated)
}

func handleTaskDelete(ctx context.Context, call *Call) (any, error) {
	taskID, err := stringParam(call, "taskId")
	if err != nil {
		return nil, err
	}

	if err := call.Managers.Store.DeleteTask(ctx, taskID); err != nil {
		return nil, err
	}

	return map[string]any{"deleted": true}, nil
}

func handleTaskActivity(ctx context.Context, call *Call) (any, error) {
	taskID, err := stringParam(call, "taskId")
	if err != nil {
		return nil, err
	}

	activity, err := call.Managers.Store.ListTaskActivity(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return map[string]any{"activity": activity}, nil
}

func handleTaskSummary(ctx context.Context, call *Call) (any, error) {
	tasks, err := call.Managers.Store.ListTasks(ctx, service.TaskFilter{
		SessionID: optionalString(call, "sessionId"),
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"summary": service.TaskSummary(tasks)}, nil
}

func handleTaskCreateProject(ctx context.Context, call *Call) (any, error) {
	name, err := stringParam(call, "name")
	if err != nil {
		return nil, err
	}

	return call.Managers.Store.CreateProject(ctx, service.Project{
		Name:        name,
		Description: optionalString(call, "description"),
		AreaID:      optionalString(call, "areaId"),
		Status:      optionalString(call, "status"),
		Tags:        optionalStrings(call, "tags"),
	})
}

func handleTaskListProjects(ctx context.Context, call *Call) (any, error) {
	projects, err := call.Managers.Store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]any{"projects": projects}, nil
}

func handleTaskCreateArea(ctx context.Context, call *Call) (any, error) {
	name, err := stringParam(call, "name")
	if err != nil {
		return nil, err
	}

	return call.Managers.Store.CreateArea(ctx, service.Area{
		Name:        name,
		Description: optionalString(call, "description"),
	})
}

func handleTaskListAreas(ctx context.Context, call *Call) (any, error) {
	areas, err := call.Managers.Store.ListAreas(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]any{"areas": areas}, nil
}
