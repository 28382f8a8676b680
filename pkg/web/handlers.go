package web

import (
	"context"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/flowlinehq/flowline/pkg/models"
	"github.com/flowlinehq/flowline/pkg/services"
)

type APIHandlers struct {
	instanceService *services.Instance
	taskService     *services.Task
	validator       *validator.Validate
}

func NewAPIHandlers(
	instanceService *services.Instance,
	taskService *services.Task,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		instanceService: instanceService,
		taskService:     taskService,
		validator:       validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.instanceService.HealthCheck(c.Context())

	status := fiber.StatusOK
	if !repOk {
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"status": map[bool]string{true: "healthy", false: "unhealthy"}[repOk],
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

// Instance endpoints

func (h *APIHandlers) GetInstances(c fiber.Ctx) error {
	req, err := h.parseListInstancesRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.instanceService.ListInstances(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"instances":     TransformInstanceList(result.Instances),
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
		"sorting": fiber.Map{
			"sort_by":    req.SortBy,
			"sort_order": req.SortOrder,
		},
	})
}

func (h *APIHandlers) parseListInstancesRequest(c fiber.Ctx) (*services.ListInstancesRequest, error) {
	req := &services.ListInstancesRequest{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	req.WorkflowID = c.Query("workflow_id")
	req.TriggeredBy = c.Query("triggered_by")

	if statusStr := c.Query("status"); statusStr != "" {
		status, err := models.ParseInstanceStatus(statusStr)
		if err != nil {
			return nil, err
		}

		req.Status = &status
	}

	if priorityStr := c.Query("priority"); priorityStr != "" {
		priority, err := models.ParsePriority(priorityStr)
		if err != nil {
			return nil, err
		}

		req.Priority = &priority
	}

	req.SortBy = c.Query("sort_by")
	req.SortOrder = c.Query("sort_order")

	return req, nil
}

func (h *APIHandlers) CreateInstance(c fiber.Ctx) error {
	var req CreateInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.instanceService.CreateInstance(c.Context(), services.CreateInstanceRequest{
		WorkflowID:  req.WorkflowID,
		TriggeredBy: req.TriggeredBy,
		TriggerType: req.TriggerType,
		TriggerData: req.TriggerData,
		Data:        req.Data,
		Variables:   req.Variables,
		Context:     req.Context,
		Priority:    req.Priority,
		SLADeadline: req.SLADeadline,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TransformInstanceResponse(instance))
}

// ExecuteWorkflow opens a RUNNING instance for the workflow in the path.
// The body is optional; step advancement is driven by the lifecycle endpoints.
func (h *APIHandlers) ExecuteWorkflow(c fiber.Ctx) error {
	workflowID := c.Params("id")
	if workflowID == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req ExecuteWorkflowRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	instance, err := h.instanceService.ExecuteWorkflow(c.Context(), workflowID, req.TriggeredBy, req.TriggerData)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TransformInstanceResponse(instance))
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	instance, err := h.instanceService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformInstanceResponse(instance))
}

func (h *APIHandlers) UpdateInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var req UpdateInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	instance, err := h.instanceService.UpdateInstance(c.Context(), id, services.UpdateInstanceRequest{
		Data:      req.Data,
		Variables: req.Variables,
		Context:   req.Context,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformInstanceResponse(instance))
}

func (h *APIHandlers) DeleteInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	err := h.instanceService.DeleteInstance(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) CompleteInstance(c fiber.Ctx) error {
	return h.transitionInstance(c, h.instanceService.CompleteInstance)
}

func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	return h.transitionInstance(c, h.instanceService.CancelInstance)
}

func (h *APIHandlers) PauseInstance(c fiber.Ctx) error {
	return h.transitionInstance(c, h.instanceService.PauseInstance)
}

func (h *APIHandlers) ResumeInstance(c fiber.Ctx) error {
	return h.transitionInstance(c, h.instanceService.ResumeInstance)
}

func (h *APIHandlers) RetryInstance(c fiber.Ctx) error {
	return h.transitionInstance(c, h.instanceService.RetryInstance)
}

func (h *APIHandlers) transitionInstance(
	c fiber.Ctx,
	transition func(ctx context.Context, id string) (*models.WorkflowInstance, error),
) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	instance, err := transition(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformInstanceResponse(instance))
}

func (h *APIHandlers) FailInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var req FailInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.instanceService.FailInstance(c.Context(), id, req.ErrorMessage, req.ErrorStep)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformInstanceResponse(instance))
}

func (h *APIHandlers) UpdateInstanceStep(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var req UpdateStepRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.instanceService.UpdateCurrentStep(c.Context(), id, req.StepID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformInstanceResponse(instance))
}

// Task endpoints

func (h *APIHandlers) GetTasks(c fiber.Ctx) error {
	req, err := h.parseListTasksRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.taskService.ListTasks(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"tasks":         TransformTaskList(result.Tasks),
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
		"sorting": fiber.Map{
			"sort_by":    req.SortBy,
			"sort_order": req.SortOrder,
		},
	})
}

func (h *APIHandlers) parseListTasksRequest(c fiber.Ctx) (*services.ListTasksRequest, error) {
	req := &services.ListTasksRequest{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	req.InstanceID = c.Query("instance_id")
	req.AssigneeID = c.Query("assignee_id")

	if statusStr := c.Query("status"); statusStr != "" {
		status, err := models.ParseTaskStatus(statusStr)
		if err != nil {
			return nil, err
		}

		req.Status = &status
	}

	if typeStr := c.Query("task_type"); typeStr != "" {
		taskType, err := models.ParseTaskType(typeStr)
		if err != nil {
			return nil, err
		}

		req.TaskType = &taskType
	}

	if priorityStr := c.Query("priority"); priorityStr != "" {
		priority, err := models.ParsePriority(priorityStr)
		if err != nil {
			return nil, err
		}

		req.Priority = &priority
	}

	req.SortBy = c.Query("sort_by")
	req.SortOrder = c.Query("sort_order")

	return req, nil
}

func (h *APIHandlers) CreateTask(c fiber.Ctx) error {
	var req CreateTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.taskService.CreateTask(c.Context(), services.CreateTaskRequest{
		InstanceID:     req.InstanceID,
		StepID:         req.StepID,
		Name:           req.Name,
		Description:    req.Description,
		TaskType:       req.TaskType,
		Priority:       req.Priority,
		AssignmentType: req.AssignmentType,
		FormData:       req.FormData,
		FormSchema:     req.FormSchema,
		DueDate:        req.DueDate,
		SLAHours:       req.SLAHours,
		SLADeadline:    req.SLADeadline,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TransformTaskResponse(task))
}

func (h *APIHandlers) GetTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	task, err := h.taskService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformTaskResponse(task))
}

func (h *APIHandlers) DeleteTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	err := h.taskService.DeleteTask(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) AssignTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	var req AssignTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.taskService.AssignTask(c.Context(), id, req.AssigneeID, req.AssignedBy)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformTaskResponse(task))
}

func (h *APIHandlers) StartTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	var req ActorRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.taskService.StartTask(c.Context(), id, req.UserID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformTaskResponse(task))
}

func (h *APIHandlers) CompleteTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	var req CompleteTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.taskService.CompleteTask(c.Context(), id, req.UserID, req.Result)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformTaskResponse(task))
}

func (h *APIHandlers) RejectTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	var req RejectTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.taskService.RejectTask(c.Context(), id, req.UserID, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformTaskResponse(task))
}

func (h *APIHandlers) CancelTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	task, err := h.taskService.CancelTask(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformTaskResponse(task))
}

func (h *APIHandlers) UpdateTaskFormData(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	var req UpdateFormDataRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.taskService.UpdateFormData(c.Context(), id, req.FormData)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformTaskResponse(task))
}

func (h *APIHandlers) AddTaskComment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	var req AddCommentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.taskService.AddComment(c.Context(), id, req.Author, req.Body)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TransformTaskResponse(task))
}

func (h *APIHandlers) AddTaskAttachment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	var req AddAttachmentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	task, err := h.taskService.AddAttachment(c.Context(), id, req.Name, req.URL, req.UploadedBy)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TransformTaskResponse(task))
}
