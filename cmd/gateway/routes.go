package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unpod/corertc/runtime/task"
)

// registerTaskRoutes mounts the Task Model's HTTP control-plane surface:
// POST /tasks/create_run/, GET /tasks/get_runs/, GET /tasks/get_tasks/, and
// GET /tasks/get_run_tasks/:run_id/.
func registerTaskRoutes(router *gin.Engine, mgr *task.Manager) {
	group := router.Group("/tasks")
	group.POST("/create_run/", handleCreateRun(mgr))
	group.GET("/get_runs/", handleGetRuns(mgr))
	group.GET("/get_tasks/", handleGetTasks(mgr))
	group.GET("/get_run_tasks/:run_id/", handleGetRunTasks(mgr))
}

type createRunTaskBody struct {
	Input         json.RawMessage `json:"input"`
	ExtraInput    json.RawMessage `json:"extra_input"`
	ExecutionType string          `json:"execution_type"`
	ScheduledAt   *time.Time      `json:"scheduled_at"`
}

type createRunDataBody struct {
	Context       json.RawMessage `json:"context"`
	ExecutionType string          `json:"execution_type"`
	ExtraInput    json.RawMessage `json:"extra_input"`
	Schedule      *time.Time      `json:"schedule"`
	Filters       map[string]any  `json:"filters"`
	SpaceToken    string          `json:"space_token"`
}

type createRunBody struct {
	Data          createRunDataBody  `json:"data"`
	Tasks         []createRunTaskBody `json:"tasks"`
	RunMode       string             `json:"run_mode"`
	Assignee      string             `json:"assignee"`
	CollectionRef string             `json:"collection_ref"`
	ThreadID      string             `json:"thread_id"`
	OrgID         string             `json:"org_id"`
	User          string             `json:"user"`
	SpaceID       string             `json:"space_id"`
}

func handleCreateRun(mgr *task.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body createRunBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tasks := make([]task.TaskInput, 0, len(body.Tasks))
		for _, t := range body.Tasks {
			tasks = append(tasks, task.TaskInput{
				Input:         t.Input,
				ExtraInput:    t.ExtraInput,
				ExecutionType: t.ExecutionType,
				ScheduledAt:   t.ScheduledAt,
			})
		}

		req := task.CreateRunRequest{
			Context:       body.Data.Context,
			ExecutionType: body.Data.ExecutionType,
			ExtraInput:    body.Data.ExtraInput,
			Schedule:      body.Data.Schedule,
			Filters:       body.Data.Filters,
			SpaceToken:    body.Data.SpaceToken,
			Tasks:         tasks,
			RunMode:       body.RunMode,
			Assignee:      body.Assignee,
			CollectionRef: body.CollectionRef,
			ThreadID:      body.ThreadID,
			OrgID:         body.OrgID,
			User:          body.User,
			SpaceID:       body.SpaceID,
		}

		result, err := mgr.CreateRun(c.Request.Context(), req, newID)
		switch err {
		case nil:
			c.JSON(http.StatusOK, gin.H{
				"run_id":   result.RunID,
				"task_ids": result.TaskIDs,
				"status":   result.Status,
			})
		case task.ErrMissingTasksOrFilters, task.ErrPastSchedule:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func handleGetRuns(mgr *task.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := task.Scope{
			SpaceID:  c.Query("space_id"),
			UserID:   c.Query("user_id"),
			ThreadID: c.Query("thread_id"),
		}
		page := paginationFromQuery(c)

		result, err := mgr.GetRuns(c.Request.Context(), scope, page)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": result.Runs, "total": result.Total})
	}
}

func handleGetTasks(mgr *task.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := task.Scope{
			SpaceID:  c.Query("space_id"),
			UserID:   c.Query("user_id"),
			ThreadID: c.Query("thread_id"),
		}
		filter := task.Filter{
			Status:   task.Status(c.Query("status")),
			CallType: c.Query("call_type"),
			FreeText: c.Query("q"),
		}
		page := paginationFromQuery(c)

		result, err := mgr.GetTasks(c.Request.Context(), scope, filter, page)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": result.Tasks, "total": result.Total})
	}
}

func handleGetRunTasks(mgr *task.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := paginationFromQuery(c)
		result, err := mgr.GetRunTasks(c.Request.Context(), c.Param("run_id"), page)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": result.Tasks, "total": result.Total})
	}
}

func paginationFromQuery(c *gin.Context) task.Pagination {
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	return task.Pagination{Page: page, PageSize: pageSize}
}
