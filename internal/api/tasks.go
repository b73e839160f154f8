package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"FundRouter/internal/task"
)

type submitTaskRequest struct {
	AgentID string `json:"agent_id"`
	Round   uint64 `json:"round"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.tasks.Submit(r.Context(), task.SubmitRequest{AgentID: req.AgentID, Round: req.Round})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// listOptions 从查询参数解析任务过滤条件。
func listOptions(r *http.Request) ([]task.ListOption, string, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, "limit", err
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, "offset", err
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, "status", fmt.Errorf("unknown task status %q", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if agent := q.Get("agent_id"); agent != "" {
		var round uint64
		if raw := q.Get("round"); raw != "" {
			parsed, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, "round", err
			}
			round = parsed
		}
		opts = append(opts, task.WithAgent(agent, round))
	}
	for _, bound := range []struct {
		key   string
		apply func(time.Time) task.ListOption
	}{
		{"updated_since", task.WithUpdatedSince},
		{"updated_until", task.WithUpdatedUntil},
	} {
		raw := q.Get(bound.key)
		if raw == "" {
			continue
		}
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, bound.key, err
		}
		opts = append(opts, bound.apply(time.Unix(sec, 0)))
	}
	if raw := q.Get("completed"); raw != "" {
		completed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, "completed", err
		}
		opts = append(opts, task.WithCompletion(completed))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, "", nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, field, err := listOptions(r)
	if err != nil {
		badRequest(w, field, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	opts, field, err := listOptions(r)
	if err != nil {
		badRequest(w, field, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("taskID"))
	if id == "" {
		badRequest(w, "task_id", errors.New("task id is required"))
		return
	}
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
