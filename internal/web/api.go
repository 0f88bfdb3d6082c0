package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/smini/internal/natsbus"
	"github.com/mtzanidakis/smini/internal/schedule"
	"github.com/mtzanidakis/smini/internal/store"
	"github.com/mtzanidakis/smini/internal/workflow"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Workflow submission
	mux.HandleFunc("POST /api/workflows", s.submitWorkflow)

	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.getSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}/status", s.updateScheduleStatus)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Definition string `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	def, err := workflow.ParseDefinition([]byte(body.Definition))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Runs detach from the request: progress streams over the event
	// bus and the final result lands in the store.
	go func() {
		if _, err := s.coord.RunDefinition(context.Background(), def); err != nil {
			slog.Error("submitted workflow failed", "name", def.Name, "error", err)
		}
	}()

	jsonResponse(w, map[string]any{
		"status": "started",
		"name":   def.Name,
		"stages": len(def.Stages),
		"tasks":  len(def.Tasks),
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	runs, err := s.store.ListWorkflowRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetWorkflowRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if s.nats == nil {
		jsonError(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	run, err := s.store.GetWorkflowRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	if run.Status != "running" {
		jsonError(w, fmt.Sprintf("run is %s", run.Status), http.StatusConflict)
		return
	}

	if err := s.nats.Publish(natsbus.TopicRunControl(id), []byte("cancel")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "cancel requested"})
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWorkflowRun(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	scheduled, err := s.store.ListScheduledWorkflows()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(scheduled))
	for _, sw := range scheduled {
		out = append(out, scheduleToAPI(sw))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		Schedule   string `json:"schedule"`
		Definition string `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || body.Definition == "" {
		jsonError(w, "name, schedule and definition are required", http.StatusBadRequest)
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := workflow.ParseDefinition([]byte(body.Definition)); err != nil {
		jsonError(w, fmt.Sprintf("invalid definition: %v", err), http.StatusBadRequest)
		return
	}

	sw := &store.ScheduledWorkflow{
		ID:         uuid.NewString(),
		Name:       body.Name,
		Schedule:   normalized,
		Definition: body.Definition,
		NextRunAt:  schedule.CalculateNextRun(normalized),
	}
	if err := s.store.SaveScheduledWorkflow(sw); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jsonResponse(w, scheduleToAPI(*sw))
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sw, err := s.store.GetScheduledWorkflow(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sw == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, scheduleToAPI(*sw))
}

func (s *Server) updateScheduleStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Status != "active" && body.Status != "paused" {
		jsonError(w, "status must be 'active' or 'paused'", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	sw, err := s.store.GetScheduledWorkflow(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sw == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	if err := s.store.UpdateScheduledStatus(id, body.Status); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": body.Status})
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteScheduledWorkflow(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Snapshot()

	status := map[string]any{
		"status":          "ok",
		"pool_size":       s.coord.Pool().Size(),
		"sampled":         snap.Sampled,
		"agent_states":    snap.States,
		"tasks_completed": snap.TasksCompleted,
		"tasks_failed":    snap.TasksFailed,
		"uptime":          formatUptime(time.Since(s.startedAt)),
		"timestamp":       time.Now().UTC(),
		"version":         s.version,
	}

	if s.bus != nil {
		status["nats"] = "ok"
		status["nats_clients"] = s.bus.NumClients()
	} else {
		status["nats"] = "disabled"
	}

	jsonResponse(w, status)
}

func scheduleToAPI(sw store.ScheduledWorkflow) map[string]any {
	m := map[string]any{
		"id":               sw.ID,
		"name":             sw.Name,
		"schedule":         sw.Schedule,
		"schedule_display": schedule.FormatSchedule(sw.Schedule),
		"enabled":          sw.Status == "active",
		"status":           sw.Status,
	}
	if sw.LastRunAt != nil {
		m["last_run"] = formatTimestamp(*sw.LastRunAt)
	}
	if sw.LastStatus != "" {
		m["last_status"] = sw.LastStatus
	}
	if sw.LastError != "" {
		m["last_error"] = sw.LastError
	}
	if sw.NextRunAt != nil {
		m["next_run"] = formatTimestamp(*sw.NextRunAt)
	}
	return m
}

func formatTimestamp(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
