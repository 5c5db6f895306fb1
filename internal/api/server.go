package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"seedpanel/internal/domain"
	"seedpanel/internal/registry"
	"seedpanel/internal/scheduler"
	"seedpanel/internal/store"
	"seedpanel/internal/telegram"
	"seedpanel/internal/worker"
)

type Server struct {
	r       *chi.Mux
	repo    store.Repository
	reg     *registry.Registry
	runner  *worker.Runner
	dataDir string
}

func NewServer(repo store.Repository, reg *registry.Registry, runner *worker.Runner, dataDir string) http.Handler {
	return NewServerWithDebug(repo, reg, runner, dataDir, false)
}

func NewServerWithDebug(repo store.Repository, reg *registry.Registry, runner *worker.Runner, dataDir string, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, reg: reg, runner: runner, dataDir: dataDir}

	r.Get("/health", s.health)

	// Session groups
	r.Get("/api/groups", s.listGroups)
	r.Post("/api/groups", s.createGroup)
	r.Delete("/api/groups/{id}", s.deleteGroup)
	r.Get("/api/groups/{id}/sessions", s.listGroupSessions)
	r.Post("/api/admin-sessions", s.uploadAdminSessions)

	// Configuration
	r.Get("/api/config/{task}", s.getConfig)
	r.Post("/api/config/{task}", s.saveConfig)
	r.Get("/api/proxies", s.getProxies)
	r.Post("/api/proxies", s.saveProxies)
	r.Get("/api/settings", s.getSettings)
	r.Post("/api/settings", s.saveSettings)

	// Task lifecycle
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks/active", s.activeTasks)
	r.Get("/api/tasks/{id}", s.taskStatus)
	r.Post("/api/tasks/{id}/stop", s.stopTask)
	r.Delete("/api/tasks/{id}", s.deleteTask)

	// Session maintenance
	r.Post("/api/sessions/delete", s.deleteSessions)
	r.Post("/api/sessions/update-info", s.updateSessionInfo)

	// Auto-run schedules
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Session groups ---

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.repo.ListGroups(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if groups == nil {
		groups = []domain.Group{}
	}
	writeJSON(w, 200, groups)
}

var folderNameSafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeName reduces an arbitrary group name to a filesystem-safe folder name.
func safeName(name string) string {
	return folderNameSafe.ReplaceAllString(strings.TrimSpace(name), "_")
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	name := r.FormValue("name")
	files := r.MultipartForm.File["session_files"]
	if name == "" || len(files) == 0 {
		http.Error(w, "group name and session files are required", 400)
		return
	}

	if _, err := s.repo.GetGroupByName(r.Context(), name); err == nil {
		http.Error(w, fmt.Sprintf("group %q already exists", name), 409)
		return
	}

	groupPath := filepath.Join(s.dataDir, safeName(name))
	// A folder left behind without a DB row is an orphan; replace it.
	if _, err := os.Stat(groupPath); err == nil {
		log.Warn().Str("path", groupPath).Msg("removing orphaned group folder")
		os.RemoveAll(groupPath)
	}
	if err := os.MkdirAll(groupPath, 0o755); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	saved := 0
	for _, fh := range files {
		if !strings.HasSuffix(fh.Filename, ".session") {
			continue
		}
		if err := saveUpload(fh, filepath.Join(groupPath, filepath.Base(fh.Filename))); err != nil {
			log.Error().Err(err).Str("file", fh.Filename).Msg("failed to save session upload")
			continue
		}
		saved++
	}

	if _, err := s.repo.CreateGroup(r.Context(), name, groupPath); err != nil {
		os.RemoveAll(groupPath)
		http.Error(w, "group name already exists", 409)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": fmt.Sprintf("created group with %d sessions", saved),
	})
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}

func (s *Server) groupID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, err := s.groupID(r)
	if err != nil {
		http.Error(w, "invalid group id", 400)
		return
	}
	group, err := s.repo.GetGroup(r.Context(), id)
	if err == nil {
		if _, statErr := os.Stat(group.FolderPath); statErr == nil {
			os.RemoveAll(group.FolderPath)
		}
	}
	if err := s.repo.DeleteGroup(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"success": true})
}

var phonePattern = regexp.MustCompile(`\+?\d{9,15}`)

type sessionView struct {
	Index      int    `json:"stt"`
	Phone      string `json:"phone"`
	Filename   string `json:"filename"`
	FullName   string `json:"full_name"`
	Username   string `json:"username"`
	IsLive     *bool  `json:"is_live"`
	StatusText string `json:"status_text"`
}

func (s *Server) listGroupSessions(w http.ResponseWriter, r *http.Request) {
	id, err := s.groupID(r)
	if err != nil {
		http.Error(w, "invalid group id", 400)
		return
	}
	group, err := s.repo.GetGroup(r.Context(), id)
	if err != nil {
		http.Error(w, "group not found", 404)
		return
	}

	metas, err := s.repo.ListSessionMeta(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	metaByFile := make(map[string]domain.SessionMeta, len(metas))
	for _, m := range metas {
		metaByFile[m.Filename] = m
	}

	files, err := telegram.SessionFiles(group.FolderPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		http.Error(w, err.Error(), 500)
		return
	}

	sessions := make([]sessionView, 0, len(files))
	for i, filename := range files {
		meta := metaByFile[filename]
		phone := strings.TrimSuffix(filename, ".session")
		if m := phonePattern.FindString(phone); m != "" {
			phone = m
		}
		v := sessionView{
			Index:      i + 1,
			Phone:      phone,
			Filename:   filename,
			FullName:   meta.FullName,
			Username:   meta.Username,
			IsLive:     meta.IsLive,
			StatusText: meta.StatusText,
		}
		if v.FullName == "" {
			v.FullName = "Not checked"
		}
		if v.StatusText == "" {
			v.StatusText = "Ready"
		}
		sessions = append(sessions, v)
	}
	writeJSON(w, 200, sessions)
}

func (s *Server) uploadAdminSessions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	files := r.MultipartForm.File["admin_session_files"]
	if len(files) == 0 {
		http.Error(w, "no files uploaded", 400)
		return
	}

	adminPath := filepath.Join(s.dataDir, telegram.AdminSessionFolder)
	if err := os.MkdirAll(adminPath, 0o755); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	saved := 0
	for _, fh := range files {
		if !strings.HasSuffix(fh.Filename, ".session") {
			continue
		}
		if err := saveUpload(fh, filepath.Join(adminPath, filepath.Base(fh.Filename))); err != nil {
			log.Error().Err(err).Str("file", fh.Filename).Msg("failed to save admin session")
			continue
		}
		saved++
	}
	if saved == 0 {
		http.Error(w, "no valid .session files", 400)
		return
	}

	if err := s.repo.UpsertGroup(r.Context(), telegram.AdminSessionFolder, adminPath); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{
		"success": true,
		"message": fmt.Sprintf("uploaded %d admin sessions", saved),
	})
}

// --- Configuration ---

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := s.repo.GetConfig(r.Context(), chi.URLParam(r, "task"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(200)
	w.Write(raw)
}

func (s *Server) saveConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(raw) {
		http.Error(w, "invalid JSON payload", 400)
		return
	}
	if err := s.repo.SaveConfig(r.Context(), chi.URLParam(r, "task"), raw); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"success": true})
}

func (s *Server) getProxies(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.repo.LoadProxyConfig(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, cfg)
}

type proxyReq struct {
	Enabled bool   `json:"enabled"`
	Proxies string `json:"proxies"`
}

func (s *Server) saveProxies(w http.ResponseWriter, r *http.Request) {
	var req proxyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	var proxies []string
	for _, line := range strings.Split(req.Proxies, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			proxies = append(proxies, line)
		}
	}
	cfg := domain.ProxyConfig{Enabled: req.Enabled, Proxies: proxies}
	if err := s.repo.SaveProxyConfig(r.Context(), cfg); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{
		"success": true,
		"message": fmt.Sprintf("saved %d proxies", len(proxies)),
	})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.repo.LoadSettings(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, settings)
}

func (s *Server) saveSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid JSON payload", 400)
		return
	}
	if err := s.repo.SaveSettings(r.Context(), settings); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"success": true})
}

// --- Task lifecycle ---

// submitReq's knobs are pointers so an omitted field can fall back to the
// stored global settings while an explicit zero is honored.
type submitReq struct {
	Task                string          `json:"task"`
	GroupID             int64           `json:"group_id"`
	Filenames           []string        `json:"filenames"`
	Core                *int            `json:"core"`
	DelayPerSession     *int            `json:"delay_per_session"`
	DelayBetweenBatches *int            `json:"delay_between_batches"`
	AdminEnabled        *bool           `json:"admin_enabled"`
	AdminDelay          *int            `json:"admin_delay"`
	Config              json.RawMessage `json:"config"`
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

type submitResp struct {
	TaskID string `json:"task_id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	kind, ok := domain.ParseOperationKind(req.Task)
	if !ok {
		http.Error(w, "unsupported task", 400)
		return
	}
	if req.GroupID == 0 || len(req.Filenames) == 0 {
		http.Error(w, "group_id and filenames are required", 400)
		return
	}

	group, err := s.repo.GetGroup(r.Context(), req.GroupID)
	if err != nil {
		http.Error(w, "group not found", 404)
		return
	}

	// Snapshot the global settings; every omitted knob falls back to them.
	settings, err := s.repo.LoadSettings(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	core := intOr(req.Core, settings.Core)
	delayPerSession := intOr(req.DelayPerSession, settings.DelayPerSession)
	delayBetweenBatches := intOr(req.DelayBetweenBatches, settings.DelayBetweenBatches)
	adminDelay := intOr(req.AdminDelay, settings.AdminDelay)
	adminEnabled := settings.AdminEnabled
	if req.AdminEnabled != nil {
		adminEnabled = *req.AdminEnabled
	}

	if core <= 0 {
		core = 5
	}
	if delayPerSession < 0 {
		delayPerSession = 0
	}
	if delayBetweenBatches < 0 {
		delayBetweenBatches = 0
	}
	if adminDelay < 0 {
		adminDelay = 0
	}

	task := domain.Task{
		Kind:                kind,
		GroupID:             group.ID,
		FolderPath:          group.FolderPath,
		Filenames:           req.Filenames,
		Concurrency:         core,
		DelayPerSession:     time.Duration(delayPerSession) * time.Second,
		DelayBetweenBatches: time.Duration(delayBetweenBatches) * time.Second,
		AdminEnabled:        adminEnabled,
		AdminDelay:          time.Duration(adminDelay) * time.Second,
	}

	if len(req.Config) > 0 {
		switch kind {
		case domain.OpJoinGroup:
			if err := json.Unmarshal(req.Config, &task.Join); err != nil {
				http.Error(w, "invalid join config", 400)
				return
			}
		case domain.OpSeedMessage:
			if err := json.Unmarshal(req.Config, &task.Seed); err != nil {
				http.Error(w, "invalid seeding config", 400)
				return
			}
		}
	}

	if pc, err := s.repo.LoadProxyConfig(r.Context()); err == nil && pc.Enabled {
		task.Proxies = pc.Proxies
	}

	id := s.runner.Submit(r.Context(), task)
	writeJSON(w, http.StatusAccepted, submitResp{TaskID: id})
}

type statusResp struct {
	domain.Progress
	Results  []domain.Outcome `json:"results"`
	Messages []string         `json:"messages"`
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	progress, results, messages, err := s.reg.Drain(id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	if results == nil {
		results = []domain.Outcome{}
	}
	if messages == nil {
		messages = []string{}
	}
	writeJSON(w, 200, statusResp{Progress: progress, Results: results, Messages: messages})
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.reg.Get(id); err != nil {
		http.Error(w, "not found", 404)
		return
	}
	s.reg.SetStatus(id, domain.StatusStopped)
	writeJSON(w, 200, map[string]any{"message": "stop requested"})
}

// deleteTask drops a settled task's registry entry so terminal tasks don't
// accumulate for the life of the process.
func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.reg.Get(id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	if !p.Status.Terminal() {
		http.Error(w, "task is still running", 409)
		return
	}
	s.reg.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activeTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.reg.Active())
}

// --- Session maintenance ---

type deleteSessionsReq struct {
	GroupID   int64    `json:"group_id"`
	Filenames []string `json:"filenames"`
}

func (s *Server) deleteSessions(w http.ResponseWriter, r *http.Request) {
	var req deleteSessionsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", 400)
		return
	}
	if req.GroupID == 0 {
		http.Error(w, "group_id is required", 400)
		return
	}
	if len(req.Filenames) == 0 {
		http.Error(w, "filenames must be a non-empty list", 400)
		return
	}
	if s.reg.AnyRunning() {
		http.Error(w, "a task is running", 409)
		return
	}

	group, err := s.repo.GetGroup(r.Context(), req.GroupID)
	if err != nil {
		http.Error(w, "group not found", 404)
		return
	}
	if _, err := os.Stat(group.FolderPath); err != nil {
		http.Error(w, "group folder not found", 404)
		return
	}

	deleted := []string{}
	missing := []string{}
	failed := []string{}
	for _, filename := range req.Filenames {
		clean := filepath.Base(filename)
		if clean != filename || clean == "" || clean == "." {
			failed = append(failed, filename)
			continue
		}
		path := filepath.Join(group.FolderPath, clean)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			missing = append(missing, clean)
			continue
		}
		if err := os.Remove(path); err != nil {
			failed = append(failed, clean)
			log.Error().Err(err).Str("path", path).Msg("failed to delete session file")
			continue
		}
		deleted = append(deleted, clean)
		if err := s.repo.DeleteSessionMeta(r.Context(), req.GroupID, clean); err != nil {
			log.Error().Err(err).Str("file", clean).Msg("failed to delete session metadata")
		}
	}

	writeJSON(w, 200, map[string]any{
		"deleted": deleted,
		"missing": missing,
		"failed":  failed,
	})
}

type updateInfoReq struct {
	GroupID  int64  `json:"group_id"`
	Filename string `json:"filename"`
	Field    string `json:"field"`
	Value    string `json:"value"`
}

func (s *Server) updateSessionInfo(w http.ResponseWriter, r *http.Request) {
	var req updateInfoReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", 400)
		return
	}
	if req.Field != "full_name" && req.Field != "username" {
		http.Error(w, "invalid field", 400)
		return
	}
	if err := s.repo.UpdateSessionField(r.Context(), req.GroupID, req.Filename, req.Field, req.Value); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{
		"success":       true,
		"updated_value": req.Value,
	})
}

// --- Auto-run schedules ---

type scheduleReq struct {
	Name     string `json:"name"`
	CronExpr string `json:"cron_expr"`
	GroupID  int64  `json:"group_id"`
	Enabled  bool   `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.CronExpr == "" || req.GroupID == 0 {
		http.Error(w, "name, cron_expr and group_id are required", 400)
		return
	}
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	if _, err := s.repo.GetGroup(r.Context(), req.GroupID); err != nil {
		http.Error(w, "group not found", 404)
		return
	}

	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	id, err := s.repo.CreateSchedule(r.Context(), domain.Schedule{
		Name:     req.Name,
		CronExpr: req.CronExpr,
		GroupID:  req.GroupID,
		Enabled:  req.Enabled,
		NextRun:  nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		schedule.CronExpr = req.CronExpr
		nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
			return
		}
		schedule.NextRun = nextRun
	}
	if req.GroupID != 0 {
		schedule.GroupID = req.GroupID
	}
	schedule.Enabled = req.Enabled

	if err := s.repo.UpdateSchedule(r.Context(), schedule); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
