package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"seedpanel/internal/domain"
	"seedpanel/internal/registry"
	"seedpanel/internal/store"
	"seedpanel/internal/telegram"
	"seedpanel/internal/worker"
)

// stubDialer yields clients that always report an unauthorized session, so
// submitted tasks settle immediately without touching the network.
type stubDialer struct{}

func (stubDialer) Dial(ctx context.Context, sessionPath string, proxy *telegram.Proxy) (telegram.Client, error) {
	return stubClient{}, nil
}

type stubClient struct{}

func (stubClient) Authorized(ctx context.Context) (bool, error) { return false, nil }
func (stubClient) Identity(ctx context.Context) (telegram.Identity, error) {
	return telegram.Identity{}, nil
}
func (stubClient) JoinChannel(ctx context.Context, link string) error { return nil }
func (stubClient) SendMessage(ctx context.Context, link, text string, silent bool) error {
	return nil
}
func (stubClient) Close(ctx context.Context) error { return nil }

type testServer struct {
	handler http.Handler
	repo    store.Repository
	reg     *registry.Registry
	dataDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	require.NoError(t, store.EnsureSchema(db))
	repo := store.NewSQLiteRepo(db)

	// Zero the stored delay defaults so submissions that omit them don't
	// stagger or count down in real time.
	require.NoError(t, repo.SaveSettings(context.Background(), domain.Settings{Core: 5}))

	dataDir := t.TempDir()
	reg := registry.New()
	runner := worker.NewRunner(reg, repo, telegram.NewPool(stubDialer{}), dataDir)

	return &testServer{
		handler: NewServer(repo, reg, runner, dataDir),
		repo:    repo,
		reg:     reg,
		dataDir: dataDir,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("content-type", "application/json")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

// seedGroup creates a group row plus n session files on disk.
func (s *testServer) seedGroup(t *testing.T, name string, n int) (int64, []string) {
	t.Helper()
	folder := filepath.Join(s.dataDir, name)
	require.NoError(t, os.MkdirAll(folder, 0o755))
	var filenames []string
	for i := 0; i < n; i++ {
		f := string(rune('a'+i)) + ".session"
		require.NoError(t, os.WriteFile(filepath.Join(folder, f), []byte("s"), 0o644))
		filenames = append(filenames, f)
	}
	id, err := s.repo.CreateGroup(context.Background(), name, folder)
	require.NoError(t, err)
	return id, filenames
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/health", nil)
	require.Equal(t, 200, w.Code)
}

func TestSubmitTaskLifecycle(t *testing.T) {
	s := newTestServer(t)
	gid, filenames := s.seedGroup(t, "groupA", 2)

	w := s.do(t, "POST", "/api/tasks", map[string]any{
		"task":      "check-live",
		"group_id":  gid,
		"filenames": filenames,
		"core":      2,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)

	// Poll until the run settles; the stub dialer reports every session dead.
	var status struct {
		Status    string           `json:"status"`
		Total     int              `json:"total"`
		Processed int              `json:"processed"`
		Success   int              `json:"success"`
		Failed    int              `json:"failed"`
		Results   []domain.Outcome `json:"results"`
		Messages  []string         `json:"messages"`
	}
	var results []domain.Outcome
	require.Eventually(t, func() bool {
		w := s.do(t, "GET", "/api/tasks/"+resp.TaskID, nil)
		if w.Code != 200 {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			return false
		}
		results = append(results, status.Results...)
		return status.Status == string(domain.StatusCompleted)
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 2, status.Processed)
	require.Equal(t, 0, status.Success)
	require.Equal(t, 2, status.Failed)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equal(t, "Dead", r.StatusText)
	}

	// Buffers were drained while polling; one more poll returns no results.
	w = s.do(t, "GET", "/api/tasks/"+resp.TaskID, nil)
	require.Equal(t, 200, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Empty(t, status.Results)
	require.Empty(t, status.Messages)
}

// awaitTask polls the status endpoint until the task settles, accumulating
// everything drained along the way.
func (s *testServer) awaitTask(t *testing.T, id string) (results []domain.Outcome, messages []string) {
	t.Helper()
	var status struct {
		Status   string           `json:"status"`
		Results  []domain.Outcome `json:"results"`
		Messages []string         `json:"messages"`
	}
	require.Eventually(t, func() bool {
		w := s.do(t, "GET", "/api/tasks/"+id, nil)
		if w.Code != 200 {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			return false
		}
		results = append(results, status.Results...)
		messages = append(messages, status.Messages...)
		return domain.TaskStatus(status.Status).Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return results, messages
}

func TestSubmitFallsBackToStoredSettings(t *testing.T) {
	s := newTestServer(t)
	gid, filenames := s.seedGroup(t, "groupA", 2)

	// Stored defaults: one unit per batch, a 2s pause between batches.
	require.NoError(t, s.repo.SaveSettings(context.Background(), domain.Settings{
		Core: 1, DelayBetweenBatches: 2,
	}))

	w := s.do(t, "POST", "/api/tasks", map[string]any{
		"task": "check-live", "group_id": gid, "filenames": filenames,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// The omitted knobs came from the settings row: two single-unit batches
	// separated by a per-second countdown.
	results, messages := s.awaitTask(t, resp.TaskID)
	require.Len(t, results, 2)
	require.Contains(t, messages, "Waiting for next batch... 2s")
	require.Contains(t, messages, "Waiting for next batch... 1s")
}

func TestSubmitExplicitZeroOverridesStoredDelay(t *testing.T) {
	s := newTestServer(t)
	gid, filenames := s.seedGroup(t, "groupA", 2)

	require.NoError(t, s.repo.SaveSettings(context.Background(), domain.Settings{
		Core: 1, DelayBetweenBatches: 600,
	}))

	w := s.do(t, "POST", "/api/tasks", map[string]any{
		"task": "check-live", "group_id": gid, "filenames": filenames,
		"delay_between_batches": 0,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// An explicit zero wins over the stored 600s default, so the run settles
	// immediately with no countdown lines.
	results, messages := s.awaitTask(t, resp.TaskID)
	require.Len(t, results, 2)
	require.Empty(t, messages)
}

func TestSubmitTaskValidation(t *testing.T) {
	s := newTestServer(t)
	gid, filenames := s.seedGroup(t, "groupA", 1)

	w := s.do(t, "POST", "/api/tasks", map[string]any{
		"task": "mine-bitcoin", "group_id": gid, "filenames": filenames,
	})
	require.Equal(t, 400, w.Code)

	w = s.do(t, "POST", "/api/tasks", map[string]any{
		"task": "check-live", "group_id": gid,
	})
	require.Equal(t, 400, w.Code)

	w = s.do(t, "POST", "/api/tasks", map[string]any{
		"task": "check-live", "group_id": 9999, "filenames": filenames,
	})
	require.Equal(t, 404, w.Code)
}

func TestStopUnknownTask(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "POST", "/api/tasks/tsk_missing/stop", nil)
	require.Equal(t, 404, w.Code)
	w = s.do(t, "GET", "/api/tasks/tsk_missing", nil)
	require.Equal(t, 404, w.Code)
}

func TestDeleteTaskEvictsTerminalEntries(t *testing.T) {
	s := newTestServer(t)
	s.reg.Create("tsk_done", domain.OpCheckLive, 1, 1)

	// Still running: refuse to evict.
	w := s.do(t, "DELETE", "/api/tasks/tsk_done", nil)
	require.Equal(t, 409, w.Code)

	s.reg.SetStatus("tsk_done", domain.StatusCompleted)
	w = s.do(t, "DELETE", "/api/tasks/tsk_done", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, "GET", "/api/tasks/tsk_done", nil)
	require.Equal(t, 404, w.Code)
	w = s.do(t, "DELETE", "/api/tasks/tsk_done", nil)
	require.Equal(t, 404, w.Code)
}

func TestActiveTasks(t *testing.T) {
	s := newTestServer(t)
	s.reg.Create("tsk_1", domain.OpCheckLive, 1, 3)

	w := s.do(t, "GET", "/api/tasks/active", nil)
	require.Equal(t, 200, w.Code)
	var active map[string]domain.Progress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	require.Contains(t, active, "tsk_1")
}

func TestCreateGroupMultipart(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "fresh pool"))
	fw, err := mw.CreateFormFile("session_files", "+84900000001.session")
	require.NoError(t, err)
	fw.Write([]byte("binary session data"))
	fw, err = mw.CreateFormFile("session_files", "notes.txt") // ignored
	require.NoError(t, err)
	fw.Write([]byte("not a session"))
	require.NoError(t, mw.Close())
	body := buf.String()

	req := httptest.NewRequest("POST", "/api/groups", strings.NewReader(body))
	req.Header.Set("content-type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	group, err := s.repo.GetGroupByName(context.Background(), "fresh pool")
	require.NoError(t, err)
	files, err := telegram.SessionFiles(group.FolderPath)
	require.NoError(t, err)
	require.Equal(t, []string{"+84900000001.session"}, files)

	// Same name again is a conflict.
	req = httptest.NewRequest("POST", "/api/groups", strings.NewReader(body))
	req.Header.Set("content-type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	require.Equal(t, 409, w.Code)
}

func TestListGroupSessions(t *testing.T) {
	s := newTestServer(t)
	gid, _ := s.seedGroup(t, "groupA", 1)

	folder := filepath.Join(s.dataDir, "groupA")
	require.NoError(t, os.WriteFile(filepath.Join(folder, "+84912345678.session"), []byte("s"), 0o644))
	require.NoError(t, s.repo.UpsertOutcome(context.Background(), gid, domain.Outcome{
		Filename: "+84912345678.session", IsLive: true, FullName: "Known", Username: "known", StatusText: "Live",
	}))

	w := s.do(t, "GET", "/api/groups/"+itoa(gid)+"/sessions", nil)
	require.Equal(t, 200, w.Code)

	var sessions []struct {
		Phone      string `json:"phone"`
		Filename   string `json:"filename"`
		FullName   string `json:"full_name"`
		StatusText string `json:"status_text"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 2)

	byFile := map[string]string{}
	for _, v := range sessions {
		byFile[v.Filename] = v.FullName
	}
	require.Equal(t, "Known", byFile["+84912345678.session"])
	require.Equal(t, "Not checked", byFile["a.session"])

	for _, v := range sessions {
		if v.Filename == "+84912345678.session" {
			require.Equal(t, "+84912345678", v.Phone)
		}
	}
}

func TestProxyAndSettingsRoundTrip(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/api/proxies", map[string]any{
		"enabled": true,
		"proxies": "socks5://h1:1080\n\n  h2:9050  \n",
	})
	require.Equal(t, 200, w.Code)

	w = s.do(t, "GET", "/api/proxies", nil)
	require.Equal(t, 200, w.Code)
	var cfg domain.ProxyConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	require.True(t, cfg.Enabled)
	require.Equal(t, []string{"socks5://h1:1080", "h2:9050"}, cfg.Proxies)

	w = s.do(t, "POST", "/api/settings", domain.Settings{
		Core: 7, DelayPerSession: 1, DelayBetweenBatches: 30, AdminEnabled: true, AdminDelay: 5,
	})
	require.Equal(t, 200, w.Code)

	w = s.do(t, "GET", "/api/settings", nil)
	var settings domain.Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	require.Equal(t, 7, settings.Core)
	require.True(t, settings.AdminEnabled)
}

func TestTaskConfigRoundTrip(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/api/config/seed-message", map[string]any{
		"group_links": []string{"https://t.me/x"},
		"messages":    []string{"hi"},
	})
	require.Equal(t, 200, w.Code)

	w = s.do(t, "GET", "/api/config/seed-message", nil)
	require.Equal(t, 200, w.Code)
	var seed domain.SeedConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &seed))
	require.Equal(t, []string{"https://t.me/x"}, seed.GroupLinks)

	// Unknown configs read as empty objects.
	w = s.do(t, "GET", "/api/config/never-saved", nil)
	require.Equal(t, 200, w.Code)
	require.JSONEq(t, `{}`, w.Body.String())
}

func TestUpdateSessionInfoValidation(t *testing.T) {
	s := newTestServer(t)
	gid, filenames := s.seedGroup(t, "groupA", 1)

	w := s.do(t, "POST", "/api/sessions/update-info", map[string]any{
		"group_id": gid, "filename": filenames[0], "field": "is_live", "value": "1",
	})
	require.Equal(t, 400, w.Code)

	w = s.do(t, "POST", "/api/sessions/update-info", map[string]any{
		"group_id": gid, "filename": filenames[0], "field": "full_name", "value": "Renamed",
	})
	require.Equal(t, 200, w.Code)

	metas, err := s.repo.ListSessionMeta(context.Background(), gid)
	require.NoError(t, err)
	require.Equal(t, "Renamed", metas[0].FullName)
}

func TestDeleteSessionsRefusedWhileRunning(t *testing.T) {
	s := newTestServer(t)
	gid, filenames := s.seedGroup(t, "groupA", 2)

	s.reg.Create("tsk_busy", domain.OpCheckLive, gid, 1)
	w := s.do(t, "POST", "/api/sessions/delete", map[string]any{
		"group_id": gid, "filenames": filenames,
	})
	require.Equal(t, 409, w.Code)

	s.reg.SetStatus("tsk_busy", domain.StatusCompleted)
	w = s.do(t, "POST", "/api/sessions/delete", map[string]any{
		"group_id": gid, "filenames": []string{filenames[0], "ghost.session", "../evil"},
	})
	require.Equal(t, 200, w.Code)

	var resp struct {
		Deleted []string `json:"deleted"`
		Missing []string `json:"missing"`
		Failed  []string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, []string{filenames[0]}, resp.Deleted)
	require.Equal(t, []string{"ghost.session"}, resp.Missing)
	require.Equal(t, []string{"../evil"}, resp.Failed)
}

func TestScheduleEndpoints(t *testing.T) {
	s := newTestServer(t)
	gid, _ := s.seedGroup(t, "groupA", 1)

	w := s.do(t, "POST", "/api/schedules", map[string]any{
		"name": "nightly", "cron_expr": "not a cron", "group_id": gid, "enabled": true,
	})
	require.Equal(t, 400, w.Code)

	w = s.do(t, "POST", "/api/schedules", map[string]any{
		"name": "nightly", "cron_expr": "0 3 * * *", "group_id": gid, "enabled": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = s.do(t, "GET", "/api/schedules", nil)
	require.Equal(t, 200, w.Code)
	var list []domain.Schedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)

	w = s.do(t, "PUT", "/api/schedules/"+created.ID, map[string]any{
		"cron_expr": "30 4 * * *", "enabled": false,
	})
	require.Equal(t, 200, w.Code)

	w = s.do(t, "GET", "/api/schedules/"+created.ID, nil)
	var got domain.Schedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "30 4 * * *", got.CronExpr)
	require.False(t, got.Enabled)

	w = s.do(t, "DELETE", "/api/schedules/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, "GET", "/api/schedules/"+created.ID, nil)
	require.Equal(t, 404, w.Code)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
