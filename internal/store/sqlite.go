package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"seedpanel/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS session_groups (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE,
  folder_path TEXT NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS session_metadata (
  group_id INTEGER NOT NULL,
  filename TEXT NOT NULL,
  full_name TEXT NOT NULL DEFAULT '',
  username TEXT NOT NULL DEFAULT '',
  is_live INTEGER,
  status_text TEXT NOT NULL DEFAULT '',
  last_checked DATETIME,
  PRIMARY KEY (group_id, filename),
  FOREIGN KEY (group_id) REFERENCES session_groups(id)
);
CREATE TABLE IF NOT EXISTS task_configs (
  task_name TEXT PRIMARY KEY,
  config_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS proxy_config (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  enabled INTEGER NOT NULL DEFAULT 0,
  proxies TEXT NOT NULL DEFAULT '[]'
);
INSERT OR IGNORE INTO proxy_config (id, enabled, proxies) VALUES (1, 0, '[]');
CREATE TABLE IF NOT EXISTS seeding_settings (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  core INTEGER NOT NULL DEFAULT 5,
  delay_per_session INTEGER NOT NULL DEFAULT 10,
  delay_between_batches INTEGER NOT NULL DEFAULT 600,
  admin_enabled INTEGER NOT NULL DEFAULT 0,
  admin_delay INTEGER NOT NULL DEFAULT 10
);
INSERT OR IGNORE INTO seeding_settings (id) VALUES (1);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  group_id INTEGER NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// Session groups
	CreateGroup(ctx context.Context, name, folderPath string) (int64, error)
	UpsertGroup(ctx context.Context, name, folderPath string) error
	GetGroup(ctx context.Context, id int64) (domain.Group, error)
	GetGroupByName(ctx context.Context, name string) (domain.Group, error)
	ListGroups(ctx context.Context) ([]domain.Group, error)
	DeleteGroup(ctx context.Context, id int64) error

	// Per-session results
	UpsertOutcome(ctx context.Context, groupID int64, o domain.Outcome) error
	ListSessionMeta(ctx context.Context, groupID int64) ([]domain.SessionMeta, error)
	UpdateSessionField(ctx context.Context, groupID int64, filename, field, value string) error
	DeleteSessionMeta(ctx context.Context, groupID int64, filename string) error

	// Task configs, proxies, global settings
	GetConfig(ctx context.Context, taskName string) (json.RawMessage, error)
	SaveConfig(ctx context.Context, taskName string, cfg json.RawMessage) error
	LoadProxyConfig(ctx context.Context) (domain.ProxyConfig, error)
	SaveProxyConfig(ctx context.Context, cfg domain.ProxyConfig) error
	LoadSettings(ctx context.Context) (domain.Settings, error)
	SaveSettings(ctx context.Context, s domain.Settings) error

	// Auto-run schedules
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) CreateGroup(ctx context.Context, name, folderPath string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO session_groups (name, folder_path) VALUES (?, ?)`, name, folderPath)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *sqliteRepo) UpsertGroup(ctx context.Context, name, folderPath string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO session_groups (name, folder_path) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET folder_path=excluded.folder_path`, name, folderPath)
	return err
}

func (r *sqliteRepo) scanGroup(row *sql.Row) (domain.Group, error) {
	var g domain.Group
	if err := row.Scan(&g.ID, &g.Name, &g.FolderPath, &g.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Group{}, ErrNotFound
		}
		return domain.Group{}, err
	}
	return g, nil
}

func (r *sqliteRepo) GetGroup(ctx context.Context, id int64) (domain.Group, error) {
	return r.scanGroup(r.db.QueryRowContext(ctx,
		`SELECT id, name, folder_path, created_at FROM session_groups WHERE id=?`, id))
}

func (r *sqliteRepo) GetGroupByName(ctx context.Context, name string) (domain.Group, error) {
	return r.scanGroup(r.db.QueryRowContext(ctx,
		`SELECT id, name, folder_path, created_at FROM session_groups WHERE name=?`, name))
}

func (r *sqliteRepo) ListGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, folder_path, created_at FROM session_groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.FolderPath, &g.CreatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *sqliteRepo) DeleteGroup(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM session_metadata WHERE group_id=?`, id); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_groups WHERE id=?`, id)
	return err
}

// UpsertOutcome persists one unit's result keyed by (group, filename).
// Identity fields are only overwritten by non-empty values so a failed check
// never blanks a previously learned name.
func (r *sqliteRepo) UpsertOutcome(ctx context.Context, groupID int64, o domain.Outcome) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO session_metadata (group_id, filename, full_name, username, is_live, status_text, last_checked)
VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(group_id, filename) DO UPDATE SET
  full_name = CASE WHEN excluded.full_name <> '' THEN excluded.full_name ELSE full_name END,
  username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE username END,
  is_live = excluded.is_live,
  status_text = excluded.status_text,
  last_checked = CURRENT_TIMESTAMP`,
		groupID, o.Filename, o.FullName, o.Username, o.IsLive, o.StatusText)
	return err
}

func (r *sqliteRepo) ListSessionMeta(ctx context.Context, groupID int64) ([]domain.SessionMeta, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT group_id, filename, full_name, username, is_live, status_text, last_checked
FROM session_metadata WHERE group_id=? ORDER BY filename`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []domain.SessionMeta
	for rows.Next() {
		var m domain.SessionMeta
		var isLive sql.NullBool
		var checked sql.NullTime
		if err := rows.Scan(&m.GroupID, &m.Filename, &m.FullName, &m.Username, &isLive, &m.StatusText, &checked); err != nil {
			return nil, err
		}
		if isLive.Valid {
			v := isLive.Bool
			m.IsLive = &v
		}
		if checked.Valid {
			t := checked.Time
			m.LastChecked = &t
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func (r *sqliteRepo) UpdateSessionField(ctx context.Context, groupID int64, filename, field, value string) error {
	var stmt string
	switch field {
	case "full_name":
		stmt = `
INSERT INTO session_metadata (group_id, filename, full_name) VALUES (?, ?, ?)
ON CONFLICT(group_id, filename) DO UPDATE SET full_name=excluded.full_name`
	case "username":
		stmt = `
INSERT INTO session_metadata (group_id, filename, username) VALUES (?, ?, ?)
ON CONFLICT(group_id, filename) DO UPDATE SET username=excluded.username`
	default:
		return errors.New("invalid field")
	}
	_, err := r.db.ExecContext(ctx, stmt, groupID, filename, value)
	return err
}

func (r *sqliteRepo) DeleteSessionMeta(ctx context.Context, groupID int64, filename string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM session_metadata WHERE group_id=? AND filename=?`, groupID, filename)
	return err
}

func (r *sqliteRepo) GetConfig(ctx context.Context, taskName string) (json.RawMessage, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		`SELECT config_json FROM task_configs WHERE task_name=?`, taskName).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (r *sqliteRepo) SaveConfig(ctx context.Context, taskName string, cfg json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_configs (task_name, config_json) VALUES (?, ?)
ON CONFLICT(task_name) DO UPDATE SET config_json=excluded.config_json`,
		taskName, string(cfg))
	return err
}

func (r *sqliteRepo) LoadProxyConfig(ctx context.Context) (domain.ProxyConfig, error) {
	var cfg domain.ProxyConfig
	var proxies string
	err := r.db.QueryRowContext(ctx,
		`SELECT enabled, proxies FROM proxy_config WHERE id=1`).Scan(&cfg.Enabled, &proxies)
	if err != nil {
		return domain.ProxyConfig{}, err
	}
	if err := json.Unmarshal([]byte(proxies), &cfg.Proxies); err != nil {
		return domain.ProxyConfig{}, err
	}
	return cfg, nil
}

func (r *sqliteRepo) SaveProxyConfig(ctx context.Context, cfg domain.ProxyConfig) error {
	proxies, err := json.Marshal(cfg.Proxies)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE proxy_config SET enabled=?, proxies=? WHERE id=1`, cfg.Enabled, string(proxies))
	return err
}

func (r *sqliteRepo) LoadSettings(ctx context.Context) (domain.Settings, error) {
	var s domain.Settings
	err := r.db.QueryRowContext(ctx, `
SELECT core, delay_per_session, delay_between_batches, admin_enabled, admin_delay
FROM seeding_settings WHERE id=1`).
		Scan(&s.Core, &s.DelayPerSession, &s.DelayBetweenBatches, &s.AdminEnabled, &s.AdminDelay)
	return s, err
}

func (r *sqliteRepo) SaveSettings(ctx context.Context, s domain.Settings) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE seeding_settings SET core=?, delay_per_session=?, delay_between_batches=?,
  admin_enabled=?, admin_delay=? WHERE id=1`,
		s.Core, s.DelayPerSession, s.DelayBetweenBatches, s.AdminEnabled, s.AdminDelay)
	return err
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id, name, cron_expr, group_id, enabled, last_run, next_run, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		id, s.Name, s.CronExpr, s.GroupID, s.Enabled, s.LastRun, s.NextRun)
	return id, err
}

func (r *sqliteRepo) scanSchedule(scan func(...any) error) (domain.Schedule, error) {
	var s domain.Schedule
	var lastRun sql.NullTime
	err := scan(&s.ID, &s.Name, &s.CronExpr, &s.GroupID, &s.Enabled, &lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	if err != nil {
		return domain.Schedule{}, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRun = &t
	}
	return s, nil
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, cron_expr, group_id, enabled, last_run, next_run, created_at, updated_at
FROM schedules WHERE id=?`, id)
	return r.scanSchedule(row.Scan)
}

func (r *sqliteRepo) listSchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := r.scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.listSchedules(ctx, `
SELECT id, name, cron_expr, group_id, enabled, last_run, next_run, created_at, updated_at
FROM schedules ORDER BY name`)
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?, cron_expr=?, group_id=?, enabled=?, next_run=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, s.Name, s.CronExpr, s.GroupID, s.Enabled, s.NextRun, s.ID)
	return err
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	return err
}

func (r *sqliteRepo) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.listSchedules(ctx, `
SELECT id, name, cron_expr, group_id, enabled, last_run, next_run, created_at, updated_at
FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now)
}

func (r *sqliteRepo) MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?, next_run=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		lastRun, nextRun, id)
	return err
}
