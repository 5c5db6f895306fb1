package domain

import "time"

// OperationKind selects what each work unit does with its session. The kind
// is fixed at submission time; there is no runtime dispatch by name.
type OperationKind string

const (
	OpCheckLive   OperationKind = "check-live"
	OpJoinGroup   OperationKind = "join-group"
	OpSeedMessage OperationKind = "seed-message"
)

func ParseOperationKind(s string) (OperationKind, bool) {
	switch OperationKind(s) {
	case OpCheckLive, OpJoinGroup, OpSeedMessage:
		return OperationKind(s), true
	}
	return "", false
}

type TaskStatus string

const (
	StatusRunning   TaskStatus = "running"
	StatusStopped   TaskStatus = "stopped"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether a task in this status will never mutate again.
func (s TaskStatus) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusFailed
}

// Outcome is the result of driving one session through one operation.
// Identity fields are best effort: blank when the session never authorized.
type Outcome struct {
	Filename   string `json:"filename"`
	IsLive     bool   `json:"is_live"`
	FullName   string `json:"full_name"`
	Username   string `json:"username"`
	StatusText string `json:"status_text"`
}

// Task is one scheduler run over a group's session files.
type Task struct {
	ID                  string
	Kind                OperationKind
	GroupID             int64
	FolderPath          string
	Filenames           []string
	Concurrency         int
	DelayPerSession     time.Duration
	DelayBetweenBatches time.Duration
	AdminEnabled        bool
	AdminDelay          time.Duration
	Proxies             []string

	Join JoinConfig
	Seed SeedConfig
}

// JoinConfig carries the join-group operation's target links.
type JoinConfig struct {
	Links []string `json:"links"`
}

// SeedConfig carries the seeding operation's rotation pools and admin setup.
type SeedConfig struct {
	GroupLinks       []string `json:"group_links"`
	Messages         []string `json:"messages"`
	SendSilent       bool     `json:"send_silent"`
	AdminSessionFile string   `json:"admin_session_file"`
	AdminMessages    []string `json:"admin_messages"`
}

// Progress is a point-in-time snapshot of a task's counters.
type Progress struct {
	Kind      OperationKind `json:"task_name"`
	GroupID   int64         `json:"group_id"`
	Status    TaskStatus    `json:"status"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Success   int           `json:"success"`
	Failed    int           `json:"failed"`
}

// Group is a named folder of uploaded session files.
type Group struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	FolderPath string    `json:"folder_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionMeta is the persisted result row for one (group, filename) pair.
type SessionMeta struct {
	GroupID     int64      `json:"group_id"`
	Filename    string     `json:"filename"`
	FullName    string     `json:"full_name"`
	Username    string     `json:"username"`
	IsLive      *bool      `json:"is_live"`
	StatusText  string     `json:"status_text"`
	LastChecked *time.Time `json:"last_checked"`
}

// ProxyConfig is the stored proxy pool; Proxies holds raw connection strings.
type ProxyConfig struct {
	Enabled bool     `json:"enabled"`
	Proxies []string `json:"proxies"`
}

// Settings are the global defaults applied when a submission omits a knob.
type Settings struct {
	Core                int  `json:"core"`
	DelayPerSession     int  `json:"delay_per_session"`
	DelayBetweenBatches int  `json:"delay_between_batches"`
	AdminEnabled        bool `json:"admin_enabled"`
	AdminDelay          int  `json:"admin_delay"`
}

// Schedule is an auto-run entry: a cron expression that submits a seeding
// task for a group whenever it comes due.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	GroupID   int64      `json:"group_id"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
