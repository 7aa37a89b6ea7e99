package store

import (
	"time"
)

// Task status values.
const (
	TaskStatusOpen       = "open"
	TaskStatusInProgress = "in_progress"
	TaskStatusDone       = "done"
	TaskStatusCancelled  = "cancelled"
)

// Task is a unit of tracked work. BlockedBy holds ids of tasks that must be
// done before this one is ready.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	BlockedBy   []string  `json:"blocked_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskRun records one execution attempt against a task.
type TaskRun struct {
	ID         int64      `json:"id"`
	TaskID     string     `json:"task_id"`
	AgentRunID string     `json:"agent_run_id"`
	Status     string     `json:"status"`
	Result     string     `json:"result,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// TokenUsage is one model call's accounting row.
type TokenUsage struct {
	SessionID        string    `json:"session_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// Schema creates every table used by the runtime. Timestamps are unix
// milliseconds so range arithmetic stays in SQL integers.
const Schema = `
CREATE TABLE IF NOT EXISTS buffer (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	sender TEXT,
	conversation TEXT,
	payload TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	priority INTEGER NOT NULL DEFAULT 100,
	routed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_buffer_unrouted ON buffer(routed, priority, id);
CREATE INDEX IF NOT EXISTS idx_buffer_received ON buffer(received_at);

CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	source TEXT,
	tags TEXT,
	score INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_hit_at INTEGER,
	session_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_score ON memories(score);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content, tags, content='memories', content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content, tags) VALUES (new.id, new.content, COALESCE(new.tags, ''));
END;
CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content, tags) VALUES ('delete', old.id, old.content, COALESCE(old.tags, ''));
END;
CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content, tags ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content, tags) VALUES ('delete', old.id, old.content, COALESCE(old.tags, ''));
	INSERT INTO memories_fts(rowid, content, tags) VALUES (new.id, new.content, COALESCE(new.tags, ''));
END;

CREATE TABLE IF NOT EXISTS memories_archive (
	id INTEGER NOT NULL,
	content TEXT NOT NULL,
	source TEXT,
	tags TEXT,
	score INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	last_hit_at INTEGER,
	session_id TEXT,
	archived_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	model TEXT,
	type TEXT NOT NULL DEFAULT 'main'
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls TEXT,
	tool_call_id TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

CREATE TABLE IF NOT EXISTS skills (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	triggers TEXT NOT NULL DEFAULT '[]',
	tools TEXT NOT NULL DEFAULT '[]',
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	priority INTEGER NOT NULL DEFAULT 0,
	blocked_by TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS task_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	agent_run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	started_at INTEGER NOT NULL,
	ended_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id);

CREATE TABLE IF NOT EXISTS cron_jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	schedule_at INTEGER NOT NULL,
	payload_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cron_jobs_status ON cron_jobs(status, schedule_at);

CREATE TABLE IF NOT EXISTS token_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	model TEXT,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_usage_created ON token_usage(created_at);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS maintenance_runs (
	job_name TEXT PRIMARY KEY,
	last_status TEXT,
	last_run_at INTEGER,
	run_count INTEGER NOT NULL DEFAULT 0
);
`
