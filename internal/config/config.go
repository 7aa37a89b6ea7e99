// Package config provides configuration types and loading for clawcore.
package config

import (
	"time"

	"github.com/KafClaw/clawcore/internal/router"
	"github.com/KafClaw/clawcore/internal/scheduler"
)

// Config is the root configuration struct.
type Config struct {
	Paths       PathsConfig                 `json:"paths"`
	Model       ModelConfig                 `json:"model"`
	Provider    ProviderConfig              `json:"provider"`
	Loop        LoopConfig                  `json:"loop"`
	Router      RouterConfig                `json:"router"`
	Memory      MemoryConfig                `json:"memory"`
	Compaction  CompactionConfig            `json:"compaction"`
	Skills      SkillsConfig                `json:"skills"`
	Agents      AgentsConfig                `json:"agents"`
	Scheduler   SchedulerConfig             `json:"scheduler"`
	Maintenance scheduler.MaintenanceConfig `json:"maintenance"`
	Tools       ToolsConfig                 `json:"tools"`
	Channels    ChannelsConfig              `json:"channels"`
	Log         LogConfig                   `json:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem locations. Empty derived paths are filled
// in below DataDir by Load.
type PathsConfig struct {
	DataDir   string `json:"dataDir" envconfig:"DATA_DIR"`
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	Database  string `json:"database" envconfig:"DATABASE"`
	SkillsDir string `json:"skillsDir" envconfig:"SKILLS_DIR"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig selects the model and its limits.
type ModelConfig struct {
	Name         string `json:"name" envconfig:"NAME"`
	MaxTokens    int    `json:"maxTokens" envconfig:"MAX_TOKENS"`
	ContextLimit int    `json:"contextLimit" envconfig:"CONTEXT_LIMIT"`
}

// ProviderConfig points at an OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey      string        `json:"apiKey" envconfig:"API_KEY"`
	APIBase     string        `json:"apiBase,omitempty" envconfig:"API_BASE"`
	MaxAttempts int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	RetryBase   time.Duration `json:"retryBase" envconfig:"RETRY_BASE"`
}

// ---------------------------------------------------------------------------
// Core loops
// ---------------------------------------------------------------------------

// LoopConfig drives the main reasoning loop.
type LoopConfig struct {
	TickInterval     time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxRounds        int           `json:"maxRounds" envconfig:"MAX_ROUNDS"`
	MemoryLimit      int           `json:"memoryLimit" envconfig:"MEMORY_LIMIT"`
	HistoryLimit     int           `json:"historyLimit" envconfig:"HISTORY_LIMIT"`
	ExtractMemories  bool          `json:"extractMemories" envconfig:"EXTRACT_MEMORIES"`
	MaxSpawnAttempts int           `json:"maxSpawnAttempts" envconfig:"MAX_SPAWN_ATTEMPTS"`
	Identity         string        `json:"identity,omitempty" envconfig:"IDENTITY"`
	HomeChannel      string        `json:"homeChannel" envconfig:"HOME_CHANNEL"`
	HomeConversation string        `json:"homeConversation" envconfig:"HOME_CONVERSATION"`

	MaxSessionMessages int `json:"maxSessionMessages" envconfig:"MAX_SESSION_MESSAGES"`
}

// RouterConfig holds the routing rules, evaluated in order.
type RouterConfig struct {
	Interval time.Duration `json:"interval" envconfig:"INTERVAL"`
	Rules    []router.Rule `json:"rules" ignored:"true"`
}

// MemoryConfig configures the long-term memory engine.
type MemoryConfig struct {
	SynonymsFile string `json:"synonymsFile,omitempty" envconfig:"SYNONYMS_FILE"`
}

// CompactionConfig controls context compaction.
type CompactionConfig struct {
	Threshold float64 `json:"threshold" envconfig:"THRESHOLD"`
	KeepRatio float64 `json:"keepRatio" envconfig:"KEEP_RATIO"`
}

// SkillsConfig configures the skill library.
type SkillsConfig struct {
	MaxPerTurn          int      `json:"maxPerTurn" envconfig:"MAX_PER_TURN"`
	ExtraBlockedPhrases []string `json:"extraBlockedPhrases" envconfig:"EXTRA_BLOCKED_PHRASES"`
	PatternCacheSize    int      `json:"patternCacheSize" envconfig:"PATTERN_CACHE_SIZE"`
	Watch               bool     `json:"watch" envconfig:"WATCH"`
}

// AgentsConfig bounds sub-agent spawning.
type AgentsConfig struct {
	MaxConcurrent int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	Timeout       time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	MaxIterations int           `json:"maxIterations" envconfig:"MAX_ITERATIONS"`
	HistorySize   int           `json:"historySize" envconfig:"HISTORY_SIZE"`
	Model         string        `json:"model,omitempty" envconfig:"MODEL"`
}

// ---------------------------------------------------------------------------
// Scheduler – recurring maintenance
// ---------------------------------------------------------------------------

// SchedulerConfig contains settings for the maintenance scheduler.
type SchedulerConfig struct {
	Enabled      bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	LockPath     string        `json:"lockPath" envconfig:"LOCK_PATH"`
}

// ---------------------------------------------------------------------------
// Tools – tool-specific behaviour
// ---------------------------------------------------------------------------

// ToolsConfig contains tool-specific settings.
type ToolsConfig struct {
	Exec             ExecToolConfig `json:"exec"`
	ReadFileMaxBytes int            `json:"readFileMaxBytes" envconfig:"READ_FILE_MAX_BYTES"`
}

// ExecToolConfig contains shell execution tool settings.
type ExecToolConfig struct {
	Timeout             time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	MaxOutput           int           `json:"maxOutput" envconfig:"MAX_OUTPUT"`
	RestrictToWorkspace bool          `json:"restrictToWorkspace" envconfig:"RESTRICT_WORKSPACE"`
}

// ---------------------------------------------------------------------------
// Channels – messaging integrations
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Kafka    KafkaConfig    `json:"kafka"`
}

// SlackConfig configures the Slack Socket Mode channel.
type SlackConfig struct {
	Enabled        bool     `json:"enabled" envconfig:"ENABLED"`
	BotToken       string   `json:"botToken" envconfig:"BOT_TOKEN"`
	AppToken       string   `json:"appToken" envconfig:"APP_TOKEN"`
	BotUserID      string   `json:"botUserId,omitempty" envconfig:"BOT_USER_ID"`
	APIBase        string   `json:"apiBase,omitempty" envconfig:"API_BASE"`
	AllowFrom      []string `json:"allowFrom" envconfig:"ALLOW_FROM"`
	RequireMention bool     `json:"requireMention" envconfig:"REQUIRE_MENTION"`
}

// WhatsAppConfig configures the native WhatsApp channel.
type WhatsAppConfig struct {
	Enabled      bool     `json:"enabled" envconfig:"ENABLED"`
	DBPath       string   `json:"dbPath" envconfig:"DB_PATH"`
	QRPath       string   `json:"qrPath,omitempty" envconfig:"QR_PATH"`
	AllowFrom    []string `json:"allowFrom" envconfig:"ALLOW_FROM"`
	IgnoreGroups bool     `json:"ignoreGroups" envconfig:"IGNORE_GROUPS"`
}

// KafkaConfig configures the Kafka event channel.
type KafkaConfig struct {
	Enabled       bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers       string `json:"brokers" envconfig:"BROKERS"`
	GroupID       string `json:"groupId" envconfig:"GROUP_ID"`
	InboundTopic  string `json:"inboundTopic" envconfig:"INBOUND_TOPIC"`
	OutboundTopic string `json:"outboundTopic" envconfig:"OUTBOUND_TOPIC"`
}

// LogConfig sets the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `json:"level" envconfig:"LEVEL"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:   "~/.clawcore",
			Workspace: "~/.clawcore/workspace",
		},
		Model: ModelConfig{
			Name:         "gpt-4o-mini",
			MaxTokens:    4096,
			ContextLimit: 128000,
		},
		Provider: ProviderConfig{
			APIBase:     "https://api.openai.com/v1",
			MaxAttempts: 3,
			RetryBase:   time.Second,
		},
		Loop: LoopConfig{
			TickInterval:     500 * time.Millisecond,
			MaxRounds:        10,
			MemoryLimit:      5,
			HistoryLimit:     100,
			ExtractMemories:  true,
			MaxSpawnAttempts: 5,

			MaxSessionMessages: 1000,
		},
		Router: RouterConfig{
			Interval: 500 * time.Millisecond,
		},
		Compaction: CompactionConfig{
			Threshold: 0.7,
			KeepRatio: 0.3,
		},
		Skills: SkillsConfig{
			MaxPerTurn:       3,
			PatternCacheSize: 512,
			Watch:            true,
		},
		Agents: AgentsConfig{
			MaxConcurrent: 3,
			Timeout:       300 * time.Second,
			MaxIterations: 20,
			HistorySize:   50,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: 30 * time.Second,
		},
		Maintenance: scheduler.DefaultMaintenanceConfig(),
		Tools: ToolsConfig{
			Exec: ExecToolConfig{
				Timeout:             30 * time.Second,
				MaxOutput:           10000,
				RestrictToWorkspace: true,
			},
			ReadFileMaxBytes: 100000,
		},
		Channels: ChannelsConfig{
			Kafka: KafkaConfig{
				GroupID:       "clawcore",
				InboundTopic:  "clawcore.inbound",
				OutboundTopic: "clawcore.outbound",
			},
		},
		Log: LogConfig{Level: "info"},
	}
}
