package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".clawcore"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CLAWCORE"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CLAWCORE_CONFIG")); explicit != "" {
		return expandHomeWith(explicit, resolveHomeDir)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("CLAWCORE_HOME")); h != "" {
		return expandHomeWith(h, os.UserHomeDir)
	}
	return os.UserHomeDir()
}

func expandHomeWith(p string, home func() (string, error)) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	base, err := home()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p[1:]), nil
}

// Load loads the configuration from the default path and the environment.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		path = ""
	}
	return LoadFrom(path)
}

// LoadFrom loads the configuration from path. A missing file is not an
// error; a malformed one is.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/clawcore/env (and fallbacks) first.
	LoadEnvFileCandidates()

	if path != "" {
		data, err := loadResolvedConfig(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// Fallback for API Key
	if cfg.Provider.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Provider.APIKey = key
		} else if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
			cfg.Provider.APIKey = key
		}
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// applyEnv overrides each group from CLAWCORE_<GROUP>_<FIELD> variables.
func applyEnv(cfg *Config) error {
	groups := []struct {
		prefix string
		spec   any
	}{
		{"PATHS", &cfg.Paths},
		{"MODEL", &cfg.Model},
		{"PROVIDER", &cfg.Provider},
		{"LOOP", &cfg.Loop},
		{"ROUTER", &cfg.Router},
		{"MEMORY", &cfg.Memory},
		{"COMPACTION", &cfg.Compaction},
		{"SKILLS", &cfg.Skills},
		{"AGENTS", &cfg.Agents},
		{"SCHEDULER", &cfg.Scheduler},
		{"MAINTENANCE", &cfg.Maintenance},
		{"TOOLS", &cfg.Tools},
		{"CHANNELS_SLACK", &cfg.Channels.Slack},
		{"CHANNELS_WHATSAPP", &cfg.Channels.WhatsApp},
		{"CHANNELS_KAFKA", &cfg.Channels.Kafka},
		{"LOG", &cfg.Log},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.prefix, g.spec); err != nil {
			return fmt.Errorf("env %s_%s: %w", EnvPrefix, g.prefix, err)
		}
	}
	return nil
}

// resolvePaths expands ~ and derives the paths left empty.
func (c *Config) resolvePaths() error {
	for _, p := range []*string{
		&c.Paths.DataDir, &c.Paths.Workspace, &c.Paths.Database, &c.Paths.SkillsDir,
		&c.Channels.WhatsApp.DBPath, &c.Channels.WhatsApp.QRPath, &c.Scheduler.LockPath,
		&c.Memory.SynonymsFile,
	} {
		expanded, err := expandHomeWith(*p, os.UserHomeDir)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	derive := func(p *string, name string) {
		if strings.TrimSpace(*p) == "" {
			*p = filepath.Join(c.Paths.DataDir, name)
		}
	}
	derive(&c.Paths.Workspace, "workspace")
	derive(&c.Paths.Database, "clawcore.db")
	derive(&c.Paths.SkillsDir, "skills")
	derive(&c.Channels.WhatsApp.DBPath, "whatsapp.db")
	derive(&c.Scheduler.LockPath, "scheduler.lock")
	return nil
}

// normalize replaces out-of-range values with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Loop.TickInterval <= 0 {
		c.Loop.TickInterval = def.Loop.TickInterval
	}
	if c.Loop.MaxRounds <= 0 {
		c.Loop.MaxRounds = def.Loop.MaxRounds
	}
	if c.Router.Interval <= 0 {
		c.Router.Interval = def.Router.Interval
	}
	if c.Agents.MaxConcurrent <= 0 {
		c.Agents.MaxConcurrent = def.Agents.MaxConcurrent
	}
	if c.Agents.Timeout <= 0 {
		c.Agents.Timeout = def.Agents.Timeout
	}
	if c.Agents.MaxIterations <= 0 {
		c.Agents.MaxIterations = def.Agents.MaxIterations
	}
	if c.Compaction.Threshold <= 0 || c.Compaction.Threshold > 1 {
		c.Compaction.Threshold = def.Compaction.Threshold
	}
	if c.Compaction.KeepRatio <= 0 || c.Compaction.KeepRatio > 1 {
		c.Compaction.KeepRatio = def.Compaction.KeepRatio
	}
	if c.Tools.Exec.Timeout <= 0 {
		c.Tools.Exec.Timeout = def.Tools.Exec.Timeout
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "error":
		c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	default:
		c.Log.Level = def.Log.Level
	}
}

// Save writes the configuration to path, or to the default path when path
// is empty.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		if path, err = ConfigPath(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureLayout creates the data, workspace and skills directories.
func EnsureLayout(cfg *Config) error {
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.Workspace, cfg.Paths.SkillsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}

		existing, ok := dst[key]
		if !ok {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		dstMap, dstIsMap := existing.(map[string]any)
		if !dstIsMap {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
