package config

import (
	"bufio"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// envFileCandidates lists the dotenv files consulted before the config
// file, most specific first.
func envFileCandidates() []string {
	var paths []string
	if explicit := strings.TrimSpace(os.Getenv(EnvPrefix + "_ENV_FILE")); explicit != "" {
		paths = append(paths, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "clawcore", "env"),
			filepath.Join(home, ConfigDir, "env"),
			filepath.Join(home, ConfigDir, ".env"),
		)
	}
	return paths
}

// LoadEnvFileCandidates exports KEY=VALUE pairs from the known env files.
// Variables already present in the process environment win, and a key set
// by an earlier file is not replaced by a later one.
func LoadEnvFileCandidates() {
	seen := make(map[string]bool)
	for _, p := range envFileCandidates() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		n, err := loadEnvFile(p)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			slog.Warn("Env file unreadable", "path", p, "error", err)
		case n > 0:
			slog.Debug("Env file loaded", "path", p, "keys", n)
		}
	}
}

// loadEnvFile sets every variable from path that is not yet defined and
// returns how many it set.
func loadEnvFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	set := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, err
		}
		set++
	}
	return set, sc.Err()
}

// parseEnvLine accepts "KEY=VALUE" and "export KEY=VALUE". Blank lines,
// comments and lines without a key report ok=false.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(val)), true
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
