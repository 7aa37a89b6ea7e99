package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/clawcore/internal/cron"
)

// setupCLI points the commands at a throwaway data directory.
func setupCLI(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CLAWCORE_HOME", "")
	t.Setenv("CLAWCORE_ENV_FILE", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	path := filepath.Join(home, "config.json")
	body := `{"paths": {"dataDir": "` + filepath.ToSlash(filepath.Join(home, "data")) + `"}, "log": {"level": "error"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CLAWCORE_CONFIG", path)
}

// run executes the root command and returns its standard output.
func run(t *testing.T, args ...string) string {
	t.Helper()
	configPath, verbose = "", false
	memoryLimit, memoryTags, memoryJSON = 20, "", false
	tasksStatus, tasksDesc, tasksPriority, tasksBlockedBy, tasksJSON = "", "", 0, "", false
	cronStatus, cronName, cronSpawn, cronJSON = cron.StatusPending, "", false, false
	skillsJSON = false

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("clawcore %s: %v\n%s", strings.Join(args, " "), err, errOut.String())
	}
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	if got := run(t, "version"); got != "clawcore "+version+"\n" {
		t.Fatalf("version output = %q", got)
	}
}

func TestMemoryCommands(t *testing.T) {
	setupCLI(t)

	if out := run(t, "memory", "add", "--tags", "prefs", "Ada", "prefers", "green", "tea"); !strings.HasPrefix(out, "Stored memory ") {
		t.Fatalf("add output = %q", out)
	}
	run(t, "memory", "add", "Deploys happen on Fridays")

	out := run(t, "memory", "query", "tea")
	if !strings.Contains(out, "Ada prefers green tea") || strings.Contains(out, "Fridays") {
		t.Fatalf("query output = %q", out)
	}

	var listed []map[string]any
	if err := json.Unmarshal([]byte(run(t, "memory", "list", "--json")), &listed); err != nil {
		t.Fatalf("list --json: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d memories, want 2", len(listed))
	}

	if out := run(t, "status"); !strings.Contains(out, "Memories: 2 (archived 0)") {
		t.Fatalf("status output = %q", out)
	}
}

func TestTaskCommands(t *testing.T) {
	setupCLI(t)

	out := run(t, "tasks", "add", "-p", "2", "Write", "release", "notes")
	fields := strings.Fields(out)
	if len(fields) != 3 || fields[0] != "Created" {
		t.Fatalf("add output = %q", out)
	}
	first := fields[2]
	blocked := strings.Fields(run(t, "tasks", "add", "--blocked-by", first, "Publish", "release"))[2]

	ready := run(t, "tasks", "ready")
	if !strings.Contains(ready, "Write release notes") || strings.Contains(ready, blocked) {
		t.Fatalf("ready before completion = %q", ready)
	}

	run(t, "tasks", "set", first, "done")
	if ready := run(t, "tasks", "ready"); !strings.Contains(ready, "Publish release") {
		t.Fatalf("ready after completion = %q", ready)
	}
	if out := run(t, "tasks", "runs", first); !strings.Contains(out, "No runs.") {
		t.Fatalf("runs output = %q", out)
	}
}

func TestCronCommands(t *testing.T) {
	setupCLI(t)

	out := run(t, "cron", "add", "--name", "standup", "10m", "Daily", "standup")
	fields := strings.Fields(out)
	if len(fields) < 4 || fields[1] != cron.PayloadNotify {
		t.Fatalf("add output = %q", out)
	}
	id := fields[3]

	if list := run(t, "cron", "list"); !strings.Contains(list, "standup: Daily standup") {
		t.Fatalf("list output = %q", list)
	}
	run(t, "cron", "cancel", id)
	if list := run(t, "cron", "list"); !strings.Contains(list, "No jobs.") {
		t.Fatalf("list after cancel = %q", list)
	}
	if list := run(t, "cron", "list", "--status", cron.StatusCancelled); !strings.Contains(list, id) {
		t.Fatalf("cancelled list = %q", list)
	}
}

func TestSkillsListEmpty(t *testing.T) {
	setupCLI(t)
	if out := run(t, "skills", "list"); !strings.HasPrefix(out, "No skills.") {
		t.Fatalf("skills list = %q", out)
	}
}
