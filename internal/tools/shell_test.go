package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func execute(t *testing.T, tool *ExecTool, params map[string]any) string {
	t.Helper()
	out, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("exec returned error %v; failures must be text", err)
	}
	return out
}

func TestExecToolOutput(t *testing.T) {
	tool := NewExecTool(5*time.Second, 0, "")
	cases := []struct {
		command string
		want    []string
	}{
		{"echo hello", []string{"hello"}},
		{"true", []string{"(no output)"}},
		{"echo oops >&2; exit 3", []string{"STDERR:\noops", "Exit code: 3"}},
		{"echo out; echo err >&2", []string{"out\n\nSTDERR:\nerr"}},
	}
	for _, tc := range cases {
		got := execute(t, tool, map[string]any{"command": tc.command})
		for _, w := range tc.want {
			if !strings.Contains(got, w) {
				t.Errorf("%q: output %q lacks %q", tc.command, got, w)
			}
		}
	}
	if got := execute(t, tool, map[string]any{"command": "  "}); got != "Error: command is required" {
		t.Errorf("empty command = %q", got)
	}
}

func TestExecToolTimeout(t *testing.T) {
	tool := NewExecTool(100*time.Millisecond, 0, "")
	start := time.Now()
	got := execute(t, tool, map[string]any{"command": "sleep 10"})
	if !strings.Contains(got, "timed out after 100ms") {
		t.Errorf("output = %q", got)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestExecToolTruncates(t *testing.T) {
	tool := NewExecTool(5*time.Second, 100, "")
	got := execute(t, tool, map[string]any{"command": "head -c 1000 /dev/zero | tr '\\0' 'x'"})
	if !strings.HasPrefix(got, strings.Repeat("x", 100)+"\n") || !strings.Contains(got, "truncated, 900 more chars") {
		t.Errorf("output = %q", got)
	}
}

func TestExecToolBlocksDestructiveCommands(t *testing.T) {
	tool := NewExecTool(5*time.Second, 0, "")
	for _, cmd := range []string{
		"rm -rf /",
		"rm -rf ~",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sdb1",
		"chmod -R 777 /",
		"shutdown -h now",
		":(){ :|:& };:",
	} {
		if got := execute(t, tool, map[string]any{"command": cmd}); !strings.HasPrefix(got, blockedPrefix) {
			t.Errorf("%q not blocked: %q", cmd, got)
		}
	}
	if blockedReason("ls -la && git status") != "" {
		t.Error("harmless command blocked")
	}
}

func TestExecToolWorkingDir(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	tool := NewExecTool(5*time.Second, 0, root)

	if got := execute(t, tool, map[string]any{"command": "pwd"}); !strings.Contains(got, root) {
		t.Errorf("default dir output = %q", got)
	}
	if got := execute(t, tool, map[string]any{"command": "pwd", "working_dir": "sub"}); !strings.Contains(got, filepath.Join(root, "sub")) {
		t.Errorf("relative dir output = %q", got)
	}
	if got := execute(t, tool, map[string]any{"command": "pwd", "working_dir": "/"}); !strings.Contains(got, "outside the workspace") {
		t.Errorf("escape output = %q", got)
	}
}

func TestTruncateRuneBoundary(t *testing.T) {
	if got := truncate("héllo", 2); !strings.HasPrefix(got, "h\n") {
		t.Errorf("cut inside a rune: %q", got)
	}
	if truncate("short", 10) != "short" {
		t.Error("short strings must be untouched")
	}
}
