package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultExecTimeout = 30 * time.Second
	DefaultMaxOutput   = 10000
)

type denyRule struct {
	re     *regexp.Regexp
	reason string
}

// denyRules reject destructive commands before a shell is started.
var denyRules = []denyRule{
	{regexp.MustCompile(`\brm\s+(-[rf]+\s+)*[/~]`), "recursive delete of / or ~"},
	{regexp.MustCompile(`\brm\s+-rf\b`), "rm -rf"},
	{regexp.MustCompile(`\bdd\b.*\bof=/dev/`), "raw device write"},
	{regexp.MustCompile(`>\s*/dev/sd`), "raw device write"},
	{regexp.MustCompile(`\b(mkfs|fdisk)\b`), "disk formatting"},
	{regexp.MustCompile(`\bchmod\s+-R\s+777\b`), "recursive chmod 777"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`), "fork bomb"},
	{regexp.MustCompile(`\b(shutdown|reboot|halt)\b|\binit\s+[0-6]\b`), "power control"},
}

const blockedPrefix = "Error: command blocked"

// blockedReason returns why command is refused, or "".
func blockedReason(command string) string {
	for _, r := range denyRules {
		if r.re.MatchString(command) {
			return r.reason
		}
	}
	return ""
}

// ExecTool runs `sh -c` with a hard timeout. When WorkDir is set, commands
// start there and working_dir may only point below it.
type ExecTool struct {
	Timeout   time.Duration
	MaxOutput int
	WorkDir   string
}

func NewExecTool(timeout time.Duration, maxOutput int, workDir string) *ExecTool {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &ExecTool{Timeout: timeout, MaxOutput: maxOutput, WorkDir: workDir}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command and return stdout, stderr and the exit code."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":     map[string]any{"type": "string", "description": "Shell command line"},
			"working_dir": map[string]any{"type": "string", "description": "Directory to run in"},
		},
		"required": []string{"command"},
	}
}

// Execute reports every failure in the returned text.
func (t *ExecTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command := GetString(params, "command", "")
	if strings.TrimSpace(command) == "" {
		return "Error: command is required", nil
	}
	if reason := blockedReason(command); reason != "" {
		return fmt.Sprintf("%s (%s)", blockedPrefix, reason), nil
	}
	dir := t.WorkDir
	if wd := GetString(params, "working_dir", ""); wd != "" {
		resolved, err := fsRoot(t.WorkDir).resolve(wd)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		dir = resolved
	}

	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	runErr := cmd.Run()

	out := combineOutput(stdout.String(), stderr.String())
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return truncate(fmt.Sprintf("Error: command timed out after %v\n%s", t.Timeout, out), t.MaxOutput), nil
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(runErr, &exitErr):
		out += fmt.Sprintf("\nExit code: %d", exitErr.ExitCode())
	case runErr != nil:
		return fmt.Sprintf("Error: cannot run command: %v", runErr), nil
	case out == "":
		return "(no output)", nil
	}
	return truncate(out, t.MaxOutput), nil
}

func combineOutput(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return "STDERR:\n" + stderr
	}
	return stdout + "\nSTDERR:\n" + stderr
}

// truncate keeps the first max bytes, backing up to a rune boundary, and
// says how much was dropped.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return fmt.Sprintf("%s\n... (truncated, %d more chars)", s[:cut], len(s)-cut)
}
