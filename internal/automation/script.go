package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/aviisi/virta/internal/condition"
	"github.com/aviisi/virta/pkg/api"
)

const maxScriptOutputBytes = 64 << 10

// shellDenied blocks obviously destructive shell fragments. The shell
// language is opt-in on top of this; the deny-list is a backstop, not a
// sandbox.
var shellDenied = []string{
	"rm ", "rm\t", "sudo", "dd ", "mkfs", "shutdown", "reboot",
	"> /dev/", ":(){", "chown -R /", "chmod -R /",
}

// scriptHandler runs scripted automations in one of three languages:
//
//   - "expr": the in-process restricted expression grammar. No I/O, no
//     side effects, evaluated directly against the workflow context.
//   - "python": an external interpreter run as a subprocess with the
//     context serialized to stdin as JSON. Killed at the attempt deadline.
//   - "shell": /bin/sh, only when explicitly enabled, with a deny-list
//     for destructive commands.
type scriptHandler struct {
	allowShell bool
	python     string
	logger     *slog.Logger
}

func newScriptHandler(allowShell bool, pythonPath string, logger *slog.Logger) *scriptHandler {
	if pythonPath == "" {
		pythonPath = "python3"
	}
	return &scriptHandler{allowShell: allowShell, python: pythonPath, logger: logger}
}

func (h *scriptHandler) Type() api.AutomationType { return api.AutomationScript }

func (h *scriptHandler) Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	script := cfg.ParamString("script")
	if script == "" {
		return nil, fmt.Errorf("script_execution: script is required")
	}

	language := cfg.ParamString("language")
	switch language {
	case "", "expr":
		value, err := condition.EvaluateExpr(script, data)
		if err != nil {
			return nil, fmt.Errorf("script_execution: %w", err)
		}
		return map[string]any{"result": value}, nil
	case "python":
		return h.runPython(ctx, script, data)
	case "shell":
		if !h.allowShell {
			return nil, fmt.Errorf("script_execution: shell language is disabled")
		}
		return h.runShell(ctx, script)
	default:
		return nil, fmt.Errorf("script_execution: unsupported language %q", language)
	}
}

// runPython writes the script to a temp file and runs the interpreter
// with the workflow context on stdin as JSON. Stdout is parsed back as
// JSON when possible.
func (h *scriptHandler) runPython(ctx context.Context, script string, data map[string]any) (map[string]any, error) {
	path, cleanup, err := writeTempScript(script, "*.py")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	input, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("script_execution: encode context: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.python, path)
	cmd.Stdin = bytes.NewReader(input)
	return h.runCommand(ctx, cmd)
}

func (h *scriptHandler) runShell(ctx context.Context, script string) (map[string]any, error) {
	lowered := strings.ToLower(script)
	for _, denied := range shellDenied {
		if strings.Contains(lowered, denied) {
			return nil, fmt.Errorf("script_execution: blocked shell fragment %q", strings.TrimSpace(denied))
		}
	}

	path, cleanup, err := writeTempScript(script, "*.sh")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return h.runCommand(ctx, exec.CommandContext(ctx, "/bin/sh", path))
}

func (h *scriptHandler) runCommand(ctx context.Context, cmd *exec.Cmd) (map[string]any, error) {
	var stdout, stderr cappedBuffer
	stdout.limit = maxScriptOutputBytes
	stderr.limit = maxScriptOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		// CommandContext killed the process at the deadline.
		return nil, &api.AutomationError{Type: api.AutomationScript, Timeout: true, Err: ctx.Err()}
	}
	if err != nil {
		h.logger.Warn("script failed", "error", err, "stderr", stderr.String())
		return nil, fmt.Errorf("script_execution: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	result := map[string]any{"stdout": out}
	if stderr.Len() > 0 {
		result["stderr"] = strings.TrimSpace(stderr.String())
	}

	var parsed map[string]any
	if json.Unmarshal([]byte(out), &parsed) == nil {
		result["result"] = parsed
	}
	return result, nil
}

// writeTempScript creates the script file and returns its path plus a
// cleanup that removes it once the run finishes.
func writeTempScript(script, pattern string) (string, func(), error) {
	f, err := os.CreateTemp("", "virta-script-"+pattern)
	if err != nil {
		return "", nil, fmt.Errorf("script_execution: temp file: %w", err)
	}
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("script_execution: write script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("script_execution: close script: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// cappedBuffer keeps at most limit bytes and silently drops the rest so
// a chatty script cannot balloon execution records.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
func (b *cappedBuffer) Len() int       { return b.buf.Len() }
