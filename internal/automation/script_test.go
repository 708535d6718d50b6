package automation

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/aviisi/virta/pkg/api"
)

func TestScriptExprLanguage(t *testing.T) {
	h := newScriptHandler(false, "", slog.Default())

	out, err := h.Execute(context.Background(), api.AutomationConfig{
		Type:   api.AutomationScript,
		Params: map[string]any{"script": `amount > 100 && status == "open"`},
	}, map[string]any{"amount": float64(150), "status": "open"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out["result"] != true {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestScriptExprIsDefaultLanguage(t *testing.T) {
	h := newScriptHandler(false, "", slog.Default())

	out, err := h.Execute(context.Background(), api.AutomationConfig{
		Type:   api.AutomationScript,
		Params: map[string]any{"script": `sum(items)`},
	}, map[string]any{"items": []any{float64(1), float64(2)}})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out["result"] != float64(3) {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestScriptShellDisabledByDefault(t *testing.T) {
	h := newScriptHandler(false, "", slog.Default())

	_, err := h.Execute(context.Background(), api.AutomationConfig{
		Type:   api.AutomationScript,
		Params: map[string]any{"language": "shell", "script": "echo hi"},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("shell must be disabled by default, got %v", err)
	}
}

func TestScriptShellDenyList(t *testing.T) {
	h := newScriptHandler(true, "", slog.Default())

	for _, script := range []string{
		"rm -rf /tmp/x",
		"sudo reboot",
		"dd if=/dev/zero of=/dev/sda",
		"echo x > /dev/sda1",
		"mkfs.ext4 /dev/sdb",
	} {
		_, err := h.Execute(context.Background(), api.AutomationConfig{
			Type:   api.AutomationScript,
			Params: map[string]any{"language": "shell", "script": script},
		}, nil)
		if err == nil || !strings.Contains(err.Error(), "blocked") {
			t.Fatalf("script %q must be blocked, got %v", script, err)
		}
	}
}

func TestScriptUnsupportedLanguage(t *testing.T) {
	h := newScriptHandler(false, "", slog.Default())

	_, err := h.Execute(context.Background(), api.AutomationConfig{
		Type:   api.AutomationScript,
		Params: map[string]any{"language": "cobol", "script": "x"},
	}, nil)
	if err == nil {
		t.Fatal("unsupported language must be rejected")
	}
}

func TestScriptRequiresScript(t *testing.T) {
	h := newScriptHandler(false, "", slog.Default())

	_, err := h.Execute(context.Background(), api.AutomationConfig{Type: api.AutomationScript}, nil)
	if err == nil {
		t.Fatal("empty script must be rejected")
	}
}

func TestCappedBufferDropsOverflow(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("123456"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if b.String() != "1234" {
		t.Fatalf("buffer should cap at limit, got %q", b.String())
	}
}
