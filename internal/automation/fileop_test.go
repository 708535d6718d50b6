package automation

import (
	"context"
	"testing"

	"github.com/aviisi/virta/pkg/api"
)

func fileCfg(params map[string]any) api.AutomationConfig {
	return api.AutomationConfig{Type: api.AutomationFile, Params: params}
}

func TestFileWriteReadAppendDelete(t *testing.T) {
	h := newFileHandler(t.TempDir())
	ctx := context.Background()

	if _, err := h.Execute(ctx, fileCfg(map[string]any{
		"operation": "write", "path": "reports/out.txt", "content": "hello",
	}), nil); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := h.Execute(ctx, fileCfg(map[string]any{
		"operation": "append", "path": "reports/out.txt", "content": " world",
	}), nil); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	out, err := h.Execute(ctx, fileCfg(map[string]any{
		"operation": "read", "path": "reports/out.txt",
	}), nil)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if out["content"] != "hello world" {
		t.Fatalf("unexpected content: %q", out["content"])
	}

	if _, err := h.Execute(ctx, fileCfg(map[string]any{
		"operation": "delete", "path": "reports/out.txt",
	}), nil); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := h.Execute(ctx, fileCfg(map[string]any{
		"operation": "read", "path": "reports/out.txt",
	}), nil); err == nil {
		t.Fatal("read after delete should fail")
	}
}

func TestFilePathEscapesAreRejected(t *testing.T) {
	h := newFileHandler(t.TempDir())
	ctx := context.Background()

	for _, path := range []string{"../outside.txt", "a/../../etc/passwd", "/etc/passwd"} {
		_, err := h.Execute(ctx, fileCfg(map[string]any{
			"operation": "read", "path": path,
		}), nil)
		if err == nil {
			t.Fatalf("path %q must be rejected", path)
		}
	}
}
