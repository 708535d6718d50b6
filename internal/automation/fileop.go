package automation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aviisi/virta/pkg/api"
)

// fileHandler reads and writes files under a fixed root directory. Every
// path is cleaned and re-checked against the root, so neither absolute
// paths nor ".." segments can escape it.
type fileHandler struct {
	root string
}

func newFileHandler(root string) *fileHandler {
	return &fileHandler{root: filepath.Clean(root)}
}

func (h *fileHandler) Type() api.AutomationType { return api.AutomationFile }

func (h *fileHandler) Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	path, err := h.resolve(cfg.ParamString("path"))
	if err != nil {
		return nil, err
	}

	switch op := cfg.ParamString("operation"); op {
	case "read":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("file_operation: %w", err)
		}
		return map[string]any{"content": string(raw), "size": len(raw)}, nil
	case "write":
		return h.write(path, cfg.ParamString("content"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	case "append":
		return h.write(path, cfg.ParamString("content"), os.O_CREATE|os.O_WRONLY|os.O_APPEND)
	case "delete":
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("file_operation: %w", err)
		}
		return map[string]any{"deleted": true}, nil
	default:
		return nil, fmt.Errorf("file_operation: unsupported operation %q", op)
	}
}

func (h *fileHandler) write(path, content string, flags int) (map[string]any, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file_operation: %w", err)
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file_operation: %w", err)
	}
	n, err := f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("file_operation: %w", err)
	}
	return map[string]any{"written": n}, nil
}

func (h *fileHandler) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("file_operation: path is required")
	}
	full := filepath.Clean(filepath.Join(h.root, rel))
	if full != h.root && !strings.HasPrefix(full, h.root+string(filepath.Separator)) {
		return "", fmt.Errorf("file_operation: path %q escapes the sandbox root", rel)
	}
	return full, nil
}
