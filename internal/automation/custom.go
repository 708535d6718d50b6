package automation

import (
	"context"
	"fmt"

	"github.com/aviisi/virta/pkg/api"
)

// CustomFunc is a host-registered function invocable from workflows via
// the custom_function automation type.
type CustomFunc func(ctx context.Context, params map[string]any, data map[string]any) (map[string]any, error)

// customHandler dispatches to the named function from a registry fixed
// at engine construction. Workflows can only call what the host exposed.
type customHandler struct {
	funcs map[string]CustomFunc
}

func newCustomHandler(funcs map[string]CustomFunc) *customHandler {
	return &customHandler{funcs: funcs}
}

func (h *customHandler) Type() api.AutomationType { return api.AutomationCustom }

func (h *customHandler) Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	name := cfg.ParamString("function")
	if name == "" {
		return nil, fmt.Errorf("custom_function: function is required")
	}
	fn, ok := h.funcs[name]
	if !ok {
		return nil, fmt.Errorf("custom_function: %q is not registered", name)
	}
	return fn(ctx, cfg.Params, data)
}
