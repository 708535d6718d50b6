package automation

import (
	"context"
	"fmt"

	"github.com/aviisi/virta/internal/condition"
	"github.com/aviisi/virta/pkg/api"
)

// transformHandler reshapes workflow context data without side effects:
// field mapping, list filtering via the expression grammar, and numeric
// aggregation.
type transformHandler struct{}

func newTransformHandler() *transformHandler { return &transformHandler{} }

func (h *transformHandler) Type() api.AutomationType { return api.AutomationTransform }

func (h *transformHandler) Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	switch op := cfg.ParamString("operation"); op {
	case "map":
		return h.mapFields(cfg, data)
	case "filter":
		return h.filter(cfg, data)
	case "aggregate":
		return h.aggregate(cfg, data)
	default:
		return nil, fmt.Errorf("data_transformation: unsupported operation %q", op)
	}
}

// mapFields builds a new object from target -> source-path mappings.
// Missing sources map to nil so downstream conditions can probe them.
func (h *transformHandler) mapFields(cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	mapping := cfg.ParamMap("fields")
	if len(mapping) == 0 {
		return nil, fmt.Errorf("data_transformation: map needs a fields mapping")
	}

	out := make(map[string]any, len(mapping))
	for target, source := range mapping {
		path, ok := source.(string)
		if !ok {
			return nil, fmt.Errorf("data_transformation: source for %q must be a path string", target)
		}
		value, _ := condition.LookupPath(data, path)
		out[target] = value
	}
	return map[string]any{"result": out}, nil
}

// filter keeps the list items for which the expression evaluates truthy.
// Each item is exposed to the expression as "item" plus its own fields
// when it is an object.
func (h *transformHandler) filter(cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	items, err := sourceList(cfg, data)
	if err != nil {
		return nil, err
	}
	expr := cfg.ParamString("expression")
	if expr == "" {
		return nil, fmt.Errorf("data_transformation: filter needs an expression")
	}

	kept := make([]any, 0, len(items))
	for _, item := range items {
		scope := map[string]any{"item": item}
		if obj, ok := item.(map[string]any); ok {
			for k, v := range obj {
				scope[k] = v
			}
		}
		value, err := condition.EvaluateExpr(expr, scope)
		if err != nil {
			return nil, fmt.Errorf("data_transformation: %w", err)
		}
		if truthyValue(value) {
			kept = append(kept, item)
		}
	}
	return map[string]any{"result": kept, "count": len(kept)}, nil
}

func (h *transformHandler) aggregate(cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	items, err := sourceList(cfg, data)
	if err != nil {
		return nil, err
	}
	field := cfg.ParamString("field")

	fn := cfg.ParamString("function")
	if fn == "count" {
		return map[string]any{"result": float64(len(items))}, nil
	}

	var nums []float64
	for _, item := range items {
		value := item
		if field != "" {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			value = obj[field]
		}
		if n, ok := asNumber(value); ok {
			nums = append(nums, n)
		}
	}
	if len(nums) == 0 {
		return map[string]any{"result": float64(0)}, nil
	}

	var result float64
	switch fn {
	case "sum", "avg":
		for _, n := range nums {
			result += n
		}
		if fn == "avg" {
			result /= float64(len(nums))
		}
	case "min", "max":
		result = nums[0]
		for _, n := range nums[1:] {
			if (fn == "min" && n < result) || (fn == "max" && n > result) {
				result = n
			}
		}
	default:
		return nil, fmt.Errorf("data_transformation: unsupported aggregate %q", fn)
	}
	return map[string]any{"result": result}, nil
}

func sourceList(cfg api.AutomationConfig, data map[string]any) ([]any, error) {
	path := cfg.ParamString("source")
	if path == "" {
		return nil, fmt.Errorf("data_transformation: source is required")
	}
	value, ok := condition.LookupPath(data, path)
	if !ok {
		return nil, fmt.Errorf("data_transformation: source %q not found", path)
	}
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("data_transformation: source %q is not a list", path)
	}
	return items, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truthyValue(v any) bool {
	switch tv := v.(type) {
	case bool:
		return tv
	case float64:
		return tv != 0
	case string:
		return tv != ""
	case nil:
		return false
	default:
		return true
	}
}
