package api

import (
	"encoding/json"
	"time"
)

// AutomationType identifies a side-effecting automation handler.
type AutomationType string

const (
	AutomationAPICall   AutomationType = "api_call"
	AutomationScript    AutomationType = "script_execution"
	AutomationEmail     AutomationType = "email_notification"
	AutomationSMS       AutomationType = "sms_notification"
	AutomationDatabase  AutomationType = "database_operation"
	AutomationFile      AutomationType = "file_operation"
	AutomationWebhook   AutomationType = "webhook_trigger"
	AutomationCustom    AutomationType = "custom_function"
	AutomationTransform AutomationType = "data_transformation"
)

var automationTypes = map[AutomationType]bool{
	AutomationAPICall:   true,
	AutomationScript:    true,
	AutomationEmail:     true,
	AutomationSMS:       true,
	AutomationDatabase:  true,
	AutomationFile:      true,
	AutomationWebhook:   true,
	AutomationCustom:    true,
	AutomationTransform: true,
}

// Valid reports whether t is a known automation type.
func (t AutomationType) Valid() bool {
	return automationTypes[t]
}

// Default retry/timeout settings applied when the config leaves them zero.
const (
	DefaultAutomationTimeout = 300 * time.Second
	DefaultRetryDelay        = 60 * time.Second
)

// AutomationConfig configures one automation invocation. The wire shape is
// flat JSON: the reserved keys below plus arbitrary type-specific fields,
// which land in Params.
type AutomationConfig struct {
	Type       AutomationType `json:"type"`
	TemplateID string         `json:"template_id,omitempty"`

	// MaxRetries is the number of retries after the first attempt.
	// 0 means a single attempt.
	MaxRetries int `json:"max_retries,omitempty"`
	// RetryDelaySeconds is the sleep between attempts. 0 means the
	// DefaultRetryDelay; a negative value disables the delay.
	RetryDelaySeconds int `json:"retry_delay,omitempty"`
	// TimeoutSeconds bounds a single attempt. 0 means the
	// DefaultAutomationTimeout.
	TimeoutSeconds int `json:"timeout,omitempty"`
	// RetryOnError disables retries on handler errors when explicitly set
	// to false. Timeouts are always retried while attempts remain.
	RetryOnError *bool `json:"retry_on_error,omitempty"`

	// Params carries the type-specific fields (url, method, script, ...).
	Params map[string]any `json:"-"`
}

// reserved keys handled by AutomationConfig itself; everything else is a
// type-specific param.
var reservedConfigKeys = map[string]bool{
	"type":           true,
	"template_id":    true,
	"max_retries":    true,
	"retry_delay":    true,
	"timeout":        true,
	"retry_on_error": true,
}

// UnmarshalJSON decodes the flat wire shape, splitting reserved keys from
// type-specific params.
func (c *AutomationConfig) UnmarshalJSON(data []byte) error {
	type header AutomationConfig
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	params := make(map[string]any)
	for k, v := range raw {
		if !reservedConfigKeys[k] {
			params[k] = v
		}
	}
	h.Params = params
	*c = AutomationConfig(h)
	return nil
}

// MarshalJSON re-flattens the config into its wire shape.
func (c AutomationConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Params)+6)
	for k, v := range c.Params {
		out[k] = v
	}
	out["type"] = c.Type
	if c.TemplateID != "" {
		out["template_id"] = c.TemplateID
	}
	if c.MaxRetries != 0 {
		out["max_retries"] = c.MaxRetries
	}
	if c.RetryDelaySeconds != 0 {
		out["retry_delay"] = c.RetryDelaySeconds
	}
	if c.TimeoutSeconds != 0 {
		out["timeout"] = c.TimeoutSeconds
	}
	if c.RetryOnError != nil {
		out["retry_on_error"] = *c.RetryOnError
	}
	return json.Marshal(out)
}

// Timeout returns the effective per-attempt timeout.
func (c AutomationConfig) Timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultAutomationTimeout
}

// RetryDelay returns the effective sleep between attempts.
func (c AutomationConfig) RetryDelay() time.Duration {
	switch {
	case c.RetryDelaySeconds > 0:
		return time.Duration(c.RetryDelaySeconds) * time.Second
	case c.RetryDelaySeconds < 0:
		return 0
	}
	return DefaultRetryDelay
}

// ParamString returns the string param for key, or "".
func (c AutomationConfig) ParamString(key string) string {
	v, _ := c.Params[key].(string)
	return v
}

// ParamBool returns the bool param for key, or false.
func (c AutomationConfig) ParamBool(key string) bool {
	v, _ := c.Params[key].(bool)
	return v
}

// ParamMap returns the map param for key, or nil.
func (c AutomationConfig) ParamMap(key string) map[string]any {
	v, _ := c.Params[key].(map[string]any)
	return v
}

// ExecutionStatus is the lifecycle state of an automation execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionRetrying  ExecutionStatus = "retrying"
)

// AutomationExecution records one ExecuteAutomation invocation, manual or
// step-triggered. It is immutable once completed or failed.
type AutomationExecution struct {
	ID          string           `json:"execution_id"`
	Type        AutomationType   `json:"automation_type"`
	Config      AutomationConfig `json:"config"`
	Context     map[string]any   `json:"context,omitempty"`
	Status      ExecutionStatus  `json:"status"`
	Result      map[string]any   `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Attempts    int              `json:"attempts"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// AutomationResult is the caller-facing outcome of one automation call.
// Failures are reported here rather than raised past the engine boundary.
type AutomationResult struct {
	Success     bool           `json:"success"`
	ExecutionID string         `json:"execution_id"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
