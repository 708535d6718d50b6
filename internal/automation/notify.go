package automation

import (
	"context"
	"fmt"

	"github.com/aviisi/virta/pkg/api"
)

// notificationHandler delivers email or SMS notifications through the
// host-provided Notifier. One handler instance serves one channel.
type notificationHandler struct {
	kind     api.AutomationType
	notifier api.Notifier
}

func newNotificationHandler(kind api.AutomationType, notifier api.Notifier) *notificationHandler {
	return &notificationHandler{kind: kind, notifier: notifier}
}

func (h *notificationHandler) Type() api.AutomationType { return h.kind }

// Execute sends to every recipient, collecting per-recipient failures.
// The automation succeeds only when every delivery succeeds; partial
// failures surface both the sent list and the failure map.
func (h *notificationHandler) Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	recipients := recipientList(cfg)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%s: at least one recipient is required", h.kind)
	}

	message := cfg.ParamString("message")
	if message == "" {
		message = cfg.ParamString("body")
	}
	if message == "" {
		return nil, fmt.Errorf("%s: message is required", h.kind)
	}

	template := cfg.ParamString("template")
	if template == "" {
		template = "email_notification"
		if h.kind == api.AutomationSMS {
			template = "sms_notification"
		}
	}

	payload := map[string]any{"message": message}
	if subject := cfg.ParamString("subject"); subject != "" {
		payload["subject"] = subject
	}
	for k, v := range cfg.ParamMap("data") {
		payload[k] = v
	}

	var sent []string
	failed := make(map[string]string)
	for _, recipient := range recipients {
		if err := ctx.Err(); err != nil {
			failed[recipient] = err.Error()
			continue
		}
		if err := h.notifier.SendNotification(ctx, recipient, template, payload); err != nil {
			failed[recipient] = err.Error()
			continue
		}
		sent = append(sent, recipient)
	}

	result := map[string]any{"sent": sent, "sent_count": len(sent)}
	if len(failed) > 0 {
		result["failed"] = failed
		return result, fmt.Errorf("%s: %d of %d deliveries failed", h.kind, len(failed), len(recipients))
	}
	return result, nil
}

func recipientList(cfg api.AutomationConfig) []string {
	var out []string
	if list, ok := cfg.Params["recipients"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	if single := cfg.ParamString("recipient"); single != "" {
		out = append(out, single)
	}
	return out
}
