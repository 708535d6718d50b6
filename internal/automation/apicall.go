package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aviisi/virta/pkg/api"
)

const maxResponseBytes = 1 << 20 // 1 MiB

// apiCallHandler performs outbound HTTP calls. Each target host gets its
// own circuit breaker so a flapping endpoint cannot consume retry budget
// across the board.
type apiCallHandler struct {
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newAPICallHandler(client *http.Client, logger *slog.Logger) *apiCallHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &apiCallHandler{
		client:   client,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (h *apiCallHandler) Type() api.AutomationType { return api.AutomationAPICall }

func (h *apiCallHandler) Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	rawURL := cfg.ParamString("url")
	if rawURL == "" {
		return nil, fmt.Errorf("api_call: url is required")
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("api_call: invalid url %q", rawURL)
	}

	method := strings.ToUpper(cfg.ParamString("method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := cfg.Params["body"]; ok && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("api_call: encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("api_call: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.ParamMap("headers") {
		req.Header.Set(k, stringify(v))
	}
	if err := applyAuth(req, cfg.ParamMap("auth")); err != nil {
		return nil, err
	}

	out, err := h.breaker(target.Host).Execute(func() (any, error) {
		return h.do(req, cfg)
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (h *apiCallHandler) do(req *http.Request, cfg api.AutomationConfig) (map[string]any, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api_call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("api_call: read response: %w", err)
	}

	if !statusAllowed(resp.StatusCode, cfg.Params["expected_status"]) {
		return nil, fmt.Errorf("api_call: unexpected status %d from %s", resp.StatusCode, req.URL.Host)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeader(resp.Header),
	}
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		result["body"] = parsed
	} else {
		result["body"] = string(raw)
	}
	return result, nil
}

// breaker returns the circuit breaker for a host, creating it on first
// use. Breakers trip after 5 consecutive failures and probe again after
// 30 seconds.
func (h *apiCallHandler) breaker(host string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	cb, ok := h.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    host,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				h.logger.Warn("http circuit state change",
					"host", name, "from", from.String(), "to", to.String())
			},
		})
		h.breakers[host] = cb
	}
	return cb
}

func applyAuth(req *http.Request, auth map[string]any) error {
	if auth == nil {
		return nil
	}
	kind, _ := auth["type"].(string)
	switch kind {
	case "basic":
		user, _ := auth["username"].(string)
		pass, _ := auth["password"].(string)
		req.SetBasicAuth(user, pass)
	case "bearer":
		token, _ := auth["token"].(string)
		req.Header.Set("Authorization", "Bearer "+token)
	case "api_key":
		header, _ := auth["header"].(string)
		if header == "" {
			header = "X-API-Key"
		}
		key, _ := auth["key"].(string)
		req.Header.Set(header, key)
	default:
		return fmt.Errorf("api_call: unsupported auth type %q", kind)
	}
	return nil
}

// statusAllowed checks the status code against expected_status, which may
// be a single number or a list. Absent, any 2xx passes.
func statusAllowed(code int, expected any) bool {
	switch want := expected.(type) {
	case nil:
		return code >= 200 && code < 300
	case float64:
		return code == int(want)
	case int:
		return code == want
	case []any:
		for _, v := range want {
			if n, ok := v.(float64); ok && code == int(n) {
				return true
			}
		}
		return false
	default:
		return code >= 200 && code < 300
	}
}

func flattenHeader(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// webhookHandler posts an event envelope to a target URL. It reuses the
// api_call plumbing (client, circuit breakers, auth).
type webhookHandler struct {
	calls *apiCallHandler
}

func newWebhookHandler(calls *apiCallHandler) *webhookHandler {
	return &webhookHandler{calls: calls}
}

func (h *webhookHandler) Type() api.AutomationType { return api.AutomationWebhook }

func (h *webhookHandler) Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (map[string]any, error) {
	event := cfg.ParamString("event")
	if event == "" {
		return nil, fmt.Errorf("webhook_trigger: event is required")
	}

	payload := cfg.ParamMap("payload")
	if payload == nil {
		payload = data
	}

	call := cfg
	call.Type = api.AutomationAPICall
	call.Params = map[string]any{
		"url":     cfg.ParamString("url"),
		"method":  http.MethodPost,
		"headers": cfg.Params["headers"],
		"auth":    cfg.Params["auth"],
		"body": map[string]any{
			"event":     event,
			"payload":   payload,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if v, ok := cfg.Params["expected_status"]; ok {
		call.Params["expected_status"] = v
	}
	return h.calls.Execute(ctx, call, data)
}
