// Package automation executes side-effecting automations: API calls,
// scripts, notifications, database and file operations, webhooks, custom
// functions and data transformations.
//
// Each automation type is a Handler registered with the Executor. The
// Executor owns the cross-cutting behavior (template merging, context
// interpolation, retries, timeouts, execution records); handlers only do
// the work.
package automation

import (
	"context"

	"github.com/aviisi/virta/pkg/api"
)

// Handler performs one kind of automation. Implementations must be safe
// for concurrent use: the executor calls Execute from pool workers.
type Handler interface {
	// Type returns the automation type this handler serves.
	Type() api.AutomationType

	// Execute runs the automation with an interpolated config against the
	// workflow context data. The returned map is merged into the
	// execution's result; errors are recorded and retried per config.
	Execute(ctx context.Context, cfg api.AutomationConfig, data map[string]any) (map[string]any, error)
}
