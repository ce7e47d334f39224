package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"upkeep/internal/engine"
	"upkeep/internal/job"
	"upkeep/internal/plugin"
)

type pluginsHandler struct{ d Deps }

// Run probes every plugin and fails when any is unhealthy. The health map is
// returned either way.
func (h pluginsHandler) Run(ctx context.Context, _ job.Invocation) (any, error) {
	if h.d.Plugins == nil {
		return map[string]plugin.Health{}, nil
	}
	res := h.d.Plugins.HealthCheck(ctx)
	var bad []string
	for name, st := range res {
		if !st.Healthy {
			bad = append(bad, fmt.Sprintf("%s: %s", name, st.LastError))
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return res, engine.NoRetry(fmt.Errorf("unhealthy plugins: %s", strings.Join(bad, "; ")))
	}
	return res, nil
}
