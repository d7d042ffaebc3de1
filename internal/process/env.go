package process

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kandev/runctl/internal/execution"
)

// Variables exported to every spawned command.
const (
	EnvExecutionID = "RUNCTL_EXECUTION_ID"
	EnvMode        = "RUNCTL_MODE"
	EnvName        = "RUNCTL_CONFIGURATION"
)

// SessionEnv returns the variables describing env to the spawned command.
func SessionEnv(env *execution.Environment) []string {
	return []string{
		EnvExecutionID + "=" + strconv.FormatInt(env.ExecutionID, 10),
		EnvMode + "=" + string(env.Mode),
		EnvName + "=" + env.Name(),
	}
}

// MergeEnv overlays KEY=VALUE entries on the current process environment.
// Later entries win. npm lifecycle variables inherited from a parent npm
// script are dropped.
func MergeEnv(overlays ...[]string) []string {
	base := make(map[string]string)
	for _, entry := range os.Environ() {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || isNpmEnvVar(k) {
			continue
		}
		base[k] = v
	}
	for _, overlay := range overlays {
		for _, entry := range overlay {
			if k, v, ok := strings.Cut(entry, "="); ok && k != "" {
				base[k] = v
			}
		}
	}

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	sort.Strings(merged)
	return merged
}

func isNpmEnvVar(key string) bool {
	for _, prefix := range []string{"npm_config_", "npm_package_", "npm_lifecycle_", "npm_execpath", "npm_node_execpath"} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
