// Package config implements the ThreadLocalContext option surface (spec.md
// §6 Configuration, GetThreadLocalContext): the small set of recognized
// options that steer model execution and profiling. Grounded on the
// teacher's Config struct in internal/logging/logger.go and
// internal/constants/constants.go's default-value pattern: a plain struct
// of typed fields plus one constructor applying defaults, generalized here
// to use github.com/json-iterator/go for the option-map decode the way
// aistore decodes its config blobs.
package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// OverflowMode is ge.exec.float_overflow_mode's recognized value set.
type OverflowMode int

const (
	OverflowModeUnset OverflowMode = iota
	OverflowModeSaturation
	OverflowModeInfNaN
)

// ParseOverflowMode maps the string option value to OverflowMode. An
// unrecognized value is a no-op per spec.md §6, returned as
// OverflowModeUnset rather than an error.
func ParseOverflowMode(s string) OverflowMode {
	switch s {
	case "saturation":
		return OverflowModeSaturation
	case "inf_nan":
		return OverflowModeInfNaN
	default:
		return OverflowModeUnset
	}
}

// ThreadLocalContext holds one execution context's recognized options.
type ThreadLocalContext struct {
	FloatOverflowMode OverflowMode `json:"-"`

	OpWaitTimeoutSec    uint32 `json:"op_wait_timeout"`
	OpExecuteTimeoutSec uint32 `json:"op_execute_timeout"`

	EschedProcessPriority int32 `json:"esched_process_priority"` // -1 = unset
	EschedEventPriority   int32 `json:"esched_event_priority"`   // -1 = unset

	DataFlowUDFInvokedNN  bool `json:"data_flow_udf_invoked_nn"`
	DFlowInvokedByBuiltIn bool `json:"dflow_invoked_by_built_in"`
}

// rawOptions mirrors ThreadLocalContext's JSON shape plus the one field
// (float_overflow_mode) that needs a string->enum translation step.
type rawOptions struct {
	ThreadLocalContext
	FloatOverflowModeStr string `json:"ge.exec.float_overflow_mode"`
}

// Default returns a ThreadLocalContext with esched priorities unset (-1)
// and every other option at its zero value.
func Default() ThreadLocalContext {
	return ThreadLocalContext{
		EschedProcessPriority: -1,
		EschedEventPriority:   -1,
	}
}

// ParseOptions decodes a GetThreadLocalContext-style JSON option map into a
// ThreadLocalContext, starting from Default() and overlaying whatever keys
// are present.
func ParseOptions(data []byte) (ThreadLocalContext, error) {
	ctx := rawOptions{ThreadLocalContext: Default()}
	if len(data) > 0 {
		if err := jsonAPI.Unmarshal(data, &ctx); err != nil {
			return ThreadLocalContext{}, fmt.Errorf("config: parse thread-local-context options: %w", err)
		}
	}
	ctx.FloatOverflowMode = ParseOverflowMode(ctx.FloatOverflowModeStr)
	return ctx.ThreadLocalContext, nil
}

// EschedPriorityTask reports whether the escalated ExecuteModelEschedPriorityTask
// path applies: true when either esched priority is set (>= 0), per §4.G.
func (c ThreadLocalContext) EschedPriorityTask() bool {
	return c.EschedProcessPriority >= 0 || c.EschedEventPriority >= 0
}

// ProfilingToStdOutEnvVar is the env var HeterogeneousProfiler gates on.
const ProfilingToStdOutEnvVar = "GE_PROFILING_TO_STD_OUT"

// ProfilingEnabled reports whether GE_PROFILING_TO_STD_OUT is set to "2",
// the HeterogeneousProfiler enable sentinel (spec.md §6).
func ProfilingEnabled() bool {
	return os.Getenv(ProfilingToStdOutEnvVar) == "2"
}
