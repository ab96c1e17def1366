package hetexec

import (
	"time"

	"github.com/dflow-rt/hetexec/internal/abi"
)

// Re-exported wire constants, mirroring go-ublk's root constants.go pattern
// of surfacing internal-package defaults at the public API boundary.
const (
	UserDataSize          = abi.UserDataSize
	EOSOffset             = abi.EOSOffset
	EOSValue              = abi.EOSValue
	ClientHeaderStackSize = abi.ClientHeaderStackSize
	NoQueueID             = abi.NoQueueID
	InvalidTransID        = abi.InvalidTransID
)

// DefaultQueueNameMaxLen is the longest queue name CreateQueue accepts
// (spec.md §8 boundary case: 127 succeeds, 128 is ParamInvalid).
const DefaultQueueNameMaxLen = 127

// DefaultRespEnqueueTimeout bounds how long ProxyDynamicModelExecutor waits
// to enqueue a finished response before giving up (spec.md §4.H step 4).
const DefaultRespEnqueueTimeout = 10 * time.Minute
