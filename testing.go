package hetexec

import (
	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/executor"
)

// NewTestRuntime builds a Runtime over a fresh driver.Fake, the in-process
// stand-in for the real accelerator driver (internal/driver/fake.go). Useful
// for tests and cmd/dflow-demo that want a working Runtime without real
// hardware.
func NewTestRuntime(opts *Options) (*Runtime, *driver.Fake) {
	fake := driver.NewFake()
	return New(fake, opts), fake
}

// EchoExecuteFunc is a trivial executor.ExecuteFunc for tests: it copies the
// request payload into the response payload (truncating/zero-padding to
// resp's capacity) and always succeeds. Real model execution is out of this
// module's scope (spec.md Non-goals); callers inject their own ExecuteFunc
// for anything beyond exercising the executor/dispatcher plumbing.
func EchoExecuteFunc(req, resp *driver.Mbuf) error {
	n := copy(resp.Payload, req.Payload)
	for i := n; i < len(resp.Payload); i++ {
		resp.Payload[i] = 0
	}
	return nil
}

var _ executor.ExecuteFunc = EchoExecuteFunc
