package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	xerrors "Mech-Chain/internal/errors"
	"Mech-Chain/internal/mech"
	"Mech-Chain/internal/registry"
	"Mech-Chain/pkg/logger"
)

const (
	CodeExecutionTimeout xerrors.Code = "EXEC_TIMEOUT"
	CodeToolFailure      xerrors.Code = "EXEC_TOOL_FAILURE"
)

func init() {
	xerrors.Register(CodeExecutionTimeout, xerrors.Attributes{
		Message:   "tool execution exceeded its time limit",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeToolFailure, xerrors.Attributes{
		Message:   "tool execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

const defaultTimeout = 30 * time.Second

// Engine runs registered tools under a hard per-tool deadline. A tool
// that overruns, errors or panics still yields a well-formed failed
// Result so the caller can publish the outcome on chain.
type Engine struct {
	defaultTimeout time.Duration
}

// New creates an engine. fallbackTimeout applies to capabilities that do
// not declare their own MaxExecutionTime.
func New(fallbackTimeout time.Duration) *Engine {
	if fallbackTimeout <= 0 {
		fallbackTimeout = defaultTimeout
	}
	return &Engine{defaultTimeout: fallbackTimeout}
}

type runOutcome struct {
	output []byte
	err    error
}

// Execute runs the capability against the resolved payload. The returned
// Result is always usable; err is non-nil only for infrastructure
// failures (currently just caller cancellation), never for tool-level
// failures, which are encoded in the Result itself.
func (e *Engine) Execute(ctx context.Context, capability registry.Capability, payload mech.ResolvedPayload) (mech.Result, error) {
	timeout := capability.MaxExecutionTime
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Named("engine").Error("tool panicked",
					"tool", capability.ID,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
				outcome <- runOutcome{err: xerrors.New(CodeToolFailure,
					fmt.Sprintf("tool panicked: %v", r))}
			}
		}()
		output, err := capability.Run(runCtx, payload)
		outcome <- runOutcome{output: output, err: err}
	}()

	select {
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// Caller went away; nothing useful to publish.
			return mech.Result{}, ctx.Err()
		}
		// The runner goroutine keeps draining into the buffered channel
		// and exits on its own once the tool notices cancellation.
		timeoutErr := xerrors.New(CodeExecutionTimeout,
			fmt.Sprintf("tool %s exceeded %s", capability.ID, timeout))
		return failedResult(capability.ID, timeoutErr), nil
	case out := <-outcome:
		if ctx.Err() != nil {
			return mech.Result{}, ctx.Err()
		}
		if out.err != nil {
			wrapped := out.err
			if _, ok := xerrors.From(wrapped); !ok {
				wrapped = xerrors.Wrap(CodeToolFailure, wrapped, "tool execution failed")
			}
			return failedResult(capability.ID, wrapped), nil
		}
		return mech.Result{
			ToolID: capability.ID,
			Status: mech.ResultSuccess,
			Output: out.output,
		}, nil
	}
}

func failedResult(toolID string, err error) mech.Result {
	return mech.Result{
		ToolID:      toolID,
		Status:      mech.ResultFailed,
		ErrorKind:   string(xerrors.CodeOf(err)),
		ErrorDetail: err.Error(),
	}
}
