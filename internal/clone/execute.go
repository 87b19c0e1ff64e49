package clone

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/serverledge-faas/offloadge/internal/metrics"
	"github.com/serverledge-faas/offloadge/internal/protocol"
	"github.com/serverledge-faas/offloadge/internal/registry"
	"github.com/serverledge-faas/offloadge/internal/telemetry"
)

// execute runs an offloaded call and builds the envelope sent back to the caller.
func (s *Server) execute(ctx context.Context, a *app, helperID int, req *protocol.OffloadRequest, transfer time.Duration) *protocol.ResultEnvelope {
	env := &protocol.ResultEnvelope{TransferDuration: int64(transfer), PureExecutionDuration: -1}
	if a == nil {
		env.Result = protocol.FailureResult(protocol.KindAppNotRegistered, "no app registered on this connection")
		return env
	}

	if telemetry.DefaultTracer != nil {
		var span trace.Span
		ctx, span = telemetry.DefaultTracer.Start(ctx, fmt.Sprintf("%s.%s", a.identity, req.Method))
		defer span.End()
	}

	methods, libs := a.unit()
	receiver, typeID, err := methods.DecodeReceiver(req.ReceiverState)
	if err != nil {
		env.Result = protocol.FailureResult(protocol.KindBadRequest, "%v", err)
		metrics.AddRemoteExecution(a.identity, req.Method, "bad-request", 0)
		return env
	}
	method, err := methods.Lookup(typeID, req.Method, req.ParamTypes)
	if err != nil {
		env.Result = protocol.FailureResult(protocol.KindMethodNotFound, "%v", err)
		metrics.AddRemoteExecution(a.identity, req.Method, "not-found", 0)
		return env
	}

	execCtx := registry.ServerContext(helperID, int(req.HelperCount), libs)
	if preparer, ok := receiver.(registry.ServerPreparer); ok {
		preparer.PrepareDataOnServer(execCtx)
	}

	start := time.Now()
	var value any
	if helperID == 0 && execCtx.HelperCount > 1 {
		value, err = s.fanOut(ctx, a, method, receiver, execCtx, req)
	} else {
		value, err = invoke(method, execCtx, receiver, registry.ArgsFromRaw(req.ParamValues))
	}
	pure := time.Since(start)
	env.PureExecutionDuration = int64(pure)
	if telemetry.DefaultTracer != nil {
		trace.SpanFromContext(ctx).AddEvent("Execution complete")
	}

	env.Result = resultOf(value, err)
	outcome := "success"
	if !env.Result.IsSuccess() {
		outcome = string(env.Result.Failure.Kind)
		log.Printf("[%s] %v failed: %v", a.identity, method.Key, err)
	} else if helperID == 0 {
		state, err := registry.EncodeReceiver(receiver)
		if err != nil {
			env.Result = protocol.FailureResult(protocol.KindException, "could not encode the receiver: %v", err)
			outcome = string(protocol.KindException)
		} else {
			env.ObjectState = state
		}
	}
	metrics.AddRemoteExecution(a.identity, req.Method, outcome, pure)
	return env
}

// invoke calls method; a missing native link is retried once after the
// receiver has loaded the app libraries.
func invoke(method *registry.Method, execCtx *registry.ExecContext, receiver any, args registry.Args) (any, error) {
	value, err := method.Call(execCtx, receiver, args)
	if !errors.Is(err, registry.ErrUnsatisfiedLink) {
		return value, err
	}
	loader, ok := receiver.(registry.LibraryLoader)
	if !ok {
		return nil, err
	}
	if loadErr := loader.LoadLibraries(execCtx.Libraries); loadErr != nil {
		return nil, fmt.Errorf("%w: %v", err, loadErr)
	}
	return method.Call(execCtx, receiver, args)
}

func resultOf(value any, err error) protocol.Result {
	if err != nil {
		if errors.Is(err, registry.ErrUnsatisfiedLink) {
			return protocol.FailureResult(protocol.KindUnsatisfiedLink, "%v", err)
		}
		return protocol.FailureResult(protocol.KindException, "%v", err)
	}
	res, err := protocol.SuccessResult(value)
	if err != nil {
		return protocol.FailureResult(protocol.KindException, "could not encode the result: %v", err)
	}
	return res
}
