package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/relay/internal/definition"
	"github.com/pitabwire/relay/internal/middleware"
	"github.com/pitabwire/relay/internal/observability"
	"github.com/pitabwire/relay/model"
)

// PanicError is the cause of a generic_error raised by a panic in an action
// or a middleware hook.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Processor executes one invocation. It is not reusable.
type Processor struct {
	d        *Dispatcher
	data     *model.ActionData
	def      *model.ActionDefinition
	chain    []middleware.Middleware
	working  atomic.Bool
	accepted bool
	span     trace.Span
}

// Data returns the invocation state.
func (p *Processor) Data() *model.ActionData {
	return p.data
}

// Working reports whether the invocation is still in progress.
func (p *Processor) Working() bool {
	return p.working.Load()
}

// ProcessAction runs the invocation to completion and returns its final
// state. An empty action or apiVersion is read from the params. Every path
// ends in exactly one completion status, and the connection's pending
// counter is restored before it returns.
func (p *Processor) ProcessAction(ctx context.Context, action, apiVersion string) *model.ActionData {
	data := p.data
	conn := data.Connection

	p.working.Store(true)
	data.StartedAt = time.Now()
	pending := conn.BeginAction()

	if action == "" {
		action = data.Params.String("action")
	}
	if apiVersion == "" {
		v, _ := data.Params.Get("apiVersion")
		apiVersion = definition.NormalizeVersion(v)
	}
	data.Action = action
	data.MessageID = firstNonEmpty(data.MessageID, data.Params.String("messageId"))

	def, version, found := p.d.actions.Resolve(action, apiVersion)
	data.APIVersion = version
	if found {
		p.def = def
		data.Definition = def
		_ = data.Params.Set("apiVersion", version)
	} else {
		data.APIVersion = apiVersion
	}

	ctx, p.span = p.d.tracer.Start(ctx, "relay.action",
		trace.WithAttributes(
			observability.AttrAction.String(action),
			observability.AttrAPIVersion.String(data.APIVersion),
			observability.AttrConnectionType.String(conn.Type),
		),
	)

	for _, obs := range p.d.observers {
		if so, ok := obs.(StartObserver); ok {
			so.ActionStarted(ctx, data)
		}
	}

	p.accepted = p.d.enter()
	switch {
	case !p.accepted:
		p.completeAction(ctx, model.StatusServerShuttingDown, nil)
	case pending > p.d.simultaneous:
		p.completeAction(ctx, model.StatusTooManyRequests, nil)
	case !found:
		p.completeAction(ctx, model.StatusUnknownAction, nil)
	case def.Blocks(conn.Type):
		p.completeAction(ctx, model.StatusUnsupportedServerType, nil)
	default:
		status, err := p.runAction(ctx)
		p.completeAction(ctx, status, err)
	}
	return data
}

// runAction executes middleware, params handling and the action's run.
// Panics are recovered into generic_error.
func (p *Processor) runAction(ctx context.Context) (status model.ActionStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = model.StatusGenericError, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	data := p.data
	chain, err := p.d.middleware.Chain(p.def.Middleware)
	if err != nil {
		return model.StatusGenericError, err
	}
	p.chain = chain

	if err := runHooks(ctx, data, chain, func(m middleware.Middleware) model.HookFunc { return m.Pre }); err != nil {
		return model.StatusGenericError, err
	}

	values := p.d.engine.Reduce(data.Params.Map(), p.def.Inputs)
	res, err := p.d.engine.Validate(ctx, data, values, p.def.Inputs)
	if err != nil {
		return model.StatusGenericError, err
	}
	if err := data.Params.Replace(values); err != nil {
		return model.StatusGenericError, err
	}
	data.MissingParams = res.Missing
	data.ValidatorErrors = res.Errors
	if len(res.Missing) > 0 {
		return model.StatusMissingParams, nil
	}
	if len(res.Errors) > 0 {
		return model.StatusValidatorErrors, nil
	}

	data.Params.Lock()

	out, err := p.def.Run(ctx, data)
	if err != nil {
		return model.StatusGenericError, err
	}
	if out != nil {
		data.MergeResponse(out)
	}

	if err := runHooks(ctx, data, chain, func(m middleware.Middleware) model.HookFunc { return m.Post }); err != nil {
		return model.StatusGenericError, err
	}

	return model.StatusComplete, nil
}

func runHooks(ctx context.Context, data *model.ActionData, chain []middleware.Middleware, hook func(middleware.Middleware) model.HookFunc) error {
	for _, m := range chain {
		fn := hook(m)
		if fn == nil {
			continue
		}
		out, err := fn(ctx, data)
		if err != nil {
			return err
		}
		if out != nil {
			data.MergeResponse(out)
		}
	}
	return nil
}

// completeAction is the single exit point of an invocation.
func (p *Processor) completeAction(ctx context.Context, status model.ActionStatus, err error) {
	data := p.data

	if status != model.StatusComplete {
		if built := p.d.messages.build(ctx, status, data, err); built != nil {
			err = built
		}
		if err == nil {
			err = errors.New(status.String())
		}
	}

	data.Status = status
	data.Err = err
	data.AttachError(err)
	data.Params.Lock()
	p.runCompleteHooks(ctx)

	data.Connection.EndAction()
	data.Duration = time.Since(data.StartedAt)
	p.working.Store(false)
	if p.accepted {
		p.d.exit()
	}

	p.log(status, err)
	p.endSpan(status, err)
	for _, obs := range p.d.observers {
		obs.ActionCompleted(ctx, data)
	}
}

// runCompleteHooks calls the completion hooks of the resolved chain in
// reverse order. Failures are logged; the status is already fixed.
func (p *Processor) runCompleteHooks(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(p.chain) - 1; i >= 0; i-- {
		m := p.chain[i]
		if m.Complete == nil {
			continue
		}
		if err := callComplete(ctx, m.Complete, p.data); err != nil {
			p.d.logger.Warn("middleware completion hook failed",
				zap.String("middleware", m.Name),
				zap.String("action", p.data.Action),
				zap.Error(err),
			)
		}
	}
}

func callComplete(ctx context.Context, fn middleware.CompleteFunc, data *model.ActionData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, data)
}

func (p *Processor) endSpan(status model.ActionStatus, err error) {
	p.span.SetAttributes(
		observability.AttrStatus.String(status.String()),
		observability.AttrAPIVersion.String(p.data.APIVersion),
	)
	if status == model.StatusGenericError {
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, err.Error())
	}
	p.span.End()
}

func (p *Processor) log(status model.ActionStatus, err error) {
	data := p.data
	level := zapcore.InfoLevel
	switch {
	case status == model.StatusGenericError:
		level = zapcore.ErrorLevel
	case status != model.StatusComplete:
		level = zapcore.WarnLevel
	case p.def != nil && p.def.LogLevel != "":
		if l, perr := zapcore.ParseLevel(p.def.LogLevel); perr == nil {
			level = l
		}
	}

	ce := p.d.logger.Check(level, "action completed")
	if ce == nil {
		return
	}

	fields := []zap.Field{
		zap.String("to", data.Connection.RemoteIP),
		zap.String("connection_id", data.Connection.ID),
		zap.String("connection_type", data.Connection.Type),
		zap.String("action", data.Action),
		zap.String("api_version", data.APIVersion),
		zap.String("status", status.String()),
		zap.Any("params", observability.RedactBody(data.Params.Map(), p.d.filteredParams)),
		zap.Duration("duration", data.Duration),
	}
	if data.MessageID != "" {
		fields = append(fields, zap.String("message_id", data.MessageID))
	}
	if p.d.logResponses {
		if obj, ok := data.Response().(model.ObjectResponse); ok {
			fields = append(fields, zap.Any("response", observability.RedactBody(obj, p.d.filteredResponse)))
		} else {
			fields = append(fields, zap.Any("response", data.ResponseValue()))
		}
	}
	if err != nil {
		fields = append(fields, zap.Any("error", model.RenderError(err)))
		var pe *PanicError
		if errors.As(err, &pe) {
			fields = append(fields, zap.ByteString("stack", pe.Stack))
		}
	}
	ce.Write(fields...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
