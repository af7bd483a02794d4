package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/relay/internal/cache"
	"github.com/pitabwire/relay/internal/config"
	"github.com/pitabwire/relay/internal/definition"
	"github.com/pitabwire/relay/internal/middleware"
	"github.com/pitabwire/relay/model"
)

type fixture struct {
	actions *definition.Registry
	mw      *middleware.Registry
	logger  *zap.Logger
	logs    *observer.ObservedLogs
	spans   *tracetest.InMemoryExporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return &fixture{
		actions: definition.NewRegistry(nil, nil),
		mw:      middleware.NewRegistry(100),
		logger:  zap.New(core),
		logs:    logs,
		spans:   tracetest.NewInMemoryExporter(),
	}
}

func (f *fixture) dispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(f.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	base := []Option{WithLogger(f.logger), WithTracer(tp.Tracer("processor-test"))}
	return NewDispatcher(f.actions, f.mw, append(base, opts...)...)
}

// general returns the default general config with edit applied.
func general(edit func(*config.GeneralConfig)) Option {
	cfg := config.Defaults().General
	edit(&cfg)
	return WithGeneralConfig(cfg)
}

func (f *fixture) register(t *testing.T, def model.ActionDefinition) {
	t.Helper()
	if def.Description == "" {
		def.Description = "test action " + def.Name
	}
	if def.Run == nil {
		def.Run = func(context.Context, *model.ActionData) (map[string]any, error) { return nil, nil }
	}
	if err := f.actions.Register(def); err != nil {
		t.Fatalf("Register(%s) error = %v", def.Name, err)
	}
}

func (f *fixture) use(t *testing.T, m middleware.Middleware) {
	t.Helper()
	if err := f.mw.Register(m); err != nil {
		t.Fatalf("Register middleware %s error = %v", m.Name, err)
	}
}

func webConn() *model.Connection {
	return model.NewConnection(model.ConnectionOptions{ID: "conn-1", Type: "web", RemoteIP: "127.0.0.1"})
}

func required() model.InputContract {
	return model.InputContract{Required: true}
}

func errorText(data *model.ActionData) string {
	obj, ok := data.Response().(model.ObjectResponse)
	if !ok {
		return fmt.Sprint(data.ResponseValue())
	}
	return fmt.Sprint(obj["error"])
}

func TestProcess_complete(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{
		Name:   "echo",
		Inputs: map[string]model.InputContract{"key": required()},
		Run: func(_ context.Context, data *model.ActionData) (map[string]any, error) {
			return map[string]any{"key": data.Params.String("key")}, nil
		},
	})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), map[string]any{"key": "k1", "junk": true}, "echo", "")

	if data.Status != model.StatusComplete {
		t.Fatalf("status = %s, want complete (err %v)", data.Status, data.Err)
	}
	obj := data.Response().(model.ObjectResponse)
	if obj["key"] != "k1" {
		t.Errorf("response key = %v, want k1", obj["key"])
	}
	if _, ok := obj["error"]; ok {
		t.Errorf("complete response should not carry an error: %v", obj["error"])
	}
	if data.Params.Has("junk") {
		t.Error("undeclared params should be scrubbed")
	}
	if !data.Params.Locked() {
		t.Error("params should be locked after completion")
	}
	if data.Duration <= 0 {
		t.Error("duration should be recorded")
	}
}

func TestProcess_missingParams(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{
		Name:   "put",
		Inputs: map[string]model.InputContract{"key": required(), "value": required()},
	})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), map[string]any{"key": "k"}, "put", "")

	if data.Status != model.StatusMissingParams {
		t.Fatalf("status = %s, want missing_params", data.Status)
	}
	if len(data.MissingParams) != 1 || data.MissingParams[0] != "value" {
		t.Errorf("missing = %v, want [value]", data.MissingParams)
	}
	if got := errorText(data); got != "value is a required parameter for this action" {
		t.Errorf("error = %q", got)
	}
}

func TestProcess_falseAndEmptySliceAreNotMissing(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{
		Name:   "flags",
		Inputs: map[string]model.InputContract{"enabled": required(), "tags": required()},
	})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), map[string]any{"enabled": false, "tags": []any{}}, "flags", "")

	if data.Status != model.StatusComplete {
		t.Fatalf("status = %s, want complete (missing %v)", data.Status, data.MissingParams)
	}
}

func TestProcess_validatorErrors(t *testing.T) {
	f := newFixture(t)
	minTwo := model.ValidateWith(func(_ context.Context, v any, _ *model.ActionData) error {
		if s, _ := v.(string); len(s) < 2 {
			return model.ErrValidationFailed
		}
		return nil
	})
	f.register(t, model.ActionDefinition{
		Name:   "short",
		Inputs: map[string]model.InputContract{"key": {Required: true, Validators: []model.Validator{minTwo}}},
	})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), map[string]any{"key": "a"}, "short", "")

	if data.Status != model.StatusValidatorErrors {
		t.Fatalf("status = %s, want validator_errors", data.Status)
	}
	if got := errorText(data); got != `Input for parameter "key" failed validation!` {
		t.Errorf("error = %q", got)
	}
}

func TestProcess_missingTakesPrecedenceOverValidatorErrors(t *testing.T) {
	f := newFixture(t)
	reject := model.ValidateWith(func(context.Context, any, *model.ActionData) error {
		return errors.New("rejected")
	})
	f.register(t, model.ActionDefinition{
		Name: "both",
		Inputs: map[string]model.InputContract{
			"a": {Validators: []model.Validator{reject}},
			"b": required(),
		},
	})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), map[string]any{"a": "x"}, "both", "")

	if data.Status != model.StatusMissingParams {
		t.Fatalf("status = %s, want missing_params", data.Status)
	}
	if len(data.ValidatorErrors) != 1 {
		t.Errorf("validator errors = %v, want one recorded", data.ValidatorErrors)
	}
}

func TestProcess_globalMiddlewareOrder(t *testing.T) {
	f := newFixture(t)
	var trace []string
	var mu sync.Mutex
	record := func(step string) {
		mu.Lock()
		trace = append(trace, step)
		mu.Unlock()
	}
	hook := func(name string, field string) middleware.Middleware {
		return middleware.Middleware{
			Name:   name,
			Global: true,
			Pre: func(context.Context, *model.ActionData) (map[string]any, error) {
				record("pre:" + name)
				return nil, nil
			},
			Post: func(context.Context, *model.ActionData) (map[string]any, error) {
				record("post:" + name)
				return map[string]any{field: true, "last": name}, nil
			},
		}
	}
	second := hook("second", "secondRan")
	second.Priority = 2
	first := hook("first", "firstRan")
	first.Priority = 1
	tieA := hook("tieA", "tieARan")
	tieA.Priority = 5
	tieB := hook("tieB", "tieBRan")
	tieB.Priority = 5
	f.use(t, second)
	f.use(t, tieA)
	f.use(t, first)
	f.use(t, tieB)
	f.register(t, model.ActionDefinition{Name: "noop"})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), nil, "noop", "")

	if data.Status != model.StatusComplete {
		t.Fatalf("status = %s, want complete", data.Status)
	}
	want := "pre:first pre:second pre:tieA pre:tieB post:first post:second post:tieA post:tieB"
	if got := strings.Join(trace, " "); got != want {
		t.Errorf("order = %q, want %q", got, want)
	}
	obj := data.Response().(model.ObjectResponse)
	for _, field := range []string{"firstRan", "secondRan", "tieARan", "tieBRan"} {
		if obj[field] != true {
			t.Errorf("response missing %s", field)
		}
	}
	if obj["last"] != "tieB" {
		t.Errorf("last = %v, want the final middleware's write", obj["last"])
	}
}

func TestProcess_actionMiddlewareRunsAfterGlobal(t *testing.T) {
	f := newFixture(t)
	var order []string
	f.use(t, middleware.Middleware{
		Name: "local", Priority: 1,
		Pre: func(context.Context, *model.ActionData) (map[string]any, error) {
			order = append(order, "local")
			return nil, nil
		},
	})
	f.use(t, middleware.Middleware{
		Name: "global", Priority: 50, Global: true,
		Pre: func(context.Context, *model.ActionData) (map[string]any, error) {
			order = append(order, "global")
			return nil, nil
		},
	})
	f.register(t, model.ActionDefinition{Name: "scoped", Middleware: []string{"local", "global"}})
	f.register(t, model.ActionDefinition{Name: "plain"})
	d := f.dispatcher(t)

	d.Process(context.Background(), webConn(), nil, "scoped", "")
	d.Process(context.Background(), webConn(), nil, "plain", "")

	if got := strings.Join(order, ","); got != "global,local,global" {
		t.Errorf("order = %q, want global,local,global", got)
	}
}

func TestProcess_preProcessorErrorSkipsRun(t *testing.T) {
	f := newFixture(t)
	ran := false
	f.use(t, middleware.Middleware{
		Name: "deny", Global: true,
		Pre: func(context.Context, *model.ActionData) (map[string]any, error) {
			return nil, errors.New("denied")
		},
	})
	f.register(t, model.ActionDefinition{
		Name: "guarded",
		Run: func(context.Context, *model.ActionData) (map[string]any, error) {
			ran = true
			return nil, nil
		},
	})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), nil, "guarded", "")

	if data.Status != model.StatusGenericError {
		t.Fatalf("status = %s, want generic_error", data.Status)
	}
	if ran {
		t.Error("run should not execute after a failing pre-processor")
	}
	if got := errorText(data); got != "denied" {
		t.Errorf("error = %q, want denied", got)
	}
}

func TestProcess_postProcessorErrorKeepsRunOutput(t *testing.T) {
	f := newFixture(t)
	f.use(t, middleware.Middleware{
		Name: "explode", Global: true,
		Post: func(context.Context, *model.ActionData) (map[string]any, error) {
			return nil, errors.New("post failed")
		},
	})
	f.register(t, model.ActionDefinition{
		Name: "produce",
		Run: func(context.Context, *model.ActionData) (map[string]any, error) {
			return map[string]any{"produced": 1}, nil
		},
	})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), nil, "produce", "")

	if data.Status != model.StatusGenericError {
		t.Fatalf("status = %s, want generic_error", data.Status)
	}
	obj := data.Response().(model.ObjectResponse)
	if obj["produced"] != 1 || obj["error"] != "post failed" {
		t.Errorf("response = %v", obj)
	}
}

func TestProcess_unknownMiddleware(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{Name: "dangling", Middleware: []string{"missing"}})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), nil, "dangling", "")

	if data.Status != model.StatusGenericError {
		t.Fatalf("status = %s, want generic_error", data.Status)
	}
	if !errors.Is(data.Err, middleware.ErrUnknownMiddleware) {
		t.Errorf("err = %v, want ErrUnknownMiddleware", data.Err)
	}
}

func TestProcess_unknownAction(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t)

	for _, params := range []map[string]any{nil, {"anything": 1, "apiVersion": 3}} {
		data := d.Process(context.Background(), webConn(), params, "nope", "")
		if data.Status != model.StatusUnknownAction {
			t.Fatalf("status = %s, want unknown_action", data.Status)
		}
		if got := errorText(data); got != "unknown action or invalid apiVersion" {
			t.Errorf("error = %q", got)
		}
	}
}

func TestProcess_actionFromParams(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{Name: "status"})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), map[string]any{"action": "status"}, "", "")

	if data.Status != model.StatusComplete || data.Action != "status" {
		t.Errorf("status = %s action = %q", data.Status, data.Action)
	}
}

func TestProcess_tooManyRequests(t *testing.T) {
	f := newFixture(t)
	ran := false
	f.register(t, model.ActionDefinition{
		Name: "busy",
		Run: func(context.Context, *model.ActionData) (map[string]any, error) {
			ran = true
			return nil, nil
		},
	})
	d := f.dispatcher(t, general(func(c *config.GeneralConfig) { c.SimultaneousActions = 1 }))
	conn := webConn()
	conn.BeginAction()

	data := d.Process(context.Background(), conn, nil, "busy", "")

	if data.Status != model.StatusTooManyRequests {
		t.Fatalf("status = %s, want too_many_requests", data.Status)
	}
	if ran {
		t.Error("run should not execute when over the limit")
	}
	if got := conn.PendingActions(); got != 1 {
		t.Errorf("pending = %d, want 1 (unchanged)", got)
	}
	if got := conn.TotalActions(); got != 2 {
		t.Errorf("total = %d, want 2", got)
	}
}

func TestProcess_blockedConnectionType(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{Name: "webonly", BlockedConnectionTypes: []string{"websocket"}})
	d := f.dispatcher(t)
	conn := model.NewConnection(model.ConnectionOptions{ID: "ws-1", Type: "websocket"})

	data := d.Process(context.Background(), conn, nil, "webonly", "")

	if data.Status != model.StatusUnsupportedServerType {
		t.Fatalf("status = %s, want unsupported_server_type", data.Status)
	}
	if got := errorText(data); got != "this action does not support the websocket connection type" {
		t.Errorf("error = %q", got)
	}
}

func TestProcess_versionResolution(t *testing.T) {
	f := newFixture(t)
	for _, v := range []string{"2", "1"} {
		v := v
		f.register(t, model.ActionDefinition{
			Name:    "versioned",
			Version: v,
			Run: func(context.Context, *model.ActionData) (map[string]any, error) {
				return map[string]any{"ran": v}, nil
			},
		})
	}
	d := f.dispatcher(t)

	tests := []struct {
		name    string
		params  map[string]any
		version string
		want    string
		status  model.ActionStatus
	}{
		{name: "latest registered", want: "1", status: model.StatusComplete},
		{name: "explicit argument", version: "2", want: "2", status: model.StatusComplete},
		{name: "numeric param", params: map[string]any{"apiVersion": float64(2)}, want: "2", status: model.StatusComplete},
		{name: "unknown version", version: "9", status: model.StatusUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := d.Process(context.Background(), webConn(), tt.params, "versioned", tt.version)
			if data.Status != tt.status {
				t.Fatalf("status = %s, want %s", data.Status, tt.status)
			}
			if tt.status != model.StatusComplete {
				return
			}
			if data.APIVersion != tt.want || data.Params.String("apiVersion") != tt.want {
				t.Errorf("version = %q params.apiVersion = %q, want %q", data.APIVersion, data.Params.String("apiVersion"), tt.want)
			}
			if got := data.Response().(model.ObjectResponse)["ran"]; got != tt.want {
				t.Errorf("ran = %v, want %s", got, tt.want)
			}
		})
	}
}

func TestProcess_lockedParamsMutation(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{
		Name: "mutate",
		Run: func(_ context.Context, data *model.ActionData) (map[string]any, error) {
			if err := data.Params.Set("injected", true); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), nil, "mutate", "")

	if data.Status != model.StatusGenericError {
		t.Fatalf("status = %s, want generic_error", data.Status)
	}
	if !errors.Is(data.Err, model.ErrParamsLocked) {
		t.Errorf("err = %v, want ErrParamsLocked", data.Err)
	}
	if data.Params.Has("injected") {
		t.Error("locked params should not change")
	}
}

func TestProcess_panicRecovered(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{
		Name: "crash",
		Run: func(context.Context, *model.ActionData) (map[string]any, error) {
			panic("kaboom")
		},
	})
	d := f.dispatcher(t)
	conn := webConn()

	data := d.Process(context.Background(), conn, nil, "crash", "")

	if data.Status != model.StatusGenericError {
		t.Fatalf("status = %s, want generic_error", data.Status)
	}
	var pe *PanicError
	if !errors.As(data.Err, &pe) || pe.Value != "kaboom" {
		t.Errorf("err = %#v, want PanicError(kaboom)", data.Err)
	}
	if conn.PendingActions() != 0 {
		t.Errorf("pending = %d, want 0", conn.PendingActions())
	}
	entries := f.logs.FilterMessage("action completed").All()
	if len(entries) != 1 || entries[0].ContextMap()["stack"] == nil {
		t.Error("panic completion should log a stack")
	}
}

func TestProcess_scalarResponse(t *testing.T) {
	f := newFixture(t)
	f.use(t, middleware.NewTiming("relay-test"))
	f.register(t, model.ActionDefinition{
		Name: "list",
		Run: func(_ context.Context, data *model.ActionData) (map[string]any, error) {
			data.ReplaceResponse(model.ScalarResponse{Value: []string{"a", "b"}})
			return map[string]any{"ignored": true}, nil
		},
	})
	f.register(t, model.ActionDefinition{
		Name: "listFails",
		Run: func(_ context.Context, data *model.ActionData) (map[string]any, error) {
			data.ReplaceResponse(model.ScalarResponse{Value: "partial"})
			return nil, errors.New("broken")
		},
	})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), nil, "list", "")
	got, ok := data.ResponseValue().([]string)
	if !ok || len(got) != 2 {
		t.Fatalf("response = %#v, want []string{a b}", data.ResponseValue())
	}

	data = d.Process(context.Background(), webConn(), nil, "listFails", "")
	if data.Status != model.StatusGenericError {
		t.Fatalf("status = %s, want generic_error", data.Status)
	}
	if data.ResponseValue() != "broken" {
		t.Errorf("response = %#v, want the error replacing the scalar", data.ResponseValue())
	}
}

func TestProcess_timingMiddleware(t *testing.T) {
	f := newFixture(t)
	f.use(t, middleware.NewTiming("relay-test"))
	f.register(t, model.ActionDefinition{Name: "status"})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), nil, "status", "")

	info, ok := data.Response().(model.ObjectResponse)["serverInformation"].(map[string]any)
	if !ok {
		t.Fatalf("response missing serverInformation: %v", data.ResponseValue())
	}
	if info["serverName"] != "relay-test" || info["apiVersion"] != model.DefaultVersion {
		t.Errorf("serverInformation = %v", info)
	}
}

func TestProcess_customMessages(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, WithMessages(Messages{
		UnknownAction: func(_ context.Context, data *model.ActionData) any {
			return map[string]any{"code": "NO_SUCH_ACTION", "action": data.Action}
		},
	}))

	data := d.Process(context.Background(), webConn(), nil, "ghost", "")

	var se *model.StructuredError
	if !errors.As(data.Err, &se) {
		t.Fatalf("err = %T, want *model.StructuredError", data.Err)
	}
	rendered, ok := data.Response().(model.ObjectResponse)["error"].(map[string]any)
	if !ok || rendered["code"] != "NO_SUCH_ACTION" || rendered["action"] != "ghost" {
		t.Errorf("error = %#v", data.Response().(model.ObjectResponse)["error"])
	}
	if d.Messages().ServerShuttingDown == nil {
		t.Error("unset builders should keep their defaults")
	}
}

func TestProcess_nilBuilderResultFallsBackToStatus(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, WithMessages(Messages{
		UnknownAction: func(context.Context, *model.ActionData) any { return nil },
	}))

	data := d.Process(context.Background(), webConn(), nil, "ghost", "")

	if data.Err == nil || data.Err.Error() != "unknown_action" {
		t.Errorf("err = %v, want unknown_action", data.Err)
	}
}

func TestProcess_pendingBalancedUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{
		Name:   "work",
		Inputs: map[string]model.InputContract{"n": required()},
		Run: func(_ context.Context, data *model.ActionData) (map[string]any, error) {
			n, _ := data.Params.Get("n")
			if n.(int)%3 == 0 {
				return nil, errors.New("every third fails")
			}
			time.Sleep(time.Millisecond)
			return nil, nil
		},
	})
	d := f.dispatcher(t, general(func(c *config.GeneralConfig) { c.SimultaneousActions = 1000 }))
	conn := webConn()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := map[string]any{"n": i}
			if i%10 == 0 {
				params = nil
			}
			d.Process(context.Background(), conn, params, "work", "")
		}(i)
	}
	wg.Wait()

	if got := conn.PendingActions(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	if got := conn.TotalActions(); got != n {
		t.Errorf("total = %d, want %d", got, n)
	}
}

func TestDispatcher_shutdownWaitsForInflight(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.register(t, model.ActionDefinition{
		Name: "slow",
		Run: func(context.Context, *model.ActionData) (map[string]any, error) {
			close(started)
			<-release
			return map[string]any{"done": true}, nil
		},
	})
	f.register(t, model.ActionDefinition{Name: "fast"})
	d := f.dispatcher(t)

	result := make(chan *model.ActionData, 1)
	go func() { result <- d.Process(context.Background(), webConn(), nil, "slow", "") }()
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- d.Shutdown(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for d.Running() {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher did not stop accepting work")
		}
		time.Sleep(time.Millisecond)
	}

	rejected := d.Process(context.Background(), webConn(), nil, "fast", "")
	if rejected.Status != model.StatusServerShuttingDown {
		t.Errorf("status = %s, want server_shutting_down", rejected.Status)
	}

	select {
	case err := <-shutdown:
		t.Fatalf("Shutdown returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-shutdown; err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if data := <-result; data.Status != model.StatusComplete {
		t.Errorf("in-flight status = %s, want complete", data.Status)
	}

	d.Start()
	if data := d.Process(context.Background(), webConn(), nil, "fast", ""); data.Status != model.StatusComplete {
		t.Errorf("status after Start = %s, want complete", data.Status)
	}
}

func TestDispatcher_shutdownTimeout(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	f.register(t, model.ActionDefinition{
		Name: "stuck",
		Run: func(context.Context, *model.ActionData) (map[string]any, error) {
			close(started)
			<-release
			return nil, nil
		},
	})
	d := f.dispatcher(t)

	go d.Process(context.Background(), webConn(), nil, "stuck", "")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want DeadlineExceeded", err)
	}
}

func TestProcess_observers(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{Name: "seen"})
	obs := &recordingObserver{}
	d := f.dispatcher(t, WithObserver(obs), WithObserver(ObserverFunc(func(_ context.Context, data *model.ActionData) {
		obs.mu.Lock()
		obs.funcCalls++
		obs.mu.Unlock()
	})))

	d.Process(context.Background(), webConn(), nil, "seen", "")
	d.Process(context.Background(), webConn(), nil, "unseen", "")

	if obs.started != 2 || obs.funcCalls != 2 {
		t.Errorf("started = %d funcCalls = %d, want 2 each", obs.started, obs.funcCalls)
	}
	want := []model.ActionStatus{model.StatusComplete, model.StatusUnknownAction}
	if len(obs.statuses) != 2 || obs.statuses[0] != want[0] || obs.statuses[1] != want[1] {
		t.Errorf("statuses = %v, want %v", obs.statuses, want)
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	started   int
	funcCalls int
	statuses  []model.ActionStatus
}

func (o *recordingObserver) ActionStarted(context.Context, *model.ActionData) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) ActionCompleted(_ context.Context, data *model.ActionData) {
	o.mu.Lock()
	o.statuses = append(o.statuses, data.Status)
	o.mu.Unlock()
}

func TestProcess_spanAttributes(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{Name: "traced", Version: "3"})
	d := f.dispatcher(t)

	d.Process(context.Background(), webConn(), nil, "traced", "")

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	attrs := map[string]string{}
	for _, a := range spans[0].Attributes {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	if attrs["relay.action"] != "traced" || attrs["relay.api_version"] != "3" || attrs["relay.status"] != "complete" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestProcess_completionLogging(t *testing.T) {
	f := newFixture(t)
	f.register(t, model.ActionDefinition{
		Name:   "login",
		Inputs: map[string]model.InputContract{"user": required(), "password": required()},
		Run: func(context.Context, *model.ActionData) (map[string]any, error) {
			return map[string]any{"token": "secret-token", "ok": true}, nil
		},
	})
	f.register(t, model.ActionDefinition{Name: "quiet", LogLevel: "debug"})
	f.register(t, model.ActionDefinition{
		Name: "broken",
		Run: func(context.Context, *model.ActionData) (map[string]any, error) {
			return nil, errors.New("db down")
		},
	})
	d := f.dispatcher(t, general(func(c *config.GeneralConfig) {
		c.FilteredParams = []string{"user"}
		c.EnableResponseLogging = true
	}))

	ctx := context.Background()
	d.Process(ctx, webConn(), map[string]any{"user": "ann", "password": "hunter2"}, "login", "")
	d.Process(ctx, webConn(), map[string]any{"user": "ann"}, "login", "")
	d.Process(ctx, webConn(), nil, "quiet", "")
	d.Process(ctx, webConn(), nil, "broken", "")

	entries := f.logs.FilterMessage("action completed").All()
	if len(entries) != 4 {
		t.Fatalf("log entries = %d, want 4", len(entries))
	}
	wantLevels := []zapcore.Level{zapcore.InfoLevel, zapcore.WarnLevel, zapcore.DebugLevel, zapcore.ErrorLevel}
	for i, e := range entries {
		if e.Level != wantLevels[i] {
			t.Errorf("entry %d level = %s, want %s", i, e.Level, wantLevels[i])
		}
	}

	first := entries[0].ContextMap()
	if first["to"] != "127.0.0.1" || first["action"] != "login" || first["status"] != "complete" {
		t.Errorf("entry fields = %v", first)
	}
	params := first["params"].(map[string]any)
	if params["password"] != "[REDACTED]" || params["user"] != "[REDACTED]" {
		t.Errorf("params not filtered: %v", params)
	}
	response := first["response"].(map[string]any)
	if response["token"] != "[REDACTED]" || response["ok"] != true {
		t.Errorf("response not filtered: %v", response)
	}
	if entries[3].ContextMap()["error"] != "db down" {
		t.Errorf("error field = %v, want db down", entries[3].ContextMap()["error"])
	}
}

func TestProcess_actionLockReleasedOnEveryStatus(t *testing.T) {
	f := newFixture(t)
	f.use(t, middleware.NewActionLock(cache.NewMemoryStore("test"), time.Minute))
	f.use(t, middleware.Middleware{
		Name: "reject",
		Pre: func(_ context.Context, data *model.ActionData) (map[string]any, error) {
			if data.Params.String("mode") == "reject" {
				return nil, errors.New("rejected")
			}
			return nil, nil
		},
	})
	f.register(t, model.ActionDefinition{
		Name:       "guarded",
		Middleware: []string{"lock", "reject"},
		Inputs: map[string]model.InputContract{
			"key":  required(),
			"mode": {},
		},
		Run: func(_ context.Context, data *model.ActionData) (map[string]any, error) {
			switch data.Params.String("mode") {
			case "fail":
				return nil, errors.New("run failed")
			case "panic":
				panic("run panicked")
			}
			return map[string]any{"ok": true}, nil
		},
	})
	d := f.dispatcher(t)
	conn := webConn()

	tests := []struct {
		name   string
		params map[string]any
		want   model.ActionStatus
	}{
		{"missing params", map[string]any{}, model.StatusMissingParams},
		{"run error", map[string]any{"key": "v", "mode": "fail"}, model.StatusGenericError},
		{"run panic", map[string]any{"key": "v", "mode": "panic"}, model.StatusGenericError},
		{"later pre-processor error", map[string]any{"key": "v", "mode": "reject"}, model.StatusGenericError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := d.Process(context.Background(), conn, tt.params, "guarded", "")
			if first.Status != tt.want {
				t.Fatalf("first status = %s, want %s (err %v)", first.Status, tt.want, first.Err)
			}

			next := d.Process(context.Background(), conn, map[string]any{"key": "v"}, "guarded", "")
			if next.Status != model.StatusComplete {
				t.Fatalf("following call status = %s, want complete (err %v)", next.Status, next.Err)
			}
		})
	}
}

func TestProcess_completeHookFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.use(t, middleware.Middleware{
		Name: "release",
		Complete: func(context.Context, *model.ActionData) error {
			return errors.New("release failed")
		},
	})
	f.register(t, model.ActionDefinition{Name: "hooked", Middleware: []string{"release"}})
	d := f.dispatcher(t)

	data := d.Process(context.Background(), webConn(), nil, "hooked", "")

	if data.Status != model.StatusComplete {
		t.Fatalf("status = %s, want complete", data.Status)
	}
	if n := f.logs.FilterMessage("middleware completion hook failed").Len(); n != 1 {
		t.Errorf("completion hook warnings = %d, want 1", n)
	}
}

func TestProcessor_Working(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.register(t, model.ActionDefinition{
		Name: "slow",
		Run: func(context.Context, *model.ActionData) (map[string]any, error) {
			close(started)
			<-release
			return nil, nil
		},
	})
	d := f.dispatcher(t)
	p := d.NewProcessor(webConn(), nil)

	done := make(chan struct{})
	go func() {
		p.ProcessAction(context.Background(), "slow", "")
		close(done)
	}()

	<-started
	if !p.Working() {
		t.Error("Working() = false while the action runs")
	}
	close(release)
	<-done
	if p.Working() {
		t.Error("Working() = true after completion")
	}
}
