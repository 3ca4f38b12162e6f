package js

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/pbinitiative/zenflow/pkg/script"
)

type JsRuntime struct {
	pool *script.RunnerPool[*JsRunner]
}

var _ script.JsRuntime = &JsRuntime{}

func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int) (*JsRuntime, error) {
	pool, err := script.NewRunnerPool(ctx, newJsRunner, maxVmPoolSize, minVmPoolSize)
	if err != nil {
		return nil, err
	}
	return &JsRuntime{pool: pool}, nil
}

func (r *JsRuntime) RunScript(ctx context.Context, script string, globals map[string]any) (any, error) {
	runner, err := r.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("no script runner available: %w", err)
	}
	defer r.pool.Put(runner)
	return runner.runScript(ctx, script, globals)
}

type JsRunner struct {
	vm      *goja.Runtime
	globals []string
}

func newJsRunner() *JsRunner {
	return &JsRunner{vm: goja.New()}
}

// Reset removes the globals bound by the last run
func (r *JsRunner) Reset() {
	for _, name := range r.globals {
		_ = r.vm.GlobalObject().Delete(name)
	}
	r.globals = r.globals[:0]
	r.vm.ClearInterrupt()
}

func (r *JsRunner) runScript(ctx context.Context, script string, globals map[string]any) (any, error) {
	for name, value := range globals {
		if err := r.vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
		r.globals = append(r.globals, name)
	}
	stop := context.AfterFunc(ctx, func() {
		r.vm.Interrupt(ctx.Err())
	})
	defer stop()

	resp, err := r.vm.RunString(script)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("script interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("error running script %q: %w", script, err)
	}
	if resp == nil || goja.IsUndefined(resp) || goja.IsNull(resp) {
		return nil, nil
	}
	return resp.Export(), nil
}
