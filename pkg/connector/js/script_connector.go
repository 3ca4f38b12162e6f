// Package js provides a connector running JavaScript on pooled goja runtimes.
package js

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/pbinitiative/zenflow/pkg/connector"
	"github.com/pbinitiative/zenflow/pkg/script"
)

const (
	Type = "script"
	// ScriptInput holds the source, all other inputs are bound as globals
	ScriptInput = "script"
	// ResultOutput receives a script result that is not an object
	ResultOutput = "result"
)

type ScriptConnector struct {
	runtime script.JsRuntime
	source  string
	globals map[string]any
}

var _ connector.Connector = &ScriptConnector{}

func NewFactory(runtime script.JsRuntime) connector.Factory {
	return func() connector.Connector {
		return &ScriptConnector{runtime: runtime}
	}
}

func (c *ScriptConnector) Type() string {
	return Type
}

func (c *ScriptConnector) SetInputParameters(inputs map[string]any) error {
	c.globals = maps.Clone(inputs)
	if c.globals == nil {
		c.globals = map[string]any{}
	}
	source, ok := c.globals[ScriptInput]
	if !ok {
		return nil
	}
	delete(c.globals, ScriptInput)
	s, ok := source.(string)
	if !ok {
		return fmt.Errorf("input %s must be a string, got %T", ScriptInput, source)
	}
	c.source = s
	return nil
}

func (c *ScriptConnector) Validate() error {
	if strings.TrimSpace(c.source) == "" {
		return errors.New("script is empty")
	}
	return nil
}

func (c *ScriptConnector) Connect(ctx context.Context) error {
	return nil
}

func (c *ScriptConnector) Execute(ctx context.Context) (map[string]any, error) {
	res, err := c.runtime.RunScript(ctx, c.source, c.globals)
	if err != nil {
		return nil, err
	}
	if out, ok := res.(map[string]any); ok {
		return out, nil
	}
	if res == nil {
		return map[string]any{}, nil
	}
	return map[string]any{ResultOutput: res}, nil
}

func (c *ScriptConnector) Disconnect(ctx context.Context) error {
	c.globals = nil
	return nil
}
