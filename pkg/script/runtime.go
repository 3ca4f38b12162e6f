package script

import "context"

// JsRuntime runs a JavaScript snippet with the given globals bound and returns its exported result.
type JsRuntime interface {
	RunScript(ctx context.Context, script string, globals map[string]any) (any, error)
}
